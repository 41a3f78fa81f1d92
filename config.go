package serial

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default framing: 9600 baud, 8 data bits, no parity, 1 stop bit.
const (
	DefaultBaudRate  = 9600
	DefaultDataBits  = 8
	DefaultStopBits  = 1
	DefaultDelimiter = "\n"
)

var (
	// ErrClosed is returned by reads and writes on a closed SerialReader.
	ErrClosed = errors.New("serialreader closed")
	// ErrUnsupportedPlatform is returned by Open on platforms without termios support.
	ErrUnsupportedPlatform = errors.New("serialreader: platform not supported")
)

// Parity selects the parity bit mode.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityOdd  Parity = 'O'
	ParityEven Parity = 'E'
)

func (p Parity) String() string {
	switch p {
	case ParityNone, 0:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return fmt.Sprintf("Parity(%q)", byte(p))
	}
}

// ParseParity accepts "N", "none", "O", "odd", "E" and "even", case-insensitive.
// An empty string means no parity.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "none":
		return ParityNone, nil
	case "o", "odd":
		return ParityOdd, nil
	case "e", "even":
		return ParityEven, nil
	default:
		return 0, fmt.Errorf("unknown parity %q", s)
	}
}

// Config holds configuration parameters for opening a serial port.
type Config struct {
	Device      string
	BaudRate    int
	DataBits    int    // 5..8, default 8
	StopBits    int    // 1 or 2, default 1
	Parity      Parity // default ParityNone
	Delimiter   string // default "\n"
	ReadTimeout time.Duration
}

// Normalize returns a copy of c with zero fields replaced by defaults.
func (c Config) Normalize() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = DefaultDataBits
	}
	if c.StopBits == 0 {
		c.StopBits = DefaultStopBits
	}
	if c.Parity == 0 {
		c.Parity = ParityNone
	}
	if c.Delimiter == "" {
		c.Delimiter = DefaultDelimiter
	}
	return c
}

// Validate reports framing values no driver can apply.
func (c Config) Validate() error {
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("invalid data bits %d", c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("invalid stop bits %d", c.StopBits)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("invalid parity %s", c.Parity)
	}
	if c.Delimiter == "" {
		return errors.New("empty delimiter")
	}
	return nil
}

// Framing renders the framing in the usual short form, e.g. "9600-8-N-1".
func (c Config) Framing() string {
	return fmt.Sprintf("%d-%d-%c-%d", c.BaudRate, c.DataBits, byte(c.Parity), c.StopBits)
}
