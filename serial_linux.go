//go:build linux

package serial

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SerialReader provides low-latency, killable access to a Linux serial port.
// Writes are safe for concurrent use; reads must come from one goroutine.
type SerialReader struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	config    Config
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
	pending   string
	writeMu   sync.Mutex
}

// Open opens a serial port using the provided Config and returns a SerialReader.
// The port is configured for raw, unbuffered operation with the requested framing.
func Open(cfg Config) (*SerialReader, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baud, err := baudToUnix(cfg.BaudRate)
	if err != nil {
		return nil, err
	}

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	applyFraming(termios, cfg, baud)

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	// Turn back into blocking mode now that config is done
	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &SerialReader{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

// Config returns the normalized configuration the port was opened with.
func (s *SerialReader) Config() Config {
	return s.config
}

// Read waits for data or Close. It returns ErrClosed once the reader is closed,
// and (0, nil) when Config.ReadTimeout elapses with nothing to read.
func (s *SerialReader) Read(p []byte) (int, error) {
	timeout := -1
	if s.config.ReadTimeout > 0 {
		timeout = int(s.config.ReadTimeout.Milliseconds())
	}
	for {
		pfd := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.pipeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfd, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		select {
		case <-s.done:
			return 0, ErrClosed
		default:
		}
		if n == 0 {
			return 0, nil
		}
		if pfd[1].Revents&unix.POLLIN != 0 {
			return 0, ErrClosed
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			return s.file.Read(p)
		}
	}
}

// Write writes p to the serial port.
func (s *SerialReader) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return 0, ErrClosed
	default:
	}
	return s.file.Write(p)
}

// WriteByte writes a single byte to the serial port.
func (s *SerialReader) WriteByte(c byte) error {
	_, err := s.Write([]byte{c})
	return err
}

// WriteLine writes a line followed by newline to the serial port.
func (s *SerialReader) WriteLine(line string, newline string) error {
	_, err := s.Write([]byte(line + newline))
	return err
}

// ReadLine reads a single line from the serial port, blocking until a full line
// is received or an error occurs. Bytes after the delimiter are kept for the next call.
func (s *SerialReader) ReadLine() (string, error) {
	buf := make([]byte, 4096)
	for {
		if idx := strings.Index(s.pending, s.config.Delimiter); idx >= 0 {
			line := s.pending[:idx]
			s.pending = s.pending[idx+len(s.config.Delimiter):]
			return line, nil
		}
		n, err := s.Read(buf)
		if err != nil {
			return "", err
		}
		s.pending += string(buf[:n])
	}
}

// ReadLinesLoop continuously reads lines from the serial port and invokes onLine for each complete line.
// If an error occurs, onError is called and the loop exits. Close ends the loop without calling onError.
func (s *SerialReader) ReadLinesLoop(onLine func(string), onError func(error)) {
	for {
		line, err := s.ReadLine()
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			onError(err)
			return
		}
		onLine(line)
	}
}

// Close closes the serial port and unblocks any Read/ReadLine/ReadLinesLoop calls.
// Safe to call multiple times; subsequent calls are no-ops.
func (s *SerialReader) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Wake up poll using self-pipe
		unix.Write(s.pipeW, []byte{1})
		s.writeMu.Lock()
		err = s.file.Close()
		s.writeMu.Unlock()
		unix.Close(s.pipeR)
		unix.Close(s.pipeW)
	})
	return err
}

// applyFraming puts t into raw mode with the framing and speed of cfg.
// Reads return as soon as one byte is available.
func applyFraming(t *unix.Termios, cfg Config, baud uint32) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag |= unix.CLOCAL | unix.CREAD

	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	t.Cflag |= dataBitsToUnix(cfg.DataBits)
	if cfg.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	switch cfg.Parity {
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		t.Cflag |= unix.PARENB
	}

	t.Cflag &^= unix.CBAUD
	t.Cflag |= baud
	t.Ispeed = baud
	t.Ospeed = baud

	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", baud)
	}
}

func dataBitsToUnix(bits int) uint32 {
	switch bits {
	case 5:
		return unix.CS5
	case 6:
		return unix.CS6
	case 7:
		return unix.CS7
	default:
		return unix.CS8
	}
}
