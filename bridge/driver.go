package bridge

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"

	serial "github.com/luhtfiimanal/go-serial-bridge"
	apperrors "github.com/luhtfiimanal/go-serial-bridge/internal/errors"
)

// Port is an open serial connection.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens device with the given framing.
type Opener func(device string, cfg serial.Config) (Port, error)

// Enumerator lists the serial ports known to the host.
type Enumerator func() ([]string, error)

// tarm reads block in the kernel and are not interrupted by Close,
// so the tarm driver always polls with at least this timeout.
const tarmPollTimeout = 100 * time.Millisecond

// allow tests to override external dependencies
var (
	getPortsList Enumerator = bugst.GetPortsList
	bugstOpen               = bugst.Open
	tarmOpen                = tarm.OpenPort
)

var drivers = map[string]Opener{
	"termios": openTermios,
	"bugst":   openBugst,
	"tarm":    openTarm,
}

// Drivers lists the registered driver names.
func Drivers() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DriverOpener returns the Opener registered under name.
func DriverOpener(name string) (Opener, error) {
	open, ok := drivers[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "unknown serial driver %q, want one of %s", name, strings.Join(Drivers(), ", "))
	}
	return open, nil
}

func openTermios(device string, cfg serial.Config) (Port, error) {
	cfg.Device = device
	r, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func openBugst(device string, cfg serial.Config) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugstParity(cfg.Parity),
		StopBits: bugst.OneStopBit,
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}

	p, err := bugstOpen(device, mode)
	if err != nil {
		return nil, err
	}
	if cfg.ReadTimeout > 0 {
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

func bugstParity(p serial.Parity) bugst.Parity {
	switch p {
	case serial.ParityOdd:
		return bugst.OddParity
	case serial.ParityEven:
		return bugst.EvenParity
	default:
		return bugst.NoParity
	}
}

func openTarm(device string, cfg serial.Config) (Port, error) {
	timeout := cfg.ReadTimeout
	if timeout < tarmPollTimeout {
		timeout = tarmPollTimeout
	}

	c := &tarm.Config{
		Name:        device,
		Baud:        cfg.BaudRate,
		Size:        byte(cfg.DataBits),
		Parity:      tarmParity(cfg.Parity),
		StopBits:    tarm.Stop1,
		ReadTimeout: timeout,
	}
	if cfg.StopBits == 2 {
		c.StopBits = tarm.Stop2
	}

	p, err := tarmOpen(c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func tarmParity(p serial.Parity) tarm.Parity {
	switch p {
	case serial.ParityOdd:
		return tarm.ParityOdd
	case serial.ParityEven:
		return tarm.ParityEven
	default:
		return tarm.ParityNone
	}
}

type openResult struct {
	port Port
	err  error
}

// openWithTimeout runs open in the background and gives up after timeout.
// A port that finishes opening after the deadline is closed.
func openWithTimeout(ctx context.Context, open Opener, device string, cfg serial.Config, timeout time.Duration) (Port, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan openResult, 1)
	go func() {
		p, err := open(device, cfg)
		ch <- openResult{port: p, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, apperrors.Wrapf(r.err, apperrors.ErrPortOpen, "%s: %v", device, r.err)
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.port != nil {
				r.port.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Newf(apperrors.ErrTimeout, "opening %s took longer than %s", device, timeout)
		}
		return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrPortOpen, device)
	}
}
