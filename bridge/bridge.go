// Package bridge connects a console to a serial device: it picks a port from
// an ordered allow-list, opens it, publishes inbound lines as events and
// forwards single bytes to the device.
package bridge

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	serial "github.com/luhtfiimanal/go-serial-bridge"
	"github.com/luhtfiimanal/go-serial-bridge/internal/config"
	apperrors "github.com/luhtfiimanal/go-serial-bridge/internal/errors"
)

const (
	DefaultAcquireTimeout = 2 * time.Second
	DefaultReadRetryDelay = 200 * time.Millisecond
	DefaultEventBuffer    = 64

	// idle reads (timeouts, EOF) are retried after this pause
	idlePoll = 20 * time.Millisecond
	// lines longer than this are delivered in pieces
	maxLineLength = 64 * 1024
	// how long Close waits for the reader goroutine
	closeWait = time.Second
)

// Options configures a Bridge.
type Options struct {
	Candidates     []string
	Port           serial.Config // framing; Device is ignored
	Driver         string
	AcquireTimeout time.Duration
	ReadRetryDelay time.Duration
	Policy         SelectPolicy
	EventBuffer    int
}

// OptionsFrom converts the serial section of the configuration.
func OptionsFrom(cfg config.SerialConfig) (Options, error) {
	port, err := cfg.Port()
	if err != nil {
		return Options{}, err
	}
	policy, err := ParseSelectPolicy(cfg.SelectPolicy)
	if err != nil {
		return Options{}, apperrors.Wrap(err, apperrors.ErrConfigValidate)
	}
	return Options{
		Candidates:     append([]string(nil), cfg.Candidates...),
		Port:           port,
		Driver:         cfg.Driver,
		AcquireTimeout: cfg.AcquireTimeout,
		ReadRetryDelay: cfg.ReadRetryDelay,
		Policy:         policy,
	}, nil
}

// Option customizes a Bridge.
type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithEnumerator replaces the system port enumeration.
func WithEnumerator(e Enumerator) Option {
	return func(b *Bridge) { b.enumerate = e }
}

// WithOpener replaces the driver selected by Options.Driver.
func WithOpener(o Opener) Option {
	return func(b *Bridge) { b.open = o }
}

// Bridge owns at most one open serial port.
type Bridge struct {
	opts      Options
	logger    *zap.Logger
	enumerate Enumerator
	open      Opener

	mu         sync.Mutex
	port       Port
	device     string
	closed     bool
	done       chan struct{}
	readerDone chan struct{}

	events     chan Event
	eventsOnce sync.Once
}

// New creates a Bridge. Nothing is opened until Initialize.
func New(opts Options, options ...Option) *Bridge {
	opts.Port = opts.Port.Normalize()
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.ReadRetryDelay <= 0 {
		opts.ReadRetryDelay = DefaultReadRetryDelay
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Driver == "" {
		opts.Driver = "termios"
	}

	b := &Bridge{
		opts:      opts,
		logger:    zap.NewNop(),
		enumerate: getPortsList,
		events:    make(chan Event, opts.EventBuffer),
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Initialize finds the first usable candidate port and opens it.
// Failures are logged and returned; the bridge then has no port.
// Calling Initialize on an open bridge does nothing.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return apperrors.New(apperrors.ErrInvalidParam, "bridge is closed")
	}
	if b.port != nil {
		return nil
	}

	open := b.open
	if open == nil {
		var err error
		if open, err = DriverOpener(b.opts.Driver); err != nil {
			b.logger.Error("serial driver unavailable", zap.String("driver", b.opts.Driver), zap.Error(err))
			return err
		}
	}

	ports, err := b.enumerate()
	if err != nil {
		appErr := apperrors.Wrap(err, apperrors.ErrPortEnumerate)
		b.logger.Error("failed to list serial ports", zap.Error(err))
		return appErr
	}

	device, ok := SelectPort(ports, b.opts.Candidates, b.opts.Policy)
	if !ok {
		b.logger.Warn("could not find serial port",
			zap.Strings("candidates", b.opts.Candidates),
			zap.Strings("available", ports))
		return apperrors.Newf(apperrors.ErrPortNotFound, "none of %v present", b.opts.Candidates)
	}

	port, err := openWithTimeout(ctx, open, device, b.opts.Port, b.opts.AcquireTimeout)
	if err != nil {
		b.logger.Error("failed to open serial port",
			zap.String("device", device),
			zap.String("driver", b.opts.Driver),
			zap.Error(err))
		b.logger.Debug("open failure origin", zap.String("device", device), stackField(err))
		return err
	}

	b.port = port
	b.device = device
	b.done = make(chan struct{})
	b.readerDone = make(chan struct{})
	go b.readLoop(port, device, b.done, b.readerDone)

	b.logger.Info("serial port opened",
		zap.String("device", device),
		zap.String("driver", b.opts.Driver),
		zap.String("framing", b.opts.Port.Framing()))
	return nil
}

// Events returns the inbound event channel. It is closed once the bridge is
// closed and the reader has stopped.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// Device returns the opened device path, or "" when no port is open.
func (b *Bridge) Device() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

func (b *Bridge) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port != nil
}

// Framing returns the framing the port is (or would be) opened with.
func (b *Bridge) Framing() serial.Config {
	return b.opts.Port
}

// SendByte writes the low 8 bits of v to the port. Without an open port the
// value is dropped. Failures are logged; the port stays open.
func (b *Bridge) SendByte(v int) error {
	b.mu.Lock()
	port, device := b.port, b.device
	b.mu.Unlock()

	if port == nil {
		b.logger.Warn("no open serial port, dropping byte", zap.Int("value", v))
		return apperrors.New(apperrors.ErrPortNotOpen)
	}
	if v < 0 || v > 255 {
		b.logger.Warn("value outside byte range, sending low 8 bits",
			zap.Int("value", v), zap.Uint8("sent", byte(v)))
	}

	if _, err := port.Write([]byte{byte(v)}); err != nil {
		b.logger.Error("serial write failed", zap.String("device", device), zap.Int("value", v), zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrPortWrite, device)
	}
	return nil
}

// Close stops the reader and closes the port. Safe to call more than once
// and from any goroutine; a bridge that never opened a port just closes
// its event channel.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.port == nil {
		b.closeEvents()
		return nil
	}

	close(b.done)
	err := b.port.Close()

	select {
	case <-b.readerDone:
	case <-time.After(closeWait):
		b.logger.Warn("serial reader did not stop", zap.String("device", b.device))
	}

	b.logger.Info("serial port closed", zap.String("device", b.device))
	b.port = nil
	b.device = ""
	return err
}

func (b *Bridge) closeEvents() {
	b.eventsOnce.Do(func() { close(b.events) })
}

// readLoop is the only reader of port. It turns available data into one
// event per line and keeps going after read errors until done is closed.
func (b *Bridge) readLoop(port Port, device string, done, finished chan struct{}) {
	defer close(finished)
	defer b.closeEvents()

	delim := b.opts.Port.Delimiter
	buf := make([]byte, 4096)
	var pending string

	for {
		n, err := port.Read(buf)

		select {
		case <-done:
			return
		default:
		}

		if n > 0 {
			pending += string(buf[:n])
			for {
				idx := strings.Index(pending, delim)
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+len(delim):]
				if delim == "\n" {
					line = strings.TrimSuffix(line, "\r")
				}
				if !b.emit(Event{Kind: EventDataAvailable, Line: line}, done) {
					return
				}
			}
			if len(pending) > maxLineLength {
				if !b.emit(Event{Kind: EventDataAvailable, Line: pending}, done) {
					return
				}
				pending = ""
			}
		}

		switch {
		case err == nil && n > 0:
		case err == nil || errors.Is(err, io.EOF):
			if !sleep(idlePoll, done) {
				return
			}
		default:
			readErr := apperrors.Wrap(err, apperrors.ErrPortRead)
			b.logger.Error("serial read failed", zap.String("device", device), zap.Error(err))
			b.logger.Debug("read failure origin", zap.String("device", device), stackField(readErr))
			if !b.emit(Event{Kind: EventReadError, Err: readErr}, done) {
				return
			}
			if !sleep(b.opts.ReadRetryDelay, done) {
				return
			}
		}
	}
}

func (b *Bridge) emit(ev Event, done <-chan struct{}) bool {
	select {
	case b.events <- ev:
		return true
	case <-done:
		return false
	}
}

// stackField carries the frames captured by an AppError, if err has any.
func stackField(err error) zap.Field {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && len(appErr.Stack) > 0 {
		return zap.String("stack", appErr.GetStack())
	}
	return zap.Skip()
}

func sleep(d time.Duration, done <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
