package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	serial "github.com/luhtfiimanal/go-serial-bridge"
	"github.com/luhtfiimanal/go-serial-bridge/internal/config"
	apperrors "github.com/luhtfiimanal/go-serial-bridge/internal/errors"
)

type readResult struct {
	data []byte
	err  error
}

// scriptedPort replays queued reads and records writes.
type scriptedPort struct {
	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []byte
	writeErr error
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	select {
	case r := <-p.reads:
		return copy(b, r.data), r.err
	case <-p.closed:
		return 0, io.ErrClosedPipe
	}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *scriptedPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *scriptedPort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *scriptedPort) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// recordingOpener hands out one scriptedPort and remembers how it was asked.
type recordingOpener struct {
	mu     sync.Mutex
	port   *scriptedPort
	calls  int
	device string
	cfg    serial.Config
	err    error
}

func (o *recordingOpener) open(device string, cfg serial.Config) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.device = device
	o.cfg = cfg
	if o.err != nil {
		return nil, o.err
	}
	return o.port, nil
}

func staticPorts(ports ...string) Enumerator {
	return func() ([]string, error) { return ports, nil }
}

func newTestBridge(t *testing.T, opts Options, enum Enumerator, opener Opener) (*Bridge, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	if opts.Candidates == nil {
		opts.Candidates = config.DefaultCandidates
	}
	b := New(opts, WithLogger(zap.New(core)), WithEnumerator(enum), WithOpener(opener))
	t.Cleanup(func() { b.Close() })
	return b, logs
}

func TestInitialize_OpensMatchingCandidate(t *testing.T) {
	opener := &recordingOpener{port: newScriptedPort()}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyS0", "/dev/ttyACM0"), opener.open)

	require.NoError(t, b.Initialize(context.Background()))

	assert.True(t, b.IsOpen())
	assert.Equal(t, "/dev/ttyACM0", b.Device())
	assert.Equal(t, "/dev/ttyACM0", opener.device)
	assert.Equal(t, 9600, opener.cfg.BaudRate)
	assert.Equal(t, 8, opener.cfg.DataBits)
	assert.Equal(t, 1, opener.cfg.StopBits)
	assert.Equal(t, serial.ParityNone, opener.cfg.Parity)
	assert.Equal(t, 1, logs.FilterMessage("serial port opened").Len())
}

func TestInitialize_IsIdempotent(t *testing.T) {
	opener := &recordingOpener{port: newScriptedPort()}
	b, _ := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)

	require.NoError(t, b.Initialize(context.Background()))
	require.NoError(t, b.Initialize(context.Background()))
	assert.Equal(t, 1, opener.calls)
}

func TestInitialize_NotFound(t *testing.T) {
	opener := &recordingOpener{port: newScriptedPort()}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyS0", "/dev/ttyUSB0"), opener.open)

	err := b.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPortNotFound))
	assert.False(t, b.IsOpen())
	assert.Empty(t, b.Device())
	assert.Zero(t, opener.calls)
	assert.Equal(t, 1, logs.FilterMessage("could not find serial port").Len())

	// writes and closes after a failed initialize are logged no-ops
	assert.NotPanics(t, func() {
		err := b.SendByte(65)
		assert.True(t, apperrors.Is(err, apperrors.ErrPortNotOpen))
	})
	assert.Equal(t, 1, logs.FilterMessage("no open serial port, dropping byte").Len())
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())

	_, ok := <-b.Events()
	assert.False(t, ok, "events channel should be closed")
}

func TestInitialize_EnumerateError(t *testing.T) {
	opener := &recordingOpener{port: newScriptedPort()}
	enum := func() ([]string, error) { return nil, errors.New("no sysfs") }
	b, logs := newTestBridge(t, Options{}, enum, opener.open)

	err := b.Initialize(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrPortEnumerate))
	assert.False(t, b.IsOpen())
	assert.Equal(t, 1, logs.FilterMessage("failed to list serial ports").Len())
}

func TestInitialize_OpenFailure(t *testing.T) {
	opener := &recordingOpener{err: errors.New("device busy")}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)

	err := b.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPortOpen))
	assert.Contains(t, err.Error(), "device busy")
	assert.False(t, b.IsOpen())
	assert.Equal(t, 1, logs.FilterMessage("failed to open serial port").Len())

	origin := logs.FilterMessage("open failure origin").All()
	require.Len(t, origin, 1)
	assert.Equal(t, zapcore.DebugLevel, origin[0].Level)
	assert.NotEmpty(t, origin[0].ContextMap()["stack"])
}

func TestInitialize_AcquireTimeout(t *testing.T) {
	port := newScriptedPort()
	release := make(chan struct{})
	opener := func(device string, cfg serial.Config) (Port, error) {
		<-release
		return port, nil
	}
	b, _ := newTestBridge(t, Options{AcquireTimeout: 30 * time.Millisecond}, staticPorts("/dev/ttyACM0"), opener)

	start := time.Now()
	err := b.Initialize(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, b.IsOpen())

	// the port that shows up late must not leak
	close(release)
	require.Eventually(t, port.isClosed, time.Second, 5*time.Millisecond)
}

func TestInitialize_UnknownDriver(t *testing.T) {
	b := New(Options{Candidates: []string{"/dev/ttyACM0"}, Driver: "usb"},
		WithEnumerator(staticPorts("/dev/ttyACM0")))
	t.Cleanup(func() { b.Close() })

	err := b.Initialize(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))
	assert.Contains(t, err.Error(), "want one of bugst, tarm, termios")
}

func TestInitialize_AfterClose(t *testing.T) {
	opener := &recordingOpener{port: newScriptedPort()}
	b, _ := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)

	require.NoError(t, b.Close())
	assert.Error(t, b.Initialize(context.Background()))
	assert.Zero(t, opener.calls)
}

func TestSendByte_WritesOneByte(t *testing.T) {
	opener := &recordingOpener{port: newScriptedPort()}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	require.NoError(t, b.SendByte(65))
	assert.Equal(t, []byte{65}, opener.port.bytes())

	// out of range values keep their low 8 bits
	require.NoError(t, b.SendByte(321))
	assert.Equal(t, []byte{65, 65}, opener.port.bytes())
	assert.Equal(t, 1, logs.FilterMessage("value outside byte range, sending low 8 bits").Len())
}

func TestSendByte_WriteFailureKeepsPortOpen(t *testing.T) {
	port := newScriptedPort()
	port.writeErr = io.ErrShortWrite
	opener := &recordingOpener{port: port}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	err := b.SendByte(1)
	assert.True(t, apperrors.Is(err, apperrors.ErrPortWrite))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.True(t, b.IsOpen())
	assert.False(t, port.isClosed())
	assert.Equal(t, 1, logs.FilterMessage("serial write failed").Len())
}

func TestReadLoop_PrintsInboundLine(t *testing.T) {
	port := newScriptedPort()
	opener := &recordingOpener{port: port}
	b, _ := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	port.reads <- readResult{data: []byte("OK\n")}

	var out bytes.Buffer
	p := &Printer{Out: &out}
	select {
	case ev := <-b.Events():
		p.Handle(ev)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound line")
	}

	assert.Equal(t, "OK\n", out.String())
	assert.True(t, b.IsOpen())
	assert.False(t, port.isClosed())
	assert.Equal(t, "9600-8-N-1", b.Framing().Framing())
}

func TestReadLoop_SplitsAndJoinsChunks(t *testing.T) {
	port := newScriptedPort()
	opener := &recordingOpener{port: port}
	b, _ := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	port.reads <- readResult{data: []byte("tem")}
	port.reads <- readResult{data: []byte("p=21\r\nhum=40\nst")}
	port.reads <- readResult{data: []byte("atus\n")}

	var got []string
	for len(got) < 3 {
		select {
		case ev := <-b.Events():
			require.Equal(t, EventDataAvailable, ev.Kind)
			got = append(got, ev.Line)
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", got)
		}
	}
	assert.Equal(t, []string{"temp=21", "hum=40", "status"}, got)
}

func TestReadLoop_ReadErrorKeepsPortOpen(t *testing.T) {
	port := newScriptedPort()
	opener := &recordingOpener{port: port}
	b, logs := newTestBridge(t, Options{ReadRetryDelay: 5 * time.Millisecond}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	port.reads <- readResult{err: errors.New("framing error")}
	port.reads <- readResult{data: []byte("after\n")}

	var kinds []EventKind
	var line string
	for len(kinds) < 2 {
		select {
		case ev := <-b.Events():
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventReadError {
				assert.True(t, apperrors.Is(ev.Err, apperrors.ErrPortRead))
			} else {
				line = ev.Line
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", kinds)
		}
	}

	assert.Equal(t, []EventKind{EventReadError, EventDataAvailable}, kinds)
	assert.Equal(t, "after", line)
	assert.True(t, b.IsOpen())
	assert.False(t, port.isClosed())
	assert.Equal(t, 1, logs.FilterMessage("serial read failed").Len())
	origin := logs.FilterMessage("read failure origin").All()
	require.Len(t, origin, 1)
	assert.Contains(t, origin[0].ContextMap()["stack"], "readLoop")
}

func TestReadLoop_EOFIsIdle(t *testing.T) {
	port := newScriptedPort()
	opener := &recordingOpener{port: port}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	port.reads <- readResult{err: io.EOF}
	port.reads <- readResult{}
	port.reads <- readResult{data: []byte("ping\n")}

	select {
	case ev := <-b.Events():
		assert.Equal(t, EventDataAvailable, ev.Kind)
		assert.Equal(t, "ping", ev.Line)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for line after idle reads")
	}
	assert.Zero(t, logs.FilterMessage("serial read failed").Len())
}

func TestClose_StopsReaderAndIsIdempotent(t *testing.T) {
	port := newScriptedPort()
	opener := &recordingOpener{port: port}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.True(t, port.isClosed())
	assert.False(t, b.IsOpen())
	assert.Empty(t, b.Device())
	assert.Equal(t, 1, logs.FilterMessage("serial port closed").Len())

	select {
	case _, ok := <-b.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestClose_ConcurrentCallers(t *testing.T) {
	opener := &recordingOpener{port: newScriptedPort()}
	b, logs := newTestBridge(t, Options{}, staticPorts("/dev/ttyACM0"), opener.open)
	require.NoError(t, b.Initialize(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Close())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, logs.FilterMessage("serial port closed").Len())
}

func TestOptionsFrom(t *testing.T) {
	opts, err := OptionsFrom(config.SerialConfig{
		Candidates:     []string{"/dev/ttyUSB0"},
		Driver:         "tarm",
		BaudRate:       115200,
		Parity:         "odd",
		AcquireTimeout: time.Second,
		SelectPolicy:   "last",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0"}, opts.Candidates)
	assert.Equal(t, "tarm", opts.Driver)
	assert.Equal(t, SelectLastEnumerated, opts.Policy)
	assert.Equal(t, "115200-8-O-1", opts.Port.Framing())

	opts, err = OptionsFrom(config.SerialConfig{Parity: "none", SelectPolicy: "LAST"})
	require.NoError(t, err)
	assert.Equal(t, SelectLastEnumerated, opts.Policy)

	_, err = OptionsFrom(config.SerialConfig{Parity: "none", SelectPolicy: "middle"})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigValidate))
}
