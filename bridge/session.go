package bridge

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/luhtfiimanal/go-serial-bridge/internal/errors"
)

// ByteSender accepts one outgoing byte value. *Bridge implements it.
type ByteSender interface {
	SendByte(v int) error
}

// Session forwards console lines to a ByteSender, one integer per line.
type Session struct {
	In     io.Reader
	Sender ByteSender
	Logger *zap.Logger
	// SkipInvalid logs lines that are not integers and keeps reading.
	// When false the first such line ends Run with an ErrInputParse error.
	SkipInvalid bool
}

// ParseByteLine parses one console line as a decimal integer.
func ParseByteLine(line string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.ErrInputParse, "line %q is not an integer", line)
	}
	return v, nil
}

// Run reads In until EOF (returns nil), ctx is done (returns ctx.Err()) or,
// unless SkipInvalid is set, a line fails to parse.
func (s *Session) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// stops the scanner goroutine on early return
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			v, err := ParseByteLine(line)
			if err != nil {
				if !s.SkipInvalid {
					return err
				}
				logger.Warn("ignoring console line", zap.String("line", line), zap.Error(err))
				continue
			}
			// failures are logged by the sender and do not end the session
			_ = s.Sender.SendByte(v)
		}
	}
}
