// Command serialbridge connects the console to a serial device: lines from
// the device are printed to stdout and integers typed on stdin are sent to
// the device as single bytes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/luhtfiimanal/go-serial-bridge/bridge"
	"github.com/luhtfiimanal/go-serial-bridge/internal/config"
	apperrors "github.com/luhtfiimanal/go-serial-bridge/internal/errors"
	"github.com/luhtfiimanal/go-serial-bridge/internal/logger"
	"github.com/luhtfiimanal/go-serial-bridge/internal/monitor"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serialbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to serialbridge.yaml")
	list := fs.Bool("list", false, "list serial ports and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, "serialbridge", version)
		return 0
	}
	if *list {
		if err := listPorts(stdout); err != nil {
			fmt.Fprintln(stderr, "list ports:", err)
			return 1
		}
		return 0
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintln(stderr, "init logger:", err)
		return 1
	}
	defer logger.Sync()
	log := logger.Named("main")

	config.Watch(func(c *config.Config) {
		logger.SetLevel(c.Log.Level)
		log.Info("configuration reloaded", zap.Stringer("level", logger.Level()))
	}, func(err error) {
		log.Warn("ignoring configuration change", zap.Error(err))
	})

	opts, err := bridge.OptionsFrom(cfg.Serial)
	if err != nil {
		log.Error("invalid serial configuration", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(opts, bridge.WithLogger(logger.Named("bridge")))
	defer b.Close()

	// Running without a port is allowed: input is still read and writes are dropped.
	if err := b.Initialize(ctx); err != nil {
		log.Warn("running without a serial port", zap.Int("code", int(apperrors.GetCode(err))))
	} else {
		fmt.Fprintf(stdout, "Started on port %s\n", b.Device())
		log.Info("bridge started", zap.String("device", b.Device()), zap.String("framing", b.Framing().Framing()))
	}

	printer := &bridge.Printer{Out: stdout, Logger: logger.Named("printer")}
	if cfg.Monitor.Enabled {
		mon := monitor.New(b, logger.Named("monitor"))
		printer.Tap = mon.Publish
		go func() {
			if err := mon.ListenAndServe(ctx, cfg.Monitor.Addr, cfg.Monitor.Path); err != nil {
				log.Error("monitor stopped", zap.Error(err))
			}
		}()
	}
	go printer.Run(ctx, b.Events())

	session := &bridge.Session{
		In:          stdin,
		Sender:      b,
		Logger:      logger.Named("console"),
		SkipInvalid: cfg.Console.SkipInvalid,
	}
	err = session.Run(ctx)
	switch {
	case err == nil:
		log.Info("console closed, shutting down")
	case errors.Is(err, context.Canceled):
		log.Info("signal received, shutting down")
	case apperrors.Is(err, apperrors.ErrInputParse):
		log.Error("invalid console input", zap.Error(err))
		return 1
	default:
		log.Error("console loop failed", zap.Error(err))
		return 1
	}
	return 0
}
