package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	serial "github.com/luhtfiimanal/go-serial-bridge"
	apperrors "github.com/luhtfiimanal/go-serial-bridge/internal/errors"
)

// Config is the whole program configuration.
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	Console ConsoleConfig `mapstructure:"console"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Log     LogConfig     `mapstructure:"log"`
}

// SerialConfig selects and frames the serial port.
type SerialConfig struct {
	Candidates     []string      `mapstructure:"candidates"`
	Driver         string        `mapstructure:"driver"`
	BaudRate       int           `mapstructure:"baud_rate"`
	DataBits       int           `mapstructure:"data_bits"`
	StopBits       int           `mapstructure:"stop_bits"`
	Parity         string        `mapstructure:"parity"`
	Delimiter      string        `mapstructure:"delimiter"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ReadRetryDelay time.Duration `mapstructure:"read_retry_delay"`
	SelectPolicy   string        `mapstructure:"select_policy"`
}

// ConsoleConfig controls the stdin loop.
type ConsoleConfig struct {
	SkipInvalid bool `mapstructure:"skip_invalid"`
}

// MonitorConfig controls the optional WebSocket tap.
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	Output string        `mapstructure:"output"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig controls rotated file output.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultCandidates are tried in order when no list is configured.
var DefaultCandidates = []string{
	"/dev/tty.usbmodem000001", // macOS
	"/dev/tty.ACM0",
	"/dev/ttyACM0", // Linux
}

const EnvPrefix = "SERIALBRIDGE"

var (
	cfg *Config
	mu  sync.RWMutex
	v   *viper.Viper
)

// Init loads the configuration and makes it available through Get and Watch.
func Init(configPath string) error {
	nv, c, err := load(configPath)
	if err != nil {
		return err
	}
	mu.Lock()
	v, cfg = nv, c
	mu.Unlock()
	return nil
}

// Load reads a configuration without touching the package state.
// An empty path searches ./config and . for serialbridge.yaml; a missing file means defaults.
func Load(configPath string) (*Config, error) {
	_, c, err := load(configPath)
	return c, err
}

func load(configPath string) (*viper.Viper, *Config, error) {
	nv := viper.New()
	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName("serialbridge")
		nv.SetConfigType("yaml")
		nv.AddConfigPath("./config")
		nv.AddConfigPath(".")
	}

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)

	if err := nv.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, apperrors.Wrap(err, apperrors.ErrConfigLoad)
		}
	}

	c, err := decode(nv)
	if err != nil {
		return nil, nil, err
	}
	return nv, c, nil
}

func decode(nv *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := nv.Unmarshal(c); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrConfigLoad)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.candidates", DefaultCandidates)
	v.SetDefault("serial.driver", "termios")
	v.SetDefault("serial.baud_rate", serial.DefaultBaudRate)
	v.SetDefault("serial.data_bits", serial.DefaultDataBits)
	v.SetDefault("serial.stop_bits", serial.DefaultStopBits)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.delimiter", serial.DefaultDelimiter)
	v.SetDefault("serial.acquire_timeout", "2s")
	v.SetDefault("serial.read_timeout", "0s")
	v.SetDefault("serial.read_retry_delay", "200ms")
	v.SetDefault("serial.select_policy", "first")

	v.SetDefault("console.skip_invalid", false)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.addr", ":8765")
	v.SetDefault("monitor.path", "/ws")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "serialbridge.log")
	v.SetDefault("log.file.max_size", 10)
	v.SetDefault("log.file.max_age", 7)
	v.SetDefault("log.file.max_backups", 3)
	v.SetDefault("log.file.compress", false)
}

// Validate checks values the bridge cannot work with.
func (c *Config) Validate() error {
	if len(c.Serial.Candidates) == 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "serial.candidates is empty")
	}
	switch c.Serial.Driver {
	case "termios", "bugst", "tarm":
	default:
		return apperrors.Newf(apperrors.ErrConfigValidate, "unknown serial.driver %q", c.Serial.Driver)
	}
	switch strings.ToLower(c.Serial.SelectPolicy) {
	case "first", "last":
	default:
		return apperrors.Newf(apperrors.ErrConfigValidate, "unknown serial.select_policy %q", c.Serial.SelectPolicy)
	}
	if c.Serial.AcquireTimeout <= 0 {
		return apperrors.New(apperrors.ErrConfigValidate, "serial.acquire_timeout must be positive")
	}
	sc, err := c.Serial.Port()
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrConfigValidate)
	}
	if c.Monitor.Enabled && c.Monitor.Addr == "" {
		return apperrors.New(apperrors.ErrConfigValidate, "monitor.addr is empty")
	}
	return nil
}

// Port converts the framing fields to a serial.Config without a device.
func (s SerialConfig) Port() (serial.Config, error) {
	parity, err := serial.ParseParity(s.Parity)
	if err != nil {
		return serial.Config{}, apperrors.Wrap(err, apperrors.ErrConfigValidate)
	}
	return serial.Config{
		BaudRate:    s.BaudRate,
		DataBits:    s.DataBits,
		StopBits:    s.StopBits,
		Parity:      parity,
		Delimiter:   s.Delimiter,
		ReadTimeout: s.ReadTimeout,
	}.Normalize(), nil
}

// Get returns the configuration loaded by Init.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch reloads the configuration file on change and calls callback with the new value.
// Invalid edits are reported and the previous configuration stays in effect.
func Watch(callback func(*Config), onError func(error)) {
	mu.RLock()
	nv := v
	mu.RUnlock()
	if nv == nil {
		return
	}

	nv.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := decode(nv)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
	nv.WatchConfig()
}
