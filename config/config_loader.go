// Package config loads the YAML configuration of the supervisor and the
// session log engine
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/criyle/go-sudoexec/intercept"
	"github.com/criyle/go-sudoexec/iolog"
)

// DefaultPath is the configuration file read when none is given
const DefaultPath = "/etc/sudoexec.yaml"

// Config is the configuration file
type Config struct {
	IOLog      IOLog      `yaml:"iolog"`
	Supervisor Supervisor `yaml:"supervisor"`
	Intercept  Intercept  `yaml:"intercept"`
	LogLevel   string     `yaml:"log_level"`
}

// IOLog configures the session logs
type IOLog struct {
	Dir       string            `yaml:"dir"`
	File      string            `yaml:"file"`
	Mode      FileMode          `yaml:"mode"`
	Compress  iolog.Compression `yaml:"compress"`
	Flush     bool              `yaml:"flush"`
	MaxSeq    uint64            `yaml:"maxseq"`
	LogStdin  bool              `yaml:"log_stdin"`
	LogStdout bool              `yaml:"log_stdout"`
	LogStderr bool              `yaml:"log_stderr"`
	LogTTYIn  bool              `yaml:"log_ttyin"`
	LogTTYOut bool              `yaml:"log_ttyout"`
}

// Supervisor configures the execution of the command
type Supervisor struct {
	BufferSize int           `yaml:"buffer_size"`
	KillGrace  time.Duration `yaml:"kill_grace"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Intercept lists the sub-commands allowed through interception
type Intercept struct {
	Allow []string `yaml:"allow"`
}

// FileMode is a permission written in octal
type FileMode os.FileMode

// UnmarshalYAML parses octal modes such as 0600
func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(value.Value, 8, 32)
	if err != nil {
		return fmt.Errorf("line %d: invalid mode %q", value.Line, value.Value)
	}
	*m = FileMode(v)
	return nil
}

// MarshalYAML writes the mode in octal
func (m FileMode) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%04o", uint32(m)), nil
}

// Default returns the configuration used for values absent from the file
func Default() *Config {
	return &Config{
		IOLog: IOLog{
			Dir:       "/var/log/sudo-io",
			File:      "%{seq}",
			Mode:      0600,
			MaxSeq:    iolog.DefaultMaxSeq,
			LogStdout: true,
			LogStderr: true,
			LogTTYOut: true,
		},
		Supervisor: Supervisor{
			BufferSize: 64 << 10,
			KillGrace:  2 * time.Second,
		},
		LogLevel: "info",
	}
}

// LoadYAML loads a YAML file into the provided struct.
func LoadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if err := LoadYAML(path, c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks the value ranges
func (c *Config) Validate() error {
	if c.IOLog.MaxSeq == 0 || c.IOLog.MaxSeq > iolog.DefaultMaxSeq {
		return fmt.Errorf("iolog.maxseq %d out of range", c.IOLog.MaxSeq)
	}
	if c.IOLog.Mode&^0777 != 0 {
		return fmt.Errorf("iolog.mode %o has non permission bits", uint32(c.IOLog.Mode))
	}
	if c.Supervisor.BufferSize <= 0 {
		return fmt.Errorf("supervisor.buffer_size %d must be positive", c.Supervisor.BufferSize)
	}
	if c.Supervisor.KillGrace < 0 || c.Supervisor.Timeout < 0 {
		return errors.New("supervisor durations must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses log_level
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Channels returns the enabled log channels
func (c *IOLog) Channels() iolog.ChannelSet {
	var s iolog.ChannelSet
	for _, ch := range []struct {
		on bool
		c  iolog.Channel
	}{
		{c.LogStdin, iolog.Stdin},
		{c.LogStdout, iolog.Stdout},
		{c.LogStderr, iolog.Stderr},
		{c.LogTTYIn, iolog.TTYIn},
		{c.LogTTYOut, iolog.TTYOut},
	} {
		if ch.on {
			s = s.With(ch.c)
		}
	}
	return s
}

// Options returns the log engine options
func (c *IOLog) Options(logger *slog.Logger) iolog.Options {
	return iolog.Options{
		Mode:      os.FileMode(c.Mode),
		Compress:  c.Compress,
		Channels:  c.Channels(),
		FlushEach: c.Flush,
		Logger:    logger,
	}
}

// Checker returns the interception policy
func (c *Intercept) Checker() intercept.Checker {
	return intercept.AllowList(c.Allow)
}
