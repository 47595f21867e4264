// Package service configures and supervises the runtime: the engine
// descriptor, the transport, and the optional metrics endpoint.
package service

import (
	"os"
	"reflect"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/gofcgi/fcgiserve/fastcgi"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Size is a byte count that accepts humanized strings ("64KB", "1 MiB") in
// JSON and environment values, as well as plain numbers.
type Size int64

// UnmarshalJSON implements json.Unmarshaler
func (s *Size) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}

		return s.parse(str)
	}

	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}

	*s = Size(n)

	return nil
}

func (s *Size) parse(str string) error {
	n, err := humanize.ParseBytes(str)
	if err != nil {
		return errors.Wrapf(err, "size %q", str)
	}

	*s = Size(n)

	return nil
}

// Config is the engine descriptor plus runtime wiring. Field order follows
// the engine options.
type Config struct {
	MaxConns           int    `json:"max_conns" env:"FCGISERVE_MAX_CONNS" validate:"min=0"`
	MaxSessions        int    `json:"max_sessions" env:"FCGISERVE_MAX_SESSIONS" validate:"min=0"`
	MaxSessionsPerConn int    `json:"max_sessions_per_conn" env:"FCGISERVE_MAX_SESSIONS_PER_CONN" validate:"min=0"`
	BufferSize         Size   `json:"buffer_size" env:"FCGISERVE_BUFFER_SIZE" validate:"min=0"`
	PipeRAMThreshold   Size   `json:"pipe_ram_threshold" env:"FCGISERVE_PIPE_RAM_THRESHOLD" validate:"min=0"`
	PipeMaxFileSize    Size   `json:"pipe_max_file_size" env:"FCGISERVE_PIPE_MAX_FILE_SIZE" validate:"min=0"`
	SpillDir           string `json:"spill_dir" env:"FCGISERVE_SPILL_DIR" validate:"omitempty,dir"`
	SpillFallback      bool   `json:"spill_fallback" env:"FCGISERVE_SPILL_FALLBACK"`

	MetricsAddr string `json:"metrics_addr" env:"FCGISERVE_METRICS_ADDR" validate:"omitempty,hostname_port"`
	LogLevel    string `json:"log_level" env:"FCGISERVE_LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn error"`
}

// Load reads the descriptor: JSON file when path is non-empty, then the
// environment overlay, then validation. A missing file is an error; an
// empty path is not.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer f.Close()

		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, errors.Wrapf(err, "decode config %s", path)
		}
	}

	if err := overlayEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func overlayEnv(cfg *Config) error {
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Size(0)): func(v string) (interface{}, error) {
				var s Size
				if err := s.parse(v); err != nil {
					return nil, err
				}

				return s, nil
			},
		},
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return errors.Wrap(err, "environment overlay")
	}

	return nil
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	return nil
}

// Engine maps the descriptor onto the engine options.
func (c *Config) Engine() fastcgi.Config {
	return fastcgi.Config{
		MaxConns:           c.MaxConns,
		MaxSessions:        c.MaxSessions,
		MaxSessionsPerConn: c.MaxSessionsPerConn,
		BufferSize:         int(c.BufferSize),
		PipeRAMThreshold:   int64(c.PipeRAMThreshold),
		PipeMaxFileSize:    int64(c.PipeMaxFileSize),
		SpillDir:           c.SpillDir,
		SpillFallback:      c.SpillFallback,
	}
}
