// Package config loads the TOML configuration of a strata repository and
// opens the backend it names.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/odvcencio/strata/pkg/persist"
	"github.com/odvcencio/strata/pkg/persist/badgerstore"
	"github.com/odvcencio/strata/pkg/persist/inmemory"
	"github.com/odvcencio/strata/pkg/persist/s3store"
	"github.com/odvcencio/strata/pkg/persist/sqlitestore"
)

// Backend kinds.
const (
	KindInMemory = "inmemory"
	KindBadger   = "badger"
	KindSQLite   = "sqlite"
	KindS3       = "s3"
)

// DefaultFile is the config file name looked up in the working directory.
const DefaultFile = "strata.toml"

type Config struct {
	Backend Backend `toml:"backend"`
	Limits  Limits  `toml:"limits"`
	Retry   Retry   `toml:"retry"`
	Log     Log     `toml:"log"`
}

type Backend struct {
	Kind string `toml:"kind"`
	// Path is the badger directory or the sqlite file.
	Path       string `toml:"path"`
	Repository string `toml:"repository"`
	S3         S3     `toml:"s3"`
}

type S3 struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

type Limits struct {
	ParentsPerCommit             int `toml:"parents_per_commit"`
	MaxIncrementalIndexSize      int `toml:"max_incremental_index_size"`
	MaxSerializedIndexSize       int `toml:"max_serialized_index_size"`
	MaxReferenceStripesPerCommit int `toml:"max_reference_stripes_per_commit"`
}

type Retry struct {
	MaxRetries   int      `toml:"max_retries"`
	Timeout      Duration `toml:"timeout"`
	InitialSleep Duration `toml:"initial_sleep"`
	MaxSleep     Duration `toml:"max_sleep"`
}

type Log struct {
	Level string `toml:"level"`
}

// Duration reads and writes time.Duration as a string such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Default returns a config for a badger database in .strata.
func Default() *Config {
	pc := persist.DefaultConfig()
	return &Config{
		Backend: Backend{Kind: KindBadger, Path: ".strata", Repository: "default"},
		Limits: Limits{
			ParentsPerCommit:             pc.ParentsPerCommit,
			MaxIncrementalIndexSize:      pc.MaxIncrementalIndexSize,
			MaxSerializedIndexSize:       pc.MaxSerializedIndexSize,
			MaxReferenceStripesPerCommit: pc.MaxReferenceStripesPerCommit,
		},
		Retry: Retry{
			MaxRetries:   pc.Retry.MaxRetries,
			Timeout:      Duration{pc.Retry.Timeout},
			InitialSleep: Duration{pc.Retry.InitialSleep},
			MaxSleep:     Duration{pc.Retry.MaxSleep},
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("read config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the backend section.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case KindInMemory:
	case KindBadger, KindSQLite:
		if c.Backend.Path == "" {
			return fmt.Errorf("backend %s: path is required", c.Backend.Kind)
		}
	case KindS3:
		if c.Backend.S3.Bucket == "" {
			return errors.New("backend s3: bucket is required")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Write atomically replaces path with c.
func (c *Config) Write(path string) error {
	var buf bytes.Buffer
	if err := c.Encode(&buf); err != nil {
		return fmt.Errorf("write config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("write config: tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: rename: %w", err)
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// PersistConfig returns the backend-independent settings.
func (c *Config) PersistConfig() persist.Config {
	return persist.Config{
		RepositoryID:                 c.Backend.Repository,
		ParentsPerCommit:             c.Limits.ParentsPerCommit,
		MaxIncrementalIndexSize:      c.Limits.MaxIncrementalIndexSize,
		MaxSerializedIndexSize:       c.Limits.MaxSerializedIndexSize,
		MaxReferenceStripesPerCommit: c.Limits.MaxReferenceStripesPerCommit,
		Retry: persist.RetryConfig{
			MaxRetries:   c.Retry.MaxRetries,
			Timeout:      c.Retry.Timeout.Duration,
			InitialSleep: c.Retry.InitialSleep.Duration,
			MaxSleep:     c.Retry.MaxSleep.Duration,
		},
	}.WithDefaults()
}

// OpenBackend opens the configured backend. The returned close function
// releases it and is never nil.
func OpenBackend(ctx context.Context, c *Config, logger *slog.Logger) (persist.Persist, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("backend", c.Backend.Kind)
	pc := c.PersistConfig()
	noop := func() error { return nil }

	switch c.Backend.Kind {
	case KindInMemory:
		return inmemory.New(pc), noop, nil
	case KindBadger:
		p, err := badgerstore.Open(badgerstore.Options{Path: c.Backend.Path, Logger: logger}, pc)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case KindSQLite:
		if dir := filepath.Dir(c.Backend.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, fmt.Errorf("open sqlite store: %w", err)
			}
		}
		p, err := sqlitestore.Open(sqlitestore.Options{Path: c.Backend.Path, Logger: logger}, pc)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		client, err := s3store.NewClient(ctx, s3store.ClientOptions{
			Region:    c.Backend.S3.Region,
			Endpoint:  c.Backend.S3.Endpoint,
			AccessKey: c.Backend.S3.AccessKey,
			SecretKey: c.Backend.S3.SecretKey,
		})
		if err != nil {
			return nil, nil, err
		}
		p, err := s3store.New(client, s3store.Options{Bucket: c.Backend.S3.Bucket, Prefix: c.Backend.S3.Prefix, Logger: logger}, pc)
		if err != nil {
			return nil, nil, err
		}
		return p, noop, nil
	}
}
