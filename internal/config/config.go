// Package config loads the orchestrator daemon settings from HXO_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/platform/env"
	"github.com/animus-labs/hypershard/internal/repo/location"
)

const (
	DefaultMaxConcurrency  = 64
	DefaultCheckpointStore = "sqlite://./var/hxo.db"
	DefaultHTTPAddr        = ":8085"
	DefaultShutdownTimeout = 30 * time.Second
)

type Config struct {
	MaxConcurrency  int
	CheckpointStore string
	Resume          bool
	ProofSampleSize int
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
	CertifyBucket   string
	RejectPartial   bool
	EventLog        bool
}

func Load() (Config, error) {
	maxConcurrency, err := env.Int("HXO_MAX_CONCURRENCY", DefaultMaxConcurrency)
	if err != nil {
		return Config{}, err
	}
	resume, err := env.Bool("HXO_RESUME", true)
	if err != nil {
		return Config{}, err
	}
	sampleSize, err := env.Int("HXO_PROOF_SAMPLE_SIZE", domain.DefaultProofSampleSize)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := env.Duration("HXO_SHUTDOWN_TIMEOUT", DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	level, err := env.Level("HXO_LOG_LEVEL", slog.LevelInfo)
	if err != nil {
		return Config{}, err
	}
	rejectPartial, err := env.Bool("HXO_CERTIFY_REJECT_PARTIAL", false)
	if err != nil {
		return Config{}, err
	}
	eventLog, err := env.Bool("HXO_EVENT_LOG", true)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		MaxConcurrency:  maxConcurrency,
		CheckpointStore: env.String("HXO_CHECKPOINT_STORE", DefaultCheckpointStore),
		Resume:          resume,
		ProofSampleSize: sampleSize,
		HTTPAddr:        env.String("HXO_HTTP_ADDR", DefaultHTTPAddr),
		ShutdownTimeout: shutdownTimeout,
		LogLevel:        level,
		CertifyBucket:   env.String("HXO_CERTIFY_BUCKET", ""),
		RejectPartial:   rejectPartial,
		EventLog:        eventLog,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return errors.New("HXO_MAX_CONCURRENCY must be >= 1")
	}
	if c.ProofSampleSize < 0 {
		return errors.New("HXO_PROOF_SAMPLE_SIZE must be >= 0")
	}
	if _, err := location.Parse(c.CheckpointStore); err != nil {
		return fmt.Errorf("HXO_CHECKPOINT_STORE: %w", err)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("HXO_HTTP_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("HXO_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}
