package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/graphsync"
	"github.com/LuminPulse-AI/graphsync/boltstore"
)

// session bundles a client with the resources it owns.
type session struct {
	client *graphsync.Client
	store  *boltstore.Store
	log    *zap.Logger
}

func (s *session) Close() {
	_ = s.client.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
	_ = s.log.Sync()
}

// newLogger builds a production zap logger writing to stderr.
func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

// clientConfig translates the TOML config into a client Config.
func clientConfig(cfg *Config) (graphsync.Config, error) {
	if cfg.Server.URL == "" {
		return graphsync.Config{}, errors.New("no server URL. Run 'graphsync init <url>' first")
	}
	codec, err := graphsync.CodecByName(cfg.Server.Codec)
	if err != nil {
		return graphsync.Config{}, err
	}

	out := graphsync.Config{
		URL:                  cfg.Server.URL,
		Token:                cfg.Server.Token,
		Codec:                codec,
		BatchMode:            graphsync.BatchMode(cfg.Client.BatchMode),
		BatchSize:            cfg.Client.BatchSize,
		MaxReconnectAttempts: cfg.Client.MaxReconnects,
	}
	if out.BatchWindow, err = parseDuration(cfg.Client.BatchWindow); err != nil {
		return graphsync.Config{}, fmt.Errorf("client.batch_window: %w", err)
	}
	if out.HeartbeatInterval, err = parseDuration(cfg.Client.HeartbeatInterval); err != nil {
		return graphsync.Config{}, fmt.Errorf("client.heartbeat_interval: %w", err)
	}
	return out, nil
}

// openSession loads the config and creates a client backed by the bbolt
// cursor store. It does not connect.
func openSession(opts ...graphsync.ClientOption) (*session, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	ccfg, err := clientConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.Client.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	path, err := statePath(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := boltstore.Open(path)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]graphsync.ClientOption{
		graphsync.WithLogger(log),
		graphsync.WithStateStore(store),
	}, opts...)
	client, err := graphsync.New(ccfg, opts...)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return &session{client: client, store: store, log: log}, cfg, nil
}

func statePath(cfg *Config) (string, error) {
	if cfg.State.Path != "" {
		return cfg.State.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
