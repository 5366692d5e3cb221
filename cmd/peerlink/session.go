package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/link"
	"github.com/srg/peerlink/internal/manager"
	"github.com/srg/peerlink/internal/store"
	"github.com/srg/peerlink/pkg/config"
)

// platformFactory opens the backend named by --backend. Tests replace it.
var platformFactory = openPlatform

func noopClose() error { return nil }

// session is what every command runs against: resolved config, logger,
// the manager over the selected backend, and the known peers store.
type session struct {
	cfg     *config.Config
	backend string
	logger  *logrus.Logger
	mgr     *manager.Manager
	store   *store.Store // nil when the store could not be opened

	closePlatform func() error
}

// loadConfig resolves configuration: defaults, then --config, then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	if storePath, _ := cmd.Flags().GetString("store"); storePath != "" {
		cfg.StorePath = storePath
	}
	if f := cmd.Flags().Lookup("service"); f != nil && f.Changed {
		cfg.ServiceID = f.Value.String()
	}
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		d, _ := cmd.Flags().GetDuration("timeout")
		cfg.HandshakeTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openSession builds the logger, backend and manager for cmd. withStore
// additionally opens the known peers database; failing to do so is logged,
// not fatal.
func openSession(cmd *cobra.Command, withStore bool) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	backend := cfg.Backend
	if backend == "" {
		backend = defaultBackend
	}
	adapterName, _ := cmd.Flags().GetString("adapter")

	platform, closePlatform, err := platformFactory(backend, adapterName, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", backend, err)
	}

	s := &session{
		cfg:           cfg,
		backend:       backend,
		logger:        logger,
		closePlatform: closePlatform,
		mgr: manager.New(platform, manager.Options{
			ServiceID: cfg.ServiceID,
			Link: link.Options{
				HandshakeTimeout: cfg.HandshakeTimeout,
				ReadBufferSize:   cfg.ReadBufferSize,
			},
			HistorySize: cfg.EventHistory,
		}, logger),
	}

	if withStore {
		path := cfg.StorePath
		if path == "" {
			path = defaultStorePath()
		}
		st, err := store.Open(path, logger)
		if err != nil {
			logger.WithError(err).Warn("Known peers store unavailable")
		} else {
			s.store = st
		}
	}

	return s, nil
}

// Close shuts the manager down and discards any events it still delivers.
func (s *session) Close() {
	s.mgr.Close()
	for range s.mgr.Events() {
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close known peers store")
		}
	}
	if s.closePlatform != nil {
		if err := s.closePlatform(); err != nil {
			s.logger.WithError(err).Warn("Failed to close backend")
		}
	}
}

// remember records p in the store, if there is one.
func (s *session) remember(p device.PeerDevice, connected bool) {
	if s.store == nil {
		return
	}
	logger := s.logger.WithField("address", p.Address)
	if err := s.store.Record(p, nowFunc()); err != nil {
		logger.WithError(err).Warn("Failed to record peer")
		return
	}
	if connected {
		if err := s.store.MarkConnected(p.Address, nowFunc()); err != nil {
			logger.WithError(err).Warn("Failed to record connection")
		}
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "peerlink", "peers.db")
}
