package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"fsy-go/internal/config"
	"fsy-go/internal/database"
	"fsy-go/internal/encryption"
	"fsy-go/internal/fs"
	"fsy-go/internal/fsy"
	"fsy-go/internal/swap"
	"fsy-go/internal/transport"
	"fsy-go/internal/watch"
)

// FsyApp is the application layer between the CLI and the engine.
// It constructs all dependencies from config and manages their lifecycle.
type FsyApp struct {
	cfg      *config.Config
	trust    *fsy.TrustStore
	registry *fsy.Registry
	store    fsy.StateStore
	client   *transport.Client
	engine   *fsy.Engine
	clock    fsy.Clock
	logger   fsy.Logger
	logFile  *os.File
	runID    string
}

// NewFsyApp creates a fully wired FsyApp from the given config. Errors
// wrapping fsy.ErrConfigInvalid mean the config must be fixed.
// The caller must call Close when done.
func NewFsyApp(cfg *config.Config) (*FsyApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", fsy.ErrConfigInvalid, err)
	}

	trust, err := trustStoreFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := registryFromConfig(cfg, trust)
	if err != nil {
		return nil, err
	}
	id := trust.LocalIdentity()

	sealer, err := encryption.NewSealerFromConfig(cfg.Encryption, id)
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	runID := uuid.New().String()
	slogger, logFile, err := newLogger(cfg.Local.LogDir, cfg.Local.Level(), runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	store, err := database.NewStateStoreFromConfig(cfg.Database, id.NodeID)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	client, err := transport.NewClient(id)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating peer client: %w", err)
	}

	clock := clockwork.NewRealClock()
	osfs := afero.NewOsFs()
	locks := swap.NewManager(osfs, clock, cfg.Local.LockGrace(), logger)
	engine := fsy.NewEngine(engineConfig(cfg.Local), trust, registry, locks, store, fs.NewManager(osfs), sealer, client, logger, clock, fsy.UUIDGenerator{})

	return &FsyApp{
		cfg:      cfg,
		trust:    trust,
		registry: registry,
		store:    store,
		client:   client,
		engine:   engine,
		clock:    clock,
		logger:   logger,
		logFile:  logFile,
		runID:    runID,
	}, nil
}

// NodeID returns the local node id.
func (a *FsyApp) NodeID() fsy.NodeID {
	return a.trust.LocalIdentity().NodeID
}

// Run starts the peer server, the file watcher and the engine, and blocks
// until ctx is cancelled. Only startup errors are returned.
func (a *FsyApp) Run(ctx context.Context) error {
	if err := a.engine.Init(ctx); err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	lis, err := net.Listen("tcp", a.cfg.Local.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Local.ListenAddress, err)
	}
	server, err := transport.NewServer(a.trust, a.engine, a.logger)
	if err != nil {
		lis.Close()
		return fmt.Errorf("creating peer server: %w", err)
	}

	paths := make([]string, 0, len(a.registry.ListGroups()))
	for _, g := range a.registry.ListGroups() {
		paths = append(paths, g.LocalPath)
	}
	watcher, err := watch.New(paths, a.engine, a.clock, a.logger)
	if err != nil {
		lis.Close()
		return fmt.Errorf("watching target groups: %w", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := server.Serve(lis); err != nil {
			a.logger.Error("peer server stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			a.logger.Error("file watcher stopped", "error", err)
		}
	}()

	a.logger.Info("fsy running", "node_id", a.NodeID(), "run_id", a.runID, "listen", a.cfg.Local.ListenAddress)
	err = a.engine.Run(ctx)

	server.Stop()
	cancel()
	wg.Wait()
	return err
}

// GroupStatus is the persisted state of one target group. A single-file
// group has at most one member, with an empty path.
type GroupStatus struct {
	Group   *fsy.TargetGroup
	Members []*fsy.GroupState // ordered by path; empty until content is first seen
	Missing bool              // the local path does not exist
}

// Status reports every configured group with the last known version of
// each of its members.
func (a *FsyApp) Status() ([]GroupStatus, error) {
	states, err := a.store.ListGroupStates()
	if err != nil {
		return nil, err
	}
	byGroup := make(map[string][]*fsy.GroupState)
	for _, st := range states {
		byGroup[st.Group] = append(byGroup[st.Group], st)
	}

	var out []GroupStatus
	for _, g := range a.registry.ListGroups() {
		_, statErr := os.Stat(g.LocalPath)
		out = append(out, GroupStatus{Group: g, Members: byGroup[g.Name], Missing: errors.Is(statErr, os.ErrNotExist)})
	}
	return out, nil
}

// History returns the most recent transfers, newest first.
func (a *FsyApp) History(limit int) ([]*fsy.TransferRecord, error) {
	return a.store.ListTransfers(limit)
}

// Trustees returns the configured trustees.
func (a *FsyApp) Trustees() []fsy.Trustee {
	return a.trust.Trustees()
}

// Close releases the state store, peer connections and log file.
func (a *FsyApp) Close() error {
	var errs []error
	if err := a.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing peer connections: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing state store: %w", err))
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
