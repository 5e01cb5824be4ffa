package fsy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// EngineConfig holds the scheduler periods and retry policy.
type EngineConfig struct {
	// LoopInterval drains the event queue.
	LoopInterval time.Duration
	// PushInterval starts outbound pushes for dirty groups.
	PushInterval time.Duration
	// PullInterval polls Pull and PushPull targets. Zero disables polling.
	PullInterval time.Duration
	// RetryAttempts caps attempts per push when the peer is unreachable.
	RetryAttempts int
	// RetryBackoff is the first delay between attempts; it doubles.
	RetryBackoff  time.Duration
	QueueCapacity int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LoopInterval:  100 * time.Millisecond,
		PushInterval:  time.Second,
		PullInterval:  5 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  250 * time.Millisecond,
		QueueCapacity: DefaultQueueCapacity,
	}
}

// dirtyMarker is a pending push intent. since is when the member first
// changed; version is the latest observed content.
type dirtyMarker struct {
	since   time.Time
	version Version
}

// Engine is the sync scheduler. Two tickers drive it: the loop tick drains
// the event queue and the push tick starts outbound transfers. Ticks run on
// one goroutine, so versions and dirty need no locking. Network transfers run
// on their own goroutines and report back through the queue.
type Engine struct {
	cfg      EngineConfig
	trust    *TrustStore
	registry *Registry
	locks    LockManager
	store    StateStore
	fsmgr    FilesystemManager
	sealer   Sealer
	peers    PeerClient
	logger   Logger
	clock    Clock
	ids      IDGenerator

	queue *EventQueue

	versions map[Member]Version
	dirty    map[Member]*dirtyMarker
	dirs     map[string]bool // groups whose root is a directory
	lastPoll time.Time

	inflight sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

var _ PeerHandler = (*Engine)(nil)

// NewEngine wires the engine. A nil logger, clock or ids falls back to the
// no-op logger, the real clock and random UUIDs.
func NewEngine(cfg EngineConfig, trust *TrustStore, registry *Registry, locks LockManager, store StateStore, fsmgr FilesystemManager, sealer Sealer, peers PeerClient, logger Logger, clock Clock, ids IDGenerator) *Engine {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Engine{
		cfg:      cfg,
		trust:    trust,
		registry: registry,
		locks:    locks,
		store:    store,
		fsmgr:    fsmgr,
		sealer:   sealer,
		peers:    peers,
		logger:   logger,
		clock:    clock,
		ids:      ids,
		queue:    NewEventQueue(cfg.QueueCapacity),
		versions: make(map[Member]Version),
		dirty:    make(map[Member]*dirtyMarker),
		dirs:     make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Notify queues an event for the next loop tick. Safe for concurrent use.
func (e *Engine) Notify(ev Event) { e.enqueue(ev) }

func (e *Engine) enqueue(ev Event) {
	lost := e.queue.Push(ev)
	if lost == nil {
		return
	}
	e.logger.Warn("event queue full, dropped oldest event", "event", lost.eventName())
	if r, ok := lost.(rejecter); ok {
		r.reject(fmt.Errorf("event queue full: %w", ErrTransferInProgress))
	}
}

// Init checks every target path, recovers locks left by a previous process,
// loads persisted versions and picks up edits made while the engine was
// stopped. Errors wrapping ErrConfigInvalid are fatal.
func (e *Engine) Init(ctx context.Context) error {
	groups := e.registry.ListGroups()
	for _, g := range groups {
		dir, err := e.fsmgr.CheckTarget(g.LocalPath)
		if err != nil {
			return fmt.Errorf("target group %q: %v: %w", g.Name, err, ErrConfigInvalid)
		}
		if dir {
			e.dirs[g.Name] = true
		}
	}

	if err := e.locks.Recover(groups); err != nil {
		return fmt.Errorf("recovering locks: %w", err)
	}

	states, err := e.store.ListGroupStates()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	for _, st := range states {
		if _, err := e.registry.FindByName(st.Group); err == nil {
			e.versions[st.Member()] = st.Version
		}
	}

	now := e.clock.Now()
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		rels, err := e.localMembers(g)
		if err != nil {
			return fmt.Errorf("listing %s: %w", g.LocalPath, err)
		}
		for _, rel := range rels {
			m := Member{Group: g.Name, Path: rel}
			snap, err := e.fsmgr.Snapshot(g.MemberPath(rel))
			if err != nil {
				return fmt.Errorf("hashing %s: %w", g.MemberPath(rel), err)
			}
			if snap == nil || snap.Hash == e.versions[m].Hash {
				continue
			}

			// The edit happened while stopped, so it is dated by mtime.
			at := snap.ModTime
			if at.IsZero() {
				at = now
			}
			v := Version{Hash: snap.Hash, Timestamp: at}
			e.setVersion(m, v, LocalSource(), now)
			if len(g.Outbound()) > 0 {
				e.dirty[m] = &dirtyMarker{since: now, version: v}
			}
			e.logger.Info("found local change made while stopped", "member", m, "hash", short(v.Hash))
		}
	}
	return nil
}

// localMembers lists the member paths present on disk for g.
func (e *Engine) localMembers(g *TargetGroup) ([]string, error) {
	if !e.dirs[g.Name] {
		return []string{""}, nil
	}
	rels, err := e.fsmgr.List(g.LocalPath)
	if err != nil {
		return nil, err
	}
	return e.synced(g, "", rels), nil
}

// synced drops the paths below dir that g's ignore file excludes.
func (e *Engine) synced(g *TargetGroup, dir string, rels []string) []string {
	var out []string
	for _, rel := range rels {
		rel = joinMember(dir, rel)
		ignored, err := e.fsmgr.Ignored(g.LocalPath, rel)
		if err != nil {
			e.logger.Warn("reading ignore file", "group", g.Name, "error", err)
		}
		if !ignored {
			out = append(out, rel)
		}
	}
	return out
}

// Run drives both ticks until ctx is cancelled, then waits for outstanding
// transfers to give up.
func (e *Engine) Run(ctx context.Context) error {
	defer e.inflight.Wait()
	defer e.stop()

	loop := e.clock.NewTicker(e.cfg.LoopInterval)
	defer loop.Stop()
	push := e.clock.NewTicker(e.cfg.PushInterval)
	defer push.Stop()

	e.logger.Info("engine started",
		"node_id", e.trust.LocalIdentity().NodeID,
		"groups", len(e.registry.ListGroups()),
		"loop", e.cfg.LoopInterval,
		"push", e.cfg.PushInterval)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return nil
		case <-loop.Chan():
			e.LoopTick()
		case <-push.Chan():
			e.PushTick(ctx)
		}
	}
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

// LoopTick releases expired locks and dispatches every queued event.
func (e *Engine) LoopTick() {
	for _, rec := range e.locks.Sweep() {
		e.logger.Debug("lock released", "group", rec.Group)
	}

	for _, ev := range e.queue.Drain() {
		switch ev := ev.(type) {
		case FileChanged:
			e.onFileChanged(ev)
		case *applyRequest:
			e.admitApply(ev)
		case *serveRequest:
			e.admitServe(ev)
		case *transferDone:
			e.onTransferDone(ev.transfer)
		default:
			e.logger.Warn("unhandled event", "event", ev.eventName())
		}
	}
}

// PushTick starts pushes for members dirty for at least one push period
// and, when due, polls pull targets.
func (e *Engine) PushTick(ctx context.Context) {
	now := e.clock.Now()

	for _, m := range sortedMembers(e.dirty) {
		d := e.dirty[m]
		if now.Sub(d.since) < e.cfg.PushInterval {
			continue
		}
		delete(e.dirty, m)
		g, err := e.registry.FindByName(m.Group)
		if err != nil {
			continue
		}
		for _, t := range g.Outbound() {
			e.startPush(ctx, g, m, t, d.version)
		}
	}

	if e.cfg.PullInterval <= 0 {
		return
	}
	if !e.lastPoll.IsZero() && now.Sub(e.lastPoll) < e.cfg.PullInterval {
		return
	}
	e.lastPoll = now
	for _, g := range e.registry.ListGroups() {
		if e.locks.GroupBusy(g.Name) {
			continue
		}
		for _, t := range g.Inbound() {
			e.startPull(ctx, g, t, e.knownHashes(g.Name))
		}
	}
}

func (e *Engine) onFileChanged(ev FileChanged) {
	g, rel, ok := e.registry.FindByPath(ev.Path)
	if !ok || IsArtifact(ev.Path) {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = e.clock.Now()
	}

	if !e.dirs[g.Name] {
		if rel == "" {
			e.observe(g, Member{Group: g.Name}, at)
		}
		return
	}

	// A directory appearing inside a directory group may arrive with its
	// files already in place, so everything below it is checked.
	if e.fsmgr.IsDir(ev.Path) {
		rels, err := e.fsmgr.List(ev.Path)
		if err != nil {
			e.logger.Warn("listing changed directory", "group", g.Name, "path", ev.Path, "error", err)
			return
		}
		for _, p := range e.synced(g, rel, rels) {
			e.observe(g, Member{Group: g.Name, Path: p}, at)
		}
		return
	}
	if rel == "" {
		return
	}
	if p := e.synced(g, "", []string{rel}); len(p) == 1 {
		e.observe(g, Member{Group: g.Name, Path: rel}, at)
	}
}

// observe hashes a member after a change and marks it dirty if the content
// is new. at is when the change happened.
func (e *Engine) observe(g *TargetGroup, m Member, at time.Time) {
	if e.locks.Busy(m) {
		e.logger.Debug("ignoring change during apply", "member", m)
		return
	}

	snap, err := e.fsmgr.Snapshot(g.MemberPath(m.Path))
	if err != nil {
		e.logger.Warn("hashing changed file", "member", m, "error", err)
		return
	}
	if snap == nil {
		e.logger.Debug("synced file removed, ignoring", "member", m)
		return
	}
	if e.locks.AppliedRecently(m, snap.Hash) {
		e.logger.Debug("suppressed echo of applied change", "member", m, "hash", short(snap.Hash))
		return
	}
	if snap.Hash == e.versions[m].Hash {
		return
	}

	v := Version{Hash: snap.Hash, Timestamp: at}
	e.setVersion(m, v, LocalSource(), e.clock.Now())

	if len(g.Outbound()) == 0 {
		return
	}
	if d, ok := e.dirty[m]; ok {
		d.version = v
		return
	}
	e.dirty[m] = &dirtyMarker{since: at, version: v}
	e.logger.Debug("member dirty", "member", m, "hash", short(v.Hash))
}

func (e *Engine) onTransferDone(tr *Transfer) {
	now := e.clock.Now()
	attrs := []any{"member", tr.Member(), "trustee", tr.Trustee, "kind", tr.Kind, "direction", tr.Direction, "hash", short(tr.Version.Hash)}

	switch {
	case tr.Err == nil:
		if tr.Direction == Inbound && tr.Outcome == OutcomeApplied {
			e.setVersion(tr.Member(), tr.Version, RemoteSource(tr.Trustee), now)
			delete(e.dirty, tr.Member())
			e.logger.Info("applied remote change", attrs...)
		} else if tr.Outcome == OutcomeUnchanged {
			e.logger.Debug("transfer complete", append(attrs, "outcome", tr.Outcome)...)
		} else {
			e.logger.Info("transfer complete", append(attrs, "outcome", tr.Outcome)...)
		}
	case errors.Is(tr.Err, ErrTransferInProgress):
		e.logger.Debug("peer busy, deferring", attrs...)
		if tr.Kind == KindPush && tr.Direction == Outbound {
			e.redirty(tr, now)
		}
	case errors.Is(tr.Err, context.Canceled):
		e.logger.Debug("transfer abandoned", attrs...)
	case errors.Is(tr.Err, ErrUnreachable) && tr.Kind == KindPush:
		e.logger.Error("push failed after retries", append(attrs, "attempts", tr.Attempts, "error", tr.Err)...)
	default:
		e.logger.Warn("transfer failed", append(attrs, "error", tr.Err)...)
	}

	if !recordable(tr) {
		return
	}
	if err := e.store.RecordTransfer(tr.Record()); err != nil {
		e.logger.Warn("recording transfer", "id", tr.ID, "error", err)
	}
}

// redirty restores the push intent for a version a peer could not take yet,
// so the next push tick retries it.
func (e *Engine) redirty(tr *Transfer, now time.Time) {
	m := tr.Member()
	if _, ok := e.dirty[m]; ok {
		return
	}
	if e.versions[m].Hash != tr.Version.Hash {
		return
	}
	e.dirty[m] = &dirtyMarker{since: now.Add(-e.cfg.PushInterval), version: tr.Version}
}

// recordable filters routine poll results out of the history table.
func recordable(tr *Transfer) bool {
	if tr.Kind != KindPull || tr.Direction != Inbound {
		return true
	}
	if tr.Err == nil {
		return tr.Outcome == OutcomeApplied
	}
	return !errors.Is(tr.Err, ErrUnreachable) && !errors.Is(tr.Err, ErrTransferInProgress) && !errors.Is(tr.Err, context.Canceled)
}

func (e *Engine) setVersion(m Member, v Version, src Source, now time.Time) {
	e.versions[m] = v
	st := &GroupState{Group: m.Group, Path: m.Path, Version: v, Source: src, UpdatedAt: now}
	if err := e.store.PutGroupState(st); err != nil {
		e.logger.Warn("persisting member state", "member", m, "error", err)
	}
}

// members returns the known members of group, ordered by path.
func (e *Engine) members(group string) []Member {
	var out []Member
	for m := range e.versions {
		if m.Group == group {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// knownHashes is the Known map of a pull request for group.
func (e *Engine) knownHashes(group string) map[string]string {
	known := make(map[string]string)
	for _, m := range e.members(group) {
		if v := e.versions[m]; !v.IsZero() {
			known[m.Path] = v.Hash
		}
	}
	return known
}

func sortedMembers(dirty map[Member]*dirtyMarker) []Member {
	out := make([]Member, 0, len(dirty))
	for m := range dirty {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func joinMember(dir, rel string) string {
	if dir == "" {
		return rel
	}
	return dir + "/" + rel
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
