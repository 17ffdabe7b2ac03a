package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/foundry/internal/types"
	"github.com/hyperengineering/foundry/pkg/progress"
)

// State is the sync state of a session.
type State int

const (
	// Synced means the local tree matches what the server last returned.
	Synced State = iota
	// Unsynced means there are local edits the server has not seen.
	Unsynced
	// Saving means a save is in flight.
	Saving
)

func (s State) String() string {
	switch s {
	case Synced:
		return "synced"
	case Unsynced:
		return "unsynced"
	case Saving:
		return "saving"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// detailFetchLimit bounds concurrent tooling detail fetches per session.
const detailFetchLimit = 4

// Options configures a session. The zero value has no cache and uses the
// default policy.
type Options struct {
	Cache  ToolingCache
	Policy *CachePolicy
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Cache == nil {
		o.Cache = noCache{}
	}
	if o.Policy == nil {
		p := DefaultCachePolicy()
		o.Policy = &p
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session holds the progress tree of one part, applies edits to it and saves
// them to the server.
//
// Saves are serialized: a second Save waits for the first. Writes go out in
// the order their edits were first made. A save is not cancelled with its
// caller's context once it has started, since a half-written save leaves the
// server tree inconsistent with the tooling details.
type Session struct {
	backend Backend
	cache   ToolingCache
	policy  CachePolicy
	logger  *slog.Logger
	partID  string

	saveMu sync.Mutex

	mu      sync.Mutex
	part    progress.Part
	state   State
	pending []progress.Target
	closed  bool
}

// OpenSession loads a part from the server and its tooling details from the
// cache and the server.
func OpenSession(ctx context.Context, backend Backend, partID string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	part, err := backend.GetPart(ctx, partID)
	if err != nil {
		return nil, fmt.Errorf("load part %s: %w", partID, err)
	}

	s := &Session{
		backend: backend,
		cache:   opts.Cache,
		policy:  *opts.Policy,
		logger:  opts.Logger.With("component", "tracker", "part_id", partID),
		partID:  partID,
		part:    *part,
		state:   Synced,
	}
	s.loadDetails(ctx, s.part.ToolingKeys())
	return s, nil
}

// PartID returns the id of the session's part.
func (s *Session) PartID() string {
	return s.partID
}

// Part returns a copy of the current tree.
func (s *Session) Part() progress.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.part.Clone()
}

// Rollup evaluates the current tree.
func (s *Session) Rollup() progress.PartProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return progress.Rollup(s.part)
}

// State returns the current sync state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the writes the next save will send, in order.
func (s *Session) Pending() []progress.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]progress.Target(nil), s.pending...)
}

// Apply applies a user edit to the tree and reports whether it changed
// anything. Edits are allowed while a save is in flight; they stay pending
// for the next save.
func (s *Session) Apply(e progress.Edit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	next, changed := progress.Apply(s.part, e)
	if !changed {
		return false, nil
	}
	s.part = next
	targets := e.Targets(s.partID)
	if len(targets) > 0 {
		s.pending = mergeTargets(s.pending, targets)
		if s.state == Synced {
			s.state = Unsynced
		}
	}
	return true, nil
}

// Refresh reloads the tooling details from the cache and the server. Details
// with unsaved local edits are left alone.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	keys := s.part.ToolingKeys()
	s.mu.Unlock()

	s.loadDetails(ctx, keys)
	return ctx.Err()
}

// Close stops the session. A save in flight still completes on the server;
// reads that finish after Close are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Save sends every pending write to the server. On success the server's part
// and details replace the local tree, unless more edits arrived meanwhile.
// On failure the edits are kept, the session is Unsynced and a *SaveError
// names the write that failed.
func (s *Session) Save(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return ErrNothingToSave
	}
	targets := s.pending
	s.pending = nil
	snapshot := s.part.Clone()
	s.state = Saving
	s.mu.Unlock()

	s.logger.Debug("saving", "action", "save", "writes", len(targets))
	saved, err := s.write(ctx, snapshot, targets)
	if err != nil {
		s.mu.Lock()
		s.pending = mergeTargets(targets, s.pending)
		s.state = Unsynced
		s.mu.Unlock()
		s.logger.Warn("save failed", "action", "save", "error", err)
		return err
	}

	part, err := s.backend.GetPart(ctx, s.partID)
	if err != nil {
		// The writes landed; only the refresh failed. Keep the local tree
		// with the server's details.
		s.mu.Lock()
		if len(s.pending) == 0 {
			next := s.part.Clone()
			for key, d := range saved {
				if sub := next.SubProcess(key); sub != nil {
					sub.Tooling = d
				}
			}
			s.part = progress.DeriveCompletion(next)
			s.state = Synced
		} else {
			s.state = Unsynced
		}
		s.mu.Unlock()
		s.logger.Warn("reload after save failed", "action", "save", "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		// Edits made during the save are newer than the server's answer.
		s.state = Unsynced
		return nil
	}
	next := *part
	for _, key := range next.ToolingKeys() {
		sub := next.SubProcess(key)
		if d, ok := saved[key]; ok {
			sub.Tooling = d
		} else if old := s.part.Tooling(key); old != nil {
			sub.Tooling = old.Clone()
		}
	}
	s.part = next
	s.state = Synced
	return nil
}

// write sends targets in order and returns the server's details for every
// tooling key it wrote.
func (s *Session) write(ctx context.Context, part progress.Part, targets []progress.Target) (map[progress.ToolingKey]*progress.ToolingDetail, error) {
	records := make(map[progress.ToolingKey]*types.ToolingDetailRecord)
	trials := make(map[progress.ToolingKey][]progress.Trial)

	for _, t := range targets {
		if err := s.writeTarget(ctx, part, t, records, trials); err != nil {
			return nil, &SaveError{Target: t, Err: err}
		}
	}

	saved := make(map[progress.ToolingKey]*progress.ToolingDetail, len(records))
	for key, rec := range records {
		scope := key.TrialScope()
		ts, ok := trials[scope]
		if !ok {
			if local := part.Tooling(key); local != nil {
				ts = local.Trials
			}
		}
		// Trials written after the detail changed the server's overall;
		// read it back so the cache holds the final value.
		if _, wroteTrials := trials[scope]; wroteTrials {
			if fresh, err := s.backend.GetToolingDetail(ctx, key); err == nil && fresh != nil {
				rec = fresh
			}
		}
		d := rec.Detail(ts)
		d.Source = progress.SourceNetwork
		saved[key] = d
		if s.policy.InvalidateOnWrite {
			if err := s.cache.Put(ctx, key, CachedDetail{Record: *rec, Trials: ts}); err != nil {
				s.logger.Warn("cache write failed", "action", "save", "key", key.String(), "error", err)
			}
		}
	}

	// A trials write alone returns no detail record. Read those details back
	// so they stop being local edits and the cache sees the new trials.
	for _, key := range part.ToolingKeys() {
		if _, ok := saved[key]; ok {
			continue
		}
		local := part.Tooling(key)
		if _, wroteTrials := trials[key.TrialScope()]; !wroteTrials && (local == nil || !local.Edited) {
			continue
		}
		if d := s.reload(ctx, key, local); d != nil {
			saved[key] = d
		}
	}
	return saved, nil
}

// reload fetches a detail whose trials were just written. If the read fails
// the written local detail stands in for the server's, and the cache entry is
// dropped.
func (s *Session) reload(ctx context.Context, key progress.ToolingKey, local *progress.ToolingDetail) *progress.ToolingDetail {
	d, entry, err := s.fetch(ctx, key)
	if err == nil {
		if entry != nil {
			err = s.cache.Put(ctx, key, *entry)
		} else {
			err = s.cache.Invalidate(ctx, key)
		}
		if err != nil {
			s.logger.Warn("cache write failed", "action", "save", "key", key.String(), "error", err)
		}
		return d
	}

	s.logger.Warn("reload after trials write failed", "action", "save", "key", key.String(), "error", err)
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn("cache invalidate failed", "action", "save", "key", key.String(), "error", err)
	}
	if local == nil {
		return nil
	}
	d = local.Clone()
	d.Edited = false
	d.Source = progress.SourceNetwork
	return d
}

func (s *Session) writeTarget(ctx context.Context, part progress.Part, t progress.Target,
	records map[progress.ToolingKey]*types.ToolingDetailRecord, trials map[progress.ToolingKey][]progress.Trial) error {
	k := t.Key
	switch t.Kind {
	case progress.TargetSubProcess:
		sub := part.SubProcess(k)
		if sub == nil {
			return nil
		}
		_, err := s.backend.UpdateSubProcess(ctx, k.PartID, k.SubProcessID, types.UpdateSubProcessRequest{
			CategoryID: k.CategoryID,
			ProcessID:  k.ProcessID,
			Completed:  sub.Completed,
		})
		return err

	case progress.TargetProcess:
		proc := part.Process(k.CategoryID, k.ProcessID)
		if proc == nil {
			return nil
		}
		completed, notes := proc.Completed, proc.Notes
		_, err := s.backend.UpdateProcess(ctx, k.PartID, k.ProcessID, types.UpdateProcessRequest{
			CategoryID: k.CategoryID,
			Completed:  &completed,
			Notes:      &notes,
		})
		return err

	case progress.TargetTooling:
		d := part.Tooling(k)
		if d == nil {
			return nil
		}
		if s.policy.InvalidateOnWrite {
			if err := s.cache.Invalidate(ctx, k); err != nil {
				s.logger.Warn("cache invalidate failed", "action", "save", "key", k.String(), "error", err)
			}
		}
		rec, err := s.backend.PutToolingDetail(ctx, types.NewToolingDetailRecord(k, *d))
		if err != nil {
			return err
		}
		records[k] = rec
		return nil

	case progress.TargetTrials:
		d := toolingInScope(part, k)
		if d == nil {
			return nil
		}
		ts, err := s.backend.PutTrials(ctx, types.TrialSet{ToolingKey: k.TrialScope(), Trials: d.Trials})
		if err != nil {
			return err
		}
		trials[k.TrialScope()] = ts
		return nil
	}
	return fmt.Errorf("unknown write target %q", t.Kind)
}

// toolingInScope returns the tooling detail of the process a trial scope
// addresses.
func toolingInScope(p progress.Part, scope progress.ToolingKey) *progress.ToolingDetail {
	for _, key := range p.ToolingKeys() {
		if key.TrialScope() == scope.TrialScope() {
			if d := p.Tooling(key); d != nil {
				return d
			}
		}
	}
	return nil
}

// loadDetails primes every key from the cache, then fetches from the server
// according to the policy. Keys load concurrently.
func (s *Session) loadDetails(ctx context.Context, keys []progress.ToolingKey) {
	var g errgroup.Group
	g.SetLimit(detailFetchLimit)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			s.loadDetail(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Session) loadDetail(ctx context.Context, key progress.ToolingKey) {
	cached, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", "action", "load", "key", key.String(), "error", err)
	}
	if cached != nil {
		s.install(key, cached.Detail())
		if !s.policy.NetworkFirst {
			return
		}
	}

	d, entry, err := s.fetch(ctx, key)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.logger.Warn("tooling detail fetch failed", "action", "load", "key", key.String(), "error", err)
		if cached != nil && !s.policy.FallbackToCache {
			s.install(key, nil)
		}
		return
	}
	if s.install(key, d) && entry != nil {
		if err := s.cache.Put(ctx, key, *entry); err != nil {
			s.logger.Warn("cache write failed", "action", "load", "key", key.String(), "error", err)
		}
	}
}

// fetch reads one detail and its trials from the server. A detail never
// saved comes back as an empty detail with no cache entry.
func (s *Session) fetch(ctx context.Context, key progress.ToolingKey) (*progress.ToolingDetail, *CachedDetail, error) {
	rec, err := s.backend.GetToolingDetail(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	trials, err := s.backend.GetTrials(ctx, key.TrialScope())
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		d := &progress.ToolingDetail{TrialCount: len(trials), Trials: trials, Source: progress.SourceNetwork}
		d.NormalizeTrials()
		return d, nil, nil
	}
	d := rec.Detail(trials)
	d.Source = progress.SourceNetwork
	return d, &CachedDetail{Record: *rec, Trials: trials}, nil
}

// install replaces the detail at key unless the session is closed or the
// detail holds local edits. It reports whether the detail was installed.
func (s *Session) install(key progress.ToolingKey, d *progress.ToolingDetail) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if cur := s.part.Tooling(key); cur != nil && cur.Edited {
		return false
	}
	next, changed := progress.Apply(s.part, progress.ReplaceToolingDetail{Key: key, Detail: d})
	if changed {
		s.part = next
	}
	return changed
}

// mergeTargets appends add to base, skipping targets already present so the
// first edit of a record fixes its place in the write order.
func mergeTargets(base, add []progress.Target) []progress.Target {
	out := append([]progress.Target(nil), base...)
	for _, t := range add {
		dup := false
		for _, have := range out {
			if have == t {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}
