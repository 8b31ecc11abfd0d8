// ABOUTME: Two-tier persistent store for the scope envelope with store-wide write serialization
// ABOUTME: Every write is read-modify-write through a single queue so concurrent saves never lose updates

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tabsync/internal/migrate"
	"github.com/2389/tabsync/internal/window"
)

var (
	// ErrQuotaExceeded marks a write whose record was too large for the primary tier.
	// The secondary tier still holds it; it is reported through SaveResult, not returned.
	ErrQuotaExceeded = errors.New("primary tier quota exceeded")

	// ErrStoreUnavailable is returned when neither tier could complete the operation.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrScopeMismatch is returned when a window is written to a scope it does not belong to.
	ErrScopeMismatch = errors.New("window scope mismatch")

	// ErrUnsupportedDSN is returned by OpenTier for unknown or malformed DSNs.
	ErrUnsupportedDSN = errors.New("unsupported store dsn")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store closed")
)

const (
	// DefaultQuotaBytes is the soft cap on the primary tier record size.
	DefaultQuotaBytes = 100 * 1024

	// DefaultOperationTimeout bounds every tier call.
	DefaultOperationTimeout = 2 * time.Second

	// tombstoneRetention is how long a deletion keeps blocking stale upserts.
	tombstoneRetention = 24 * time.Hour

	writeQueueSize = 64
)

// Mutation is the general write applied to one scope.
type Mutation struct {
	Upserts []window.Window
	Deletes []string
	// At stamps the deletions (unix ms). Zero means the write time.
	At int64
}

// SaveResult describes a completed write.
type SaveResult struct {
	SaveID        string `json:"saveId"`
	Timestamp     int64  `json:"timestamp"`
	QuotaExceeded bool   `json:"quotaExceeded,omitempty"`
	Upserted      int    `json:"upserted"`
	Deleted       int    `json:"deleted"`
}

// Options configures a Store.
type Options struct {
	Primary          Tier
	Secondary        Tier // defaults to a MemoryTier
	QuotaBytes       int
	OperationTimeout time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// mutateFunc edits one scope in place and reports counts. A write with force
// set is performed even when nothing changed.
type mutateFunc func(st *window.ScopeState, now int64) (upserted, deleted int)

type writeRequest struct {
	ctx     context.Context
	scopeID string
	mutate  mutateFunc
	force   bool
	reply   chan writeReply
}

type writeReply struct {
	result *SaveResult
	err    error
}

// Store is the durable, scope-keyed window store.
//
// Writes from every scope go through one queue drained by a single goroutine,
// so each read-modify-write completes before the next begins. Reads do not
// queue and may observe the state from before an in-flight write.
type Store struct {
	primary   Tier
	secondary Tier
	quota     int
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// secondaryStale is set when a secondary write failed, so reads go to the primary.
	secondaryStale atomic.Bool

	queue     chan *writeRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a store and starts its writer.
func New(opts Options) (*Store, error) {
	if opts.Primary == nil {
		return nil, errors.New("store: primary tier is required")
	}
	if opts.Secondary == nil {
		opts.Secondary = NewMemoryTier()
	}
	if opts.QuotaBytes <= 0 {
		opts.QuotaBytes = DefaultQuotaBytes
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		quota:     opts.QuotaBytes,
		timeout:   opts.OperationTimeout,
		logger:    opts.Logger.With("component", "store"),
		now:       opts.Now,
		queue:     make(chan *writeRequest, writeQueueSize),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Save merges windows into scopeID. Each window replaces the stored one with
// the same id when its LastUpdate is not older. Other scopes are untouched.
func (s *Store) Save(ctx context.Context, scopeID string, windows []window.Window) (*SaveResult, error) {
	return s.Apply(ctx, scopeID, Mutation{Upserts: windows})
}

// Delete removes windows from scopeID and records tombstones for them.
func (s *Store) Delete(ctx context.Context, scopeID string, ids []string, at int64) (*SaveResult, error) {
	return s.Apply(ctx, scopeID, Mutation{Deletes: ids, At: at})
}

// Apply performs a serialized read-modify-write of scopeID.
func (s *Store) Apply(ctx context.Context, scopeID string, m Mutation) (*SaveResult, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("%w: empty scope id", ErrScopeMismatch)
	}
	upserts := make([]window.Window, 0, len(m.Upserts))
	for _, w := range m.Upserts {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if w.ScopeID != scopeID {
			return nil, fmt.Errorf("%w: window %s belongs to %s, not %s", ErrScopeMismatch, w.ID, w.ScopeID, scopeID)
		}
		upserts = append(upserts, w.Clone())
	}
	m.Upserts = upserts

	return s.submit(ctx, scopeID, true, func(st *window.ScopeState, now int64) (int, int) {
		return applyMutation(st, m, now)
	})
}

// PruneEphemeral deletes every ephemeral window of scopeID. Nothing is written
// when the scope holds no ephemeral windows; the result is then nil.
func (s *Store) PruneEphemeral(ctx context.Context, scopeID string) (*SaveResult, error) {
	return s.submit(ctx, scopeID, false, func(st *window.ScopeState, now int64) (int, int) {
		var ids []string
		for _, w := range st.Tabs {
			if w.Ephemeral {
				ids = append(ids, w.ID)
			}
		}
		if len(ids) == 0 {
			return 0, 0
		}
		return applyMutation(st, Mutation{Deletes: ids, At: now}, now)
	})
}

// Load returns the state of one scope. ok is false when the scope has never been written.
func (s *Store) Load(ctx context.Context, scopeID string) (state *window.ScopeState, ok bool, err error) {
	env, err := s.readEnvelope(ctx)
	if err != nil {
		return nil, false, err
	}
	st, ok := env.Scopes[scopeID]
	if !ok {
		return nil, false, nil
	}
	clone := st.Clone()
	return &clone, true, nil
}

// LoadAll returns every scope.
func (s *Store) LoadAll(ctx context.Context) (map[string]window.ScopeState, error) {
	env, err := s.readEnvelope(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]window.ScopeState, len(env.Scopes))
	for id, st := range env.Scopes {
		out[id] = st.Clone()
	}
	return out, nil
}

// Close stops the writer after draining queued writes and closes both tiers.
func (s *Store) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if err := s.secondary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("secondary: %w", err))
		}
		if err := s.primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("primary: %w", err))
		}
	})
	return errors.Join(errs...)
}

func (s *Store) submit(ctx context.Context, scopeID string, force bool, mutate mutateFunc) (*SaveResult, error) {
	req := &writeRequest{
		ctx:     ctx,
		scopeID: scopeID,
		mutate:  mutate,
		force:   force,
		reply:   make(chan writeReply, 1),
	}

	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	select {
	case s.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}

	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-ctx.Done():
		// The write may still complete; the caller only stops waiting.
		return nil, ctx.Err()
	}
}

// run is the single writer. It drains the queue before exiting on Close.
func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.queue:
			s.execute(req)
		case <-s.done:
			for {
				select {
				case req := <-s.queue:
					s.execute(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) execute(req *writeRequest) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- writeReply{err: err}
		return
	}
	// Once started, a write runs to completion even if the caller gives up.
	ctx := context.WithoutCancel(req.ctx)
	result, err := s.write(ctx, req)
	req.reply <- writeReply{result: result, err: err}
}

func (s *Store) write(ctx context.Context, req *writeRequest) (*SaveResult, error) {
	env, err := s.readForWrite(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	if now <= env.Timestamp {
		now = env.Timestamp + 1
	}

	st := env.Scopes[req.scopeID]
	upserted, deleted := req.mutate(&st, now)
	if !req.force && upserted == 0 && deleted == 0 {
		return nil, nil
	}
	pruneTombstones(&st, now)
	if st.Tabs == nil {
		st.Tabs = []window.Window{}
	}
	st.LastUpdate = now
	env.Scopes[req.scopeID] = st
	env.SaveID = uuid.NewString()
	env.Timestamp = now

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	result := &SaveResult{
		SaveID:    env.SaveID,
		Timestamp: now,
		Upserted:  upserted,
		Deleted:   deleted,
	}

	secErr := s.writeTier(ctx, s.secondary, data)
	if secErr != nil {
		s.secondaryStale.Store(true)
		s.logger.Warn("secondary tier write failed", "error", secErr, "scope_id", req.scopeID)
	} else {
		s.secondaryStale.Store(false)
	}

	var primErr error
	if len(data) > s.quota {
		result.QuotaExceeded = true
		primErr = ErrQuotaExceeded
		s.logger.Warn("QuotaExceeded: primary tier write skipped",
			"scope_id", req.scopeID,
			"size_bytes", len(data),
			"quota_bytes", s.quota,
			"save_id", env.SaveID)
	} else if primErr = s.writeTier(ctx, s.primary, data); primErr != nil {
		s.logger.Warn("primary tier write failed", "error", primErr, "scope_id", req.scopeID)
	}

	if secErr != nil && primErr != nil {
		return nil, fmt.Errorf("%w: secondary: %v; primary: %v", ErrStoreUnavailable, secErr, primErr)
	}

	s.logger.Debug("envelope saved",
		"scope_id", req.scopeID,
		"save_id", env.SaveID,
		"upserted", upserted,
		"deleted", deleted)
	return result, nil
}

func (s *Store) writeTier(ctx context.Context, t Tier, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return t.Write(ctx, data)
}

func (s *Store) readTier(ctx context.Context, t Tier) (*window.Envelope, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := t.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return window.NewEnvelope(), false, nil
	}
	env, format := migrate.Migrate(raw)
	if format == migrate.FormatCorrupt {
		s.logger.Warn("CorruptPersistedRecord: unrecognized envelope, treating as empty",
			"tier", t.Name(), "size_bytes", len(raw))
	} else if format != migrate.FormatCanonical && format != migrate.FormatEmpty {
		s.logger.Info("migrated legacy envelope", "tier", t.Name(), "format", string(format))
	}
	return env, true, nil
}

// readEnvelope serves reads: secondary first, primary when the secondary is
// empty, failing or known stale.
func (s *Store) readEnvelope(ctx context.Context) (*window.Envelope, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	if !s.secondaryStale.Load() {
		env, found, err := s.readTier(ctx, s.secondary)
		if err == nil && found {
			return env, nil
		}
		if err != nil {
			s.logger.Debug("secondary tier read failed", "error", err)
		}
	}
	env, _, err := s.readTier(ctx, s.primary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return env, nil
}

// readForWrite reads both tiers and keeps the newer envelope, so a write never
// builds on a stale copy.
func (s *Store) readForWrite(ctx context.Context) (*window.Envelope, error) {
	sec, secFound, secErr := s.readTier(ctx, s.secondary)
	prim, primFound, primErr := s.readTier(ctx, s.primary)

	secTrusted := secErr == nil && secFound && !s.secondaryStale.Load()
	switch {
	case primErr != nil && !secTrusted:
		// Nothing readable holds the current record; writing now would replace
		// it with a partial one.
		return nil, fmt.Errorf("%w: secondary: %v; primary: %v", ErrStoreUnavailable, tierState(secErr, secFound), primErr)
	case !secTrusted:
		return prim, nil
	case primErr != nil || !primFound:
		return sec, nil
	case prim.Timestamp > sec.Timestamp:
		return prim, nil
	default:
		return sec, nil
	}
}

func tierState(err error, found bool) string {
	switch {
	case err != nil:
		return err.Error()
	case !found:
		return "no record"
	default:
		return "stale"
	}
}

// applyMutation merges m into st using last-write-wins on LastUpdate.
func applyMutation(st *window.ScopeState, m Mutation, now int64) (upserted, deleted int) {
	at := m.At
	if at == 0 {
		at = now
	}

	for _, id := range m.Deletes {
		if idx := st.Find(id); idx >= 0 {
			if st.Tabs[idx].LastUpdate > at {
				continue
			}
			st.Tabs = append(st.Tabs[:idx], st.Tabs[idx+1:]...)
			deleted++
		}
		if st.Tombstones == nil {
			st.Tombstones = map[string]int64{}
		}
		if at > st.Tombstones[id] {
			st.Tombstones[id] = at
		}
	}

	for _, w := range m.Upserts {
		if ts, ok := st.Tombstones[w.ID]; ok && w.LastUpdate <= ts {
			continue
		}
		idx := st.Find(w.ID)
		switch {
		case idx < 0:
			st.Tabs = append(st.Tabs, w)
			upserted++
		case w.LastUpdate >= st.Tabs[idx].LastUpdate:
			st.Tabs[idx] = w
			upserted++
		}
	}
	return upserted, deleted
}

func pruneTombstones(st *window.ScopeState, now int64) {
	cutoff := now - tombstoneRetention.Milliseconds()
	for id, ts := range st.Tombstones {
		if ts < cutoff {
			delete(st.Tombstones, id)
		}
	}
	if len(st.Tombstones) == 0 {
		st.Tombstones = nil
	}
}
