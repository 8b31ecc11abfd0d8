// ABOUTME: Per-tab sync coordinator driving the window lifecycle for one scope
// ABOUTME: Applies intents locally, persists them, broadcasts them and reconciles on reactivation

package tabsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tabsync/internal/broadcast"
	"github.com/2389/tabsync/internal/dedupe"
	"github.com/2389/tabsync/internal/store"
	"github.com/2389/tabsync/internal/window"
)

var (
	// ErrNotLive is returned for intents issued before the coordinator finished hydrating.
	ErrNotLive = errors.New("coordinator is not live")

	// ErrClosed is returned for intents issued after Shutdown.
	ErrClosed = errors.New("coordinator closed")
)

const (
	DefaultReconnectDelay = 500 * time.Millisecond
	DefaultRetryInterval  = 2 * time.Second
	DefaultDedupeTTL      = 5 * time.Minute

	dedupeCapacity     = 4096
	tombstoneRetention = 24 * time.Hour

	// minResubscribeDelay is the first retry delay after a lost subscription
	// when no reconnect delay is configured; it doubles up to maxResubscribeDelay.
	minResubscribeDelay = 50 * time.Millisecond
	maxResubscribeDelay = 30 * time.Second

	// maxResyncAttempts bounds reloads when broadcasts keep arriving during a load.
	maxResyncAttempts = 3
)

// DefaultSize is used for new windows created without a size.
var DefaultSize = window.Size{Width: 800, Height: 600}

// PersistError reports a destructive intent that was applied and broadcast
// but could not be written to any store tier. The windows stay closed locally
// and the deletion is retried.
type PersistError struct {
	Op  string
	IDs []string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: %d window(s) closed locally but not persisted: %v", e.Op, len(e.IDs), e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Authority is the source of truth for scope state. store.Store satisfies it
// in-process and hub.Client satisfies it across processes.
type Authority interface {
	Load(ctx context.Context, scopeID string) (*window.ScopeState, bool, error)
	Apply(ctx context.Context, scopeID string, m store.Mutation) (*store.SaveResult, error)
}

// State is the lifecycle state of a coordinator.
type State int

const (
	StateUninitialized State = iota
	StateHydrating
	StateLive
	StateSuspended
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHydrating:
		return "hydrating"
	case StateLive:
		return "live"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TabContext identifies the tab a coordinator runs for.
type TabContext struct {
	TabID string
	Scope window.Scope
	// URL is the page currently loaded in the tab, used for pin matching.
	URL string
}

// Options configures a Coordinator.
type Options struct {
	Authority      Authority
	Transport      broadcast.Transport
	Logger         *slog.Logger
	Now            func() time.Time
	ReconnectDelay time.Duration // zero resyncs immediately
	RetryInterval  time.Duration
	DedupeTTL      time.Duration
	// OnChange, if set, receives a snapshot after every cache change. It is
	// called synchronously and must not call back into the coordinator.
	OnChange func([]window.Window)
}

// NewWindow describes a window to create.
type NewWindow struct {
	URL         string
	Title       string
	Position    window.Position
	Size        window.Size
	PinnedToURL string
	Ephemeral   bool
}

// Coordinator keeps one tab's view of a scope consistent with its peers.
//
// Every intent runs apply-locally, persist, broadcast in that order: the
// cache reflects the change before any I/O, a failed write leaves the change
// queued for retry, and a failed broadcast is repaired by the next
// reconciliation of the peers.
type Coordinator struct {
	tab            TabContext
	auth           Authority
	transport      broadcast.Transport
	logger         *slog.Logger
	now            func() time.Time
	reconnectDelay time.Duration
	retryInterval  time.Duration
	// seen holds broadcasts already applied; own holds saveIds this tab wrote.
	seen           *dedupe.Cache
	own            *dedupe.Cache
	onChange       func([]window.Window)

	mu          sync.Mutex
	state       State
	cache       *Cache
	lastTick    int64
	needsResync bool
	// applied counts broadcasts that changed the cache.
	applied uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator for tab. Start must be called before any intent.
func New(tab TabContext, opts Options) (*Coordinator, error) {
	if tab.TabID == "" {
		return nil, errors.New("tabsync: tab id is required")
	}
	if tab.Scope.ID == "" {
		return nil, errors.New("tabsync: scope id is required")
	}
	if opts.Authority == nil || opts.Transport == nil {
		return nil, errors.New("tabsync: authority and transport are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}

	return &Coordinator{
		tab:            tab,
		auth:           opts.Authority,
		transport:      opts.Transport,
		logger:         opts.Logger.With("component", "tabsync", "scope_id", tab.Scope.ID, "tab_id", tab.TabID),
		now:            opts.Now,
		reconnectDelay: opts.ReconnectDelay,
		retryInterval:  opts.RetryInterval,
		seen:           dedupe.New(opts.DedupeTTL, dedupeCapacity, dedupe.WithClock(opts.Now)),
		own:            dedupe.New(opts.DedupeTTL, dedupeCapacity, dedupe.WithClock(opts.Now)),
		onChange:       opts.OnChange,
		cache:          newCache(),
	}, nil
}

// Tab returns the tab context.
func (c *Coordinator) Tab() TabContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tab
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start hydrates the cache from the authority and goes live. The broadcast
// subscription is opened first and drained only after hydration, so no
// message sent in between is lost. If the authority is unreachable the tab
// goes live with an empty cache and resyncs on the next retry tick.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("tabsync: cannot start from state %s", state)
	}
	c.state = StateHydrating
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := c.transport.Subscribe(runCtx, c.tab.Scope.ID, c.tab.TabID)
	if err != nil {
		cancel()
		c.mu.Lock()
		c.state = StateUninitialized
		c.mu.Unlock()
		return fmt.Errorf("subscribing to scope %s: %w", c.tab.Scope.ID, err)
	}
	c.cancel = cancel

	if err := c.resync(ctx); err != nil {
		c.logger.Warn("StoreUnavailable: starting with an empty cache", "error", err)
	}

	c.mu.Lock()
	c.state = StateLive
	count := c.cache.Len()
	c.mu.Unlock()

	c.wg.Add(2)
	go c.consume(runCtx, msgs)
	go c.retryLoop(runCtx)

	c.logger.Info("tab live", "windows", count)
	return nil
}

// SetVisible records a visibility change. Hiding suspends the tab; showing
// it again pulls the authoritative state and reconciles the cache, since
// broadcasts sent while hidden may have been missed.
func (c *Coordinator) SetVisible(ctx context.Context, visible bool) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateUninitialized, StateHydrating:
		c.mu.Unlock()
		return ErrNotLive
	}

	if !visible {
		if c.state == StateLive {
			c.state = StateSuspended
			c.logger.Debug("tab suspended")
		}
		c.mu.Unlock()
		return nil
	}
	if c.state == StateLive {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLive
	c.mu.Unlock()

	c.logger.Debug("tab reactivated")
	if c.reconnectDelay > 0 {
		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return c.Resync(ctx)
}

// Resync pulls the scope from the authority and reconciles it into the cache.
func (c *Coordinator) Resync(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.resync(ctx)
}

func (c *Coordinator) resync(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		before := c.applied
		c.mu.Unlock()

		st, _, err := c.auth.Load(ctx, c.tab.Scope.ID)
		if err != nil {
			c.mu.Lock()
			c.needsResync = true
			c.mu.Unlock()
			return fmt.Errorf("loading scope %s: %w", c.tab.Scope.ID, err)
		}

		c.mu.Lock()
		if c.applied != before && attempt < maxResyncAttempts {
			c.mu.Unlock()
			c.logger.Debug("broadcasts applied during load, reloading", "attempt", attempt)
			continue
		}
		c.needsResync = false
		if st != nil {
			c.observeLocked(st.LastUpdate)
		}
		changed := c.cache.reconcile(st)
		c.cache.pruneTombstones(c.now().Add(-tombstoneRetention).UnixMilli())
		count := c.cache.Len()
		c.mu.Unlock()

		c.logger.Debug("cache reconciled", "windows", count, "changed", changed)
		if changed {
			c.notify()
		}
		return nil
	}
}

// Snapshot returns a read-only copy of the cache sorted by stacking order.
func (c *Coordinator) Snapshot() []window.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Snapshot()
}

// Visible returns the windows this tab should render on pageURL. An empty
// pageURL uses the tab's current URL.
func (c *Coordinator) Visible(pageURL string) []window.Window {
	c.mu.Lock()
	if pageURL == "" {
		pageURL = c.tab.URL
	}
	all := c.cache.Snapshot()
	c.mu.Unlock()

	return slices.DeleteFunc(all, func(w window.Window) bool {
		return !window.IsShown(&w, c.tab.TabID, pageURL)
	})
}

// SetURL records a navigation of the tab.
func (c *Coordinator) SetURL(pageURL string) {
	c.mu.Lock()
	c.tab.URL = pageURL
	c.mu.Unlock()
}

// Create adds a new window to the scope and returns it.
func (c *Coordinator) Create(ctx context.Context, nw NewWindow) (window.Window, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return window.Window{}, err
	}
	w := window.Window{
		ID:          uuid.NewString(),
		URL:         nw.URL,
		Title:       nw.Title,
		Position:    nw.Position,
		Size:        nw.Size,
		ZIndex:      c.cache.MaxZ() + 1,
		PinnedToURL: nw.PinnedToURL,
		ScopeID:     c.tab.Scope.ID,
		Ephemeral:   nw.Ephemeral,
		LastUpdate:  c.tickLocked(),
	}
	if w.Size == (window.Size{}) {
		w.Size = DefaultSize
	}
	c.cache.putLocal(w)
	c.mu.Unlock()

	c.notify()
	c.commitWindow(ctx, broadcast.KindCreate, w)
	return w.Clone(), nil
}

// Move sets the position of a window.
func (c *Coordinator) Move(ctx context.Context, id string, pos window.Position) error {
	return c.update(ctx, broadcast.KindUpdatePosition, id, func(w *window.Window) error {
		w.Position = pos
		return nil
	})
}

// Resize sets the size of a window.
func (c *Coordinator) Resize(ctx context.Context, id string, size window.Size) error {
	return c.update(ctx, broadcast.KindUpdateSize, id, func(w *window.Window) error {
		w.Size = size
		return nil
	})
}

// Minimize hides a window on every tab.
func (c *Coordinator) Minimize(ctx context.Context, id string) error {
	return c.update(ctx, broadcast.KindMinimize, id, func(w *window.Window) error {
		w.Minimized = true
		return nil
	})
}

// Restore brings a minimized window back and raises it to the top.
func (c *Coordinator) Restore(ctx context.Context, id string) error {
	return c.update(ctx, broadcast.KindRestore, id, func(w *window.Window) error {
		w.Minimized = false
		w.ZIndex = c.cache.MaxZ() + 1
		return nil
	})
}

// Solo toggles showing a window only on this tab. Soloing clears any mutes.
func (c *Coordinator) Solo(ctx context.Context, id string) error {
	return c.update(ctx, broadcast.KindSolo, id, func(w *window.Window) error {
		w.ToggleSolo(c.tab.TabID)
		return nil
	})
}

// Mute toggles hiding a window on this tab. Muting clears any solos.
func (c *Coordinator) Mute(ctx context.Context, id string) error {
	return c.update(ctx, broadcast.KindMute, id, func(w *window.Window) error {
		w.ToggleMute(c.tab.TabID)
		return nil
	})
}

// Pin restricts a window to pages matching pattern. An empty pattern pins
// to the tab's current URL.
func (c *Coordinator) Pin(ctx context.Context, id, pattern string) error {
	return c.update(ctx, broadcast.KindPin, id, func(w *window.Window) error {
		if pattern == "" {
			pattern = c.tab.URL
		}
		if pattern == "" {
			return fmt.Errorf("%w: no pin pattern and no current url", window.ErrInvalidWindow)
		}
		w.PinnedToURL = pattern
		return nil
	})
}

// Unpin shows a window on every page again.
func (c *Coordinator) Unpin(ctx context.Context, id string) error {
	return c.update(ctx, broadcast.KindUnpin, id, func(w *window.Window) error {
		w.PinnedToURL = ""
		return nil
	})
}

// Close removes one window.
func (c *Coordinator) Close(ctx context.Context, id string) error {
	_, err := c.remove(ctx, broadcast.KindClose, "close", func(cache *Cache) ([]string, error) {
		if _, ok := cache.Get(id); !ok {
			return nil, fmt.Errorf("%w: %s", window.ErrNotFound, id)
		}
		return []string{id}, nil
	})
	return err
}

// CloseAll removes every window in the scope and returns the closed ids.
// Calling it on an empty scope is not an error.
func (c *Coordinator) CloseAll(ctx context.Context) ([]string, error) {
	return c.remove(ctx, broadcast.KindCloseAll, "close all", func(cache *Cache) ([]string, error) {
		return cache.IDs(nil), nil
	})
}

// CloseMinimized removes every minimized window and returns the closed ids.
func (c *Coordinator) CloseMinimized(ctx context.Context) ([]string, error) {
	return c.remove(ctx, broadcast.KindCloseMinimized, "close minimized", func(cache *Cache) ([]string, error) {
		return cache.IDs(func(w *window.Window) bool { return w.Minimized }), nil
	})
}

// Shutdown detaches this tab from every solo and mute set, flushes pending
// changes and stops receiving broadcasts.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasRunning := c.state == StateLive || c.state == StateSuspended
	c.state = StateClosed

	type detached struct {
		kind broadcast.Kind
		w    window.Window
	}
	var changes []detached
	if wasRunning {
		for _, w := range c.cache.Snapshot() {
			kind := broadcast.KindMute
			if w.Visibility.SoloedOnTabs.Has(c.tab.TabID) {
				kind = broadcast.KindSolo
			}
			if !w.DetachTab(c.tab.TabID) {
				continue
			}
			w.LastUpdate = c.tickLocked()
			c.cache.putLocal(w)
			changes = append(changes, detached{kind: kind, w: w})
		}
	}
	c.mu.Unlock()

	var persistErr error
	if wasRunning {
		res, err := c.persist(ctx, false)
		if err != nil {
			persistErr = fmt.Errorf("flushing on shutdown: %w", err)
		}
		for _, d := range changes {
			c.publish(ctx, broadcast.NewWindowMessage(d.kind, c.tab.TabID, saveIDOf(res), d.w.LastUpdate, d.w))
		}
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("tab closed", "detached", len(changes))
	return persistErr
}

// update runs fn on a copy of window id and commits the result.
func (c *Coordinator) update(ctx context.Context, kind broadcast.Kind, id string, fn func(*window.Window) error) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	w, ok := c.cache.Get(id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", window.ErrNotFound, id)
	}
	if err := fn(&w); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := w.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	w.LastUpdate = c.tickLocked()
	c.cache.putLocal(w)
	c.mu.Unlock()

	c.notify()
	c.commitWindow(ctx, kind, w)
	return nil
}

// commitWindow persists and then broadcasts a window change that is already
// in the cache. Persistence failures leave the change queued for retry.
func (c *Coordinator) commitWindow(ctx context.Context, kind broadcast.Kind, w window.Window) {
	res, _ := c.persist(ctx, false)
	c.publish(ctx, broadcast.NewWindowMessage(kind, c.tab.TabID, saveIDOf(res), w.LastUpdate, w))
}

func (c *Coordinator) remove(ctx context.Context, kind broadcast.Kind, op string, pick func(*Cache) ([]string, error)) ([]string, error) {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ids, err := pick(c.cache)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	sort.Strings(ids)
	at := c.tickLocked()
	for _, id := range ids {
		c.cache.removeLocal(id, at)
	}
	c.mu.Unlock()

	if len(ids) > 0 {
		c.notify()
	}
	// The write happens even with nothing to remove so the scope record exists.
	res, err := c.persist(ctx, true)
	if len(ids) > 0 {
		c.publish(ctx, broadcast.NewRemovalMessage(kind, c.tab.Scope.ID, c.tab.TabID, saveIDOf(res), at, ids))
	}
	if err != nil {
		return ids, &PersistError{Op: op, IDs: ids, Err: err}
	}
	c.logger.Debug("windows closed", "op", op, "count", len(ids))
	return ids, nil
}

// persist writes every unsaved change in the cache. With force set a write
// is made even when nothing is pending.
func (c *Coordinator) persist(ctx context.Context, force bool) (*store.SaveResult, error) {
	c.mu.Lock()
	upserts, deletes := c.cache.unsaved()
	c.mu.Unlock()

	mutations := buildMutations(upserts, deletes)
	if len(mutations) == 0 {
		if !force {
			return nil, nil
		}
		mutations = []store.Mutation{{}}
	}

	var last *store.SaveResult
	for _, m := range mutations {
		res, err := c.auth.Apply(ctx, c.tab.Scope.ID, m)
		if err != nil {
			c.logger.Warn("StoreUnavailable: change kept for retry",
				"error", err,
				"upserts", len(upserts),
				"deletes", len(deletes))
			return nil, err
		}
		c.own.Mark(res.SaveID)
		c.mu.Lock()
		c.observeLocked(res.Timestamp)
		c.mu.Unlock()
		if res.QuotaExceeded {
			c.logger.Debug("save kept in secondary tier only", "save_id", res.SaveID)
		}
		last = res
	}

	c.mu.Lock()
	c.cache.markSaved(upserts, deletes)
	c.mu.Unlock()
	return last, nil
}

// buildMutations groups deletions by timestamp; upserts ride on the first mutation.
func buildMutations(upserts []window.Window, deletes map[string]int64) []store.Mutation {
	byAt := make(map[int64][]string)
	for id, at := range deletes {
		byAt[at] = append(byAt[at], id)
	}
	ats := make([]int64, 0, len(byAt))
	for at := range byAt {
		ats = append(ats, at)
	}
	slices.Sort(ats)

	var out []store.Mutation
	for _, at := range ats {
		ids := byAt[at]
		sort.Strings(ids)
		out = append(out, store.Mutation{Deletes: ids, At: at})
	}
	if len(upserts) > 0 {
		if len(out) == 0 {
			out = append(out, store.Mutation{})
		}
		out[0].Upserts = upserts
	}
	return out
}

func (c *Coordinator) publish(ctx context.Context, msg broadcast.Message) {
	if err := c.transport.Publish(ctx, msg); err != nil {
		c.logger.Warn("broadcast failed",
			"error", err,
			"kind", string(msg.Kind),
			"save_id", msg.SaveID)
	}
}

// consume applies broadcasts until ctx ends. A subscription that ends on its
// own (relay restart, dropped socket) is reopened with backoff and followed by
// a resync, since anything sent in between was missed.
func (c *Coordinator) consume(ctx context.Context, msgs <-chan broadcast.Message) {
	defer c.wg.Done()

	base := c.reconnectDelay
	if base <= 0 {
		base = minResubscribeDelay
	}
	delay := base
	for {
		opened := time.Now()
		if !c.drain(ctx, msgs) {
			return
		}
		// A subscription that stayed up longer than the delay was healthy;
		// one that dropped straight away keeps the backoff growing.
		if time.Since(opened) >= delay {
			delay = base
		}
		c.logger.Warn("broadcast subscription ended, resubscribing", "retry_in", delay)

		next, nextDelay, ok := c.resubscribe(ctx, delay)
		if !ok {
			return
		}
		msgs, delay = next, nextDelay
		if err := c.resync(ctx); err != nil {
			c.logger.Debug("resync after resubscribe failed", "error", err)
		}
	}
}

// drain handles messages until the channel closes (true) or ctx ends (false).
func (c *Coordinator) drain(ctx context.Context, msgs <-chan broadcast.Message) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err() == nil
			}
			c.handle(msg)
		}
	}
}

// resubscribe reopens the scope subscription, waiting delay before each
// attempt and doubling it after each one. It returns the delay to use for
// the next drop.
func (c *Coordinator) resubscribe(ctx context.Context, delay time.Duration) (<-chan broadcast.Message, time.Duration, bool) {
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, delay, false
		case <-timer.C:
		}

		next := min(delay*2, maxResubscribeDelay)
		msgs, err := c.transport.Subscribe(ctx, c.tab.Scope.ID, c.tab.TabID)
		if err == nil {
			c.logger.Info("broadcast subscription restored")
			return msgs, next, true
		}
		if ctx.Err() != nil {
			return nil, delay, false
		}
		c.logger.Debug("resubscribe failed", "error", err, "retry_in", next)
		delay = next
	}
}

// handle applies one broadcast from a peer. Echoes, foreign scopes and
// repeated saves are filtered before anything else.
func (c *Coordinator) handle(msg broadcast.Message) {
	if msg.OriginTabID == c.tab.TabID {
		c.logger.Debug("ignoring own message", "save_id", msg.SaveID)
		return
	}
	if msg.ScopeID != c.tab.Scope.ID {
		c.logger.Debug("ScopeMismatch: dropping message", "message_scope_id", msg.ScopeID)
		return
	}
	if msg.SaveID != "" && c.own.Seen(msg.SaveID) {
		c.logger.Debug("ignoring reflection of own save", "save_id", msg.SaveID)
		return
	}
	if msg.SaveID != "" && c.seen.CheckAndMark(dedupeKey(msg)) {
		c.logger.Debug("ignoring repeated message", "save_id", msg.SaveID)
		return
	}

	changed := false
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	switch msg.Kind {
	case broadcast.KindCreate, broadcast.KindUpdatePosition, broadcast.KindUpdateSize,
		broadcast.KindMinimize, broadcast.KindRestore, broadcast.KindSolo, broadcast.KindMute,
		broadcast.KindPin, broadcast.KindUnpin:
		p, ok := msg.Payload.(broadcast.WindowPayload)
		if !ok {
			c.mu.Unlock()
			c.logger.Warn("MalformedMessage: window kind without window payload", "kind", string(msg.Kind))
			return
		}
		w := p.Window.Clone()
		if w.ScopeID != c.tab.Scope.ID {
			c.mu.Unlock()
			c.logger.Debug("ScopeMismatch: dropping window", "window_scope_id", w.ScopeID)
			return
		}
		if err := w.Validate(); err != nil {
			c.mu.Unlock()
			c.logger.Warn("MalformedMessage: invalid window", "error", err)
			return
		}
		c.observeLocked(w.LastUpdate)
		changed = c.cache.applyRemote(w)

	case broadcast.KindClose, broadcast.KindCloseAll, broadcast.KindCloseMinimized:
		p, ok := msg.Payload.(broadcast.RemovalPayload)
		if !ok {
			c.mu.Unlock()
			c.logger.Warn("MalformedMessage: close kind without removal payload", "kind", string(msg.Kind))
			return
		}
		c.observeLocked(p.At)
		for _, id := range p.IDs {
			if c.cache.removeRemote(id, p.At) {
				changed = true
			}
		}

	default:
		c.mu.Unlock()
		c.logger.Warn("dropping message of unknown kind", "kind", string(msg.Kind))
		return
	}
	if changed {
		c.applied++
	}
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// dedupeKey identifies one broadcast. A single save can be announced by
// several window messages, so those are keyed by window as well.
func dedupeKey(msg broadcast.Message) string {
	if p, ok := msg.Payload.(broadcast.WindowPayload); ok {
		return msg.SaveID + "\x00" + p.Window.ID
	}
	return msg.SaveID
}

// retryLoop flushes unsaved changes and repeats failed resyncs while the tab is live.
func (c *Coordinator) retryLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		live := c.state == StateLive
		flush := live && c.cache.hasUnsaved()
		resync := live && c.needsResync
		c.mu.Unlock()

		if flush {
			if res, err := c.persist(ctx, false); err == nil && res != nil {
				c.logger.Info("retried save succeeded", "save_id", res.SaveID)
			}
		}
		if resync {
			if err := c.resync(ctx); err != nil {
				c.logger.Debug("resync retry failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}

func (c *Coordinator) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked()
}

func (c *Coordinator) usableLocked() error {
	switch c.state {
	case StateLive, StateSuspended:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotLive
	}
}

// tickLocked returns the next lastUpdate for a local change. It never repeats
// and never falls behind a timestamp already seen from a peer.
func (c *Coordinator) tickLocked() int64 {
	now := c.now().UnixMilli()
	if now <= c.lastTick {
		now = c.lastTick + 1
	}
	c.lastTick = now
	return now
}

func (c *Coordinator) observeLocked(ts int64) {
	if ts > c.lastTick {
		c.lastTick = ts
	}
}

func saveIDOf(res *store.SaveResult) string {
	if res == nil {
		return ""
	}
	return res.SaveID
}
