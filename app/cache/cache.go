package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lysyi3m/auto-comb/app/listing"
)

var (
	ErrCacheMiss = errors.New("cache miss")
	// ErrNotFound is returned by a Refresher when the vehicle is no longer
	// offered by any source.
	ErrNotFound = errors.New("listing not found upstream")
)

type Key struct {
	Scope string
	ID    string
}

func (k Key) String() string {
	return k.Scope + ":" + k.ID
}

type Status string

const (
	StatusFresh     Status = "fresh"
	StatusStale     Status = "stale"
	StatusRefreshed Status = "refreshed"
	StatusDegraded  Status = "degraded"
)

type Refresher interface {
	Refresh(ctx context.Context, key Key) (listing.LogicalListing, error)
}

// Store persists entries; the cache writes through and warm-starts from it.
type Store interface {
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key Key) error
	LoadAll(ctx context.Context) ([]Entry, error)
}

type Entry struct {
	Listing   listing.LogicalListing
	StoredAt  time.Time
	ExpiresAt time.Time
	Degraded  bool

	version uint64
}

func (e Entry) Key() Key {
	return Key{Scope: e.Listing.Scope, ID: e.Listing.ID}
}

// TTLFunc returns the freshness window for a source.
type TTLFunc func(source string) time.Duration

type Config struct {
	DefaultTTL     time.Duration
	MaxStale       time.Duration
	MaxAge         time.Duration
	MaxEntries     int
	RefreshTimeout time.Duration
	Now            func() time.Time
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:     time.Hour,
		MaxStale:       6 * time.Hour,
		MaxAge:         14 * 24 * time.Hour,
		MaxEntries:     50000,
		RefreshTimeout: 2 * time.Minute,
	}
}

type Cache struct {
	cfg       Config
	ttl       TTLFunc
	refresher Refresher
	store     Store

	mu       sync.Mutex
	entries  map[Key]*list.Element
	lru      *list.List
	byMember map[string]Key
	seq      uint64

	// refreshing holds keys with a background refresh in flight.
	refreshing map[Key]bool
	// partial holds scopes whose latest run lacked some sources.
	partial map[string]bool

	group singleflight.Group
	wg    sync.WaitGroup
}

func New(cfg Config, ttl TTLFunc, refresher Refresher, store Store) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if ttl == nil {
		ttl = func(string) time.Duration { return cfg.DefaultTTL }
	}
	return &Cache{
		cfg:       cfg,
		ttl:       ttl,
		refresher: refresher,
		store:     store,
		entries:   make(map[Key]*list.Element),
		lru:       list.New(),
		byMember:  make(map[string]Key),

		refreshing: make(map[Key]bool),
		partial:    make(map[string]bool),
	}
}

// Get serves the entry for key. Fresh entries are returned as is; stale
// entries within MaxStale are returned while one background refresh runs;
// older entries and misses are refreshed synchronously. Concurrent
// refreshes of the same key share one upstream call.
func (c *Cache) Get(ctx context.Context, key Key) (listing.LogicalListing, Status, error) {
	now := c.cfg.Now()

	c.mu.Lock()
	el, ok := c.entries[key]
	var e Entry
	if ok {
		c.lru.MoveToFront(el)
		e = *el.Value.(*Entry)
	}
	c.mu.Unlock()

	if !ok {
		ll, err := c.refresh(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return listing.LogicalListing{}, "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
			}
			return listing.LogicalListing{}, "", fmt.Errorf("refresh %s: %w", key, err)
		}
		return ll, StatusRefreshed, nil
	}

	switch {
	case now.Before(e.ExpiresAt) && !e.Degraded:
		return e.Listing, StatusFresh, nil
	case now.Before(e.ExpiresAt.Add(c.cfg.MaxStale)):
		c.refreshAsync(key)
		if e.Degraded {
			return e.Listing, StatusDegraded, nil
		}
		return e.Listing, StatusStale, nil
	}

	ll, err := c.refresh(ctx, key)
	if err == nil {
		return ll, StatusRefreshed, nil
	}
	if errors.Is(err, ErrNotFound) {
		c.Delete(ctx, key)
		return listing.LogicalListing{}, "", fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}

	slog.Warn("Serving degraded cache entry", "key", key.String(), "error", err)
	c.markDegraded(ctx, key)
	return e.Listing, StatusDegraded, nil
}

func (c *Cache) refresh(ctx context.Context, key Key) (listing.LogicalListing, error) {
	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.runRefresh(ctx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return listing.LogicalListing{}, res.Err
		}
		return res.Val.(listing.LogicalListing), nil
	case <-ctx.Done():
		return listing.LogicalListing{}, ctx.Err()
	}
}

// refreshAsync starts at most one background refresh per key.
func (c *Cache) refreshAsync(key Key) {
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		res := <-c.group.DoChan(key.String(), func() (any, error) {
			return c.runRefresh(context.Background(), key)
		})
		if res.Err != nil && !errors.Is(res.Err, ErrNotFound) {
			slog.Warn("Background refresh failed", "key", key.String(), "error", res.Err)
			c.markDegraded(context.Background(), key)
		}
	}()
}

// runRefresh detaches from the first caller's cancellation so that one
// impatient caller does not fail every coalesced waiter.
func (c *Cache) runRefresh(ctx context.Context, key Key) (listing.LogicalListing, error) {
	if c.refresher == nil {
		return listing.LogicalListing{}, ErrNotFound
	}

	refreshCtx := context.WithoutCancel(ctx)
	if c.cfg.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithTimeout(refreshCtx, c.cfg.RefreshTimeout)
		defer cancel()
	}

	ll, err := c.refresher.Refresh(refreshCtx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.Delete(refreshCtx, key)
		}
		return listing.LogicalListing{}, err
	}

	stored := c.Put(refreshCtx, ll)
	if ll.ID != key.ID {
		c.Delete(refreshCtx, key)
	}
	return stored, nil
}

// Put stores logical listings, replacing entries that share a member with
// them, and returns the last stored value with its computed expiry.
func (c *Cache) Put(ctx context.Context, groups ...listing.LogicalListing) listing.LogicalListing {
	var last listing.LogicalListing
	for _, ll := range groups {
		e := c.newEntry(ll)
		c.insert(ctx, e, true)
		last = e.Listing
	}
	return last
}

func (c *Cache) newEntry(ll listing.LogicalListing) Entry {
	now := c.cfg.Now()
	ll.ExpiresAt = c.expiresAt(ll, now)
	return Entry{Listing: ll, StoredAt: now, ExpiresAt: ll.ExpiresAt}
}

// expiresAt is the earliest expiry among the member sources.
func (c *Cache) expiresAt(ll listing.LogicalListing, now time.Time) time.Time {
	var earliest time.Time
	for src, fetched := range ll.PerSourceFetchedAt {
		exp := fetched.Add(c.ttl(src))
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	if earliest.IsZero() {
		return now.Add(c.cfg.DefaultTTL)
	}
	return earliest
}

func (c *Cache) insert(ctx context.Context, e Entry, persist bool) {
	key := e.Key()

	c.mu.Lock()
	c.seq++
	e.version = c.seq

	var superseded []Key
	for _, m := range e.Listing.Members {
		if old, ok := c.byMember[m.Key()]; ok && old != key {
			superseded = append(superseded, old)
		}
	}
	for _, old := range superseded {
		c.removeLocked(old)
	}

	if el, ok := c.entries[key]; ok {
		c.unindexLocked(el.Value.(*Entry))
		el.Value = &e
		c.lru.MoveToFront(el)
	} else {
		c.entries[key] = c.lru.PushFront(&e)
	}
	for _, m := range e.Listing.Members {
		c.byMember[m.Key()] = key
	}

	var evicted []Key
	for c.cfg.MaxEntries > 0 && c.lru.Len() > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		k := oldest.Value.(*Entry).Key()
		c.removeLocked(k)
		evicted = append(evicted, k)
	}
	c.mu.Unlock()

	if !persist || c.store == nil {
		return
	}
	for _, k := range append(superseded, evicted...) {
		c.deleteFromStore(ctx, k)
	}
	if err := c.store.Save(ctx, e); err != nil {
		slog.Error("Cache store error", "operation", "save", "key", key.String(), "error", err)
	}
}

func (c *Cache) removeLocked(key Key) bool {
	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.unindexLocked(el.Value.(*Entry))
	c.lru.Remove(el)
	delete(c.entries, key)
	return true
}

func (c *Cache) unindexLocked(e *Entry) {
	key := e.Key()
	for _, m := range e.Listing.Members {
		if c.byMember[m.Key()] == key {
			delete(c.byMember, m.Key())
		}
	}
}

func (c *Cache) Delete(ctx context.Context, key Key) {
	c.mu.Lock()
	removed := c.removeLocked(key)
	c.mu.Unlock()

	if removed {
		c.deleteFromStore(ctx, key)
	}
}

func (c *Cache) deleteFromStore(ctx context.Context, key Key) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, key); err != nil {
		slog.Error("Cache store error", "operation", "delete", "key", key.String(), "error", err)
	}
}

func (c *Cache) markDegraded(ctx context.Context, key Key) {
	c.mu.Lock()
	el, ok := c.entries[key]
	var e Entry
	if ok {
		entry := el.Value.(*Entry)
		entry.Degraded = true
		e = *entry
	}
	c.mu.Unlock()

	if ok && c.store != nil {
		if err := c.store.Save(ctx, e); err != nil {
			slog.Error("Cache store error", "operation", "mark_degraded", "key", key.String(), "error", err)
		}
	}
}

// Sweep drops entries no source has reported within MaxAge.
func (c *Cache) Sweep(ctx context.Context) int {
	if c.cfg.MaxAge <= 0 {
		return 0
	}
	cutoff := c.cfg.Now().Add(-c.cfg.MaxAge)

	c.mu.Lock()
	var expired []Key
	for key, el := range c.entries {
		if newestFetch(el.Value.(*Entry).Listing).Before(cutoff) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key)
	}
	c.mu.Unlock()

	for _, key := range expired {
		c.deleteFromStore(ctx, key)
	}
	return len(expired)
}

func newestFetch(ll listing.LogicalListing) time.Time {
	var newest time.Time
	for _, t := range ll.PerSourceFetchedAt {
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}

// Rescore replaces every entry's listing with fn's result, keeping its
// expiry and degraded state. An entry stored again while fn ran is left
// alone and not counted.
func (c *Cache) Rescore(ctx context.Context, fn func(context.Context, listing.LogicalListing) listing.LogicalListing) int {
	n := 0
	for _, e := range c.Snapshot() {
		scored := fn(ctx, e.Listing)
		scored.ExpiresAt = e.ExpiresAt

		c.mu.Lock()
		el, ok := c.entries[e.Key()]
		var updated Entry
		if ok {
			cur := el.Value.(*Entry)
			ok = cur.version == e.version
			if ok {
				updated = *cur
				updated.Listing = scored
				el.Value = &updated
			}
		}
		c.mu.Unlock()

		if !ok {
			slog.Debug("Skipping rescore of replaced entry", "key", e.Key().String())
			continue
		}
		n++
		if c.store != nil {
			if err := c.store.Save(ctx, updated); err != nil {
				slog.Error("Cache store error", "operation", "rescore", "key", e.Key().String(), "error", err)
			}
		}
	}
	return n
}

// Load warm-starts the cache from the store.
func (c *Cache) Load(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	entries, err := c.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load cache entries: %w", err)
	}
	for _, e := range entries {
		c.insert(ctx, e, false)
	}
	return len(entries), nil
}

// Peek returns the entry for key without touching its recency.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

type Stats struct {
	Entries  int `json:"entries"`
	Fresh    int `json:"fresh"`
	Stale    int `json:"stale"`
	Degraded int `json:"degraded"`
}

func (c *Cache) Stats() Stats {
	now := c.cfg.Now()
	var s Stats
	for _, e := range c.Snapshot() {
		s.Entries++
		switch {
		case e.Degraded:
			s.Degraded++
		case now.Before(e.ExpiresAt):
			s.Fresh++
		default:
			s.Stale++
		}
	}
	return s
}

// Close waits for background refreshes to finish.
func (c *Cache) Close() {
	c.wg.Wait()
}
