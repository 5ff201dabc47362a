// Package cache loads pose datasets on first use and keeps them for the
// lifetime of the engine.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agleyzer/posesync/internal/pose"
)

var (
	// ErrDatasetLoad wraps any failure to fetch or validate a dataset.
	ErrDatasetLoad = errors.New("dataset load failed")

	// ErrClosed is returned by Load after Close.
	ErrClosed = errors.New("cache closed")
)

// Loader fetches the pose dataset of a stream.
type Loader interface {
	LoadPose(ctx context.Context, stream string) (*pose.Dataset, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, stream string) (*pose.Dataset, error)

// LoadPose calls f.
func (f LoaderFunc) LoadPose(ctx context.Context, stream string) (*pose.Dataset, error) {
	return f(ctx, stream)
}

// Status is the load state of one stream.
type Status int

const (
	StatusAbsent Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "absent"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for _, st := range []Status{StatusAbsent, StatusLoading, StatusReady, StatusFailed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Entry is the cached state of one stream. Dataset is set when ready,
// Err when failed.
type Entry struct {
	Status  Status
	Dataset *pose.Dataset
	Err     error
}

// Listener is called after an entry changes, outside the cache lock.
type Listener func(stream string, e Entry)

// Cache is a single-flight, never-evicting dataset cache.
type Cache struct {
	loader   Loader
	listener Listener
	logger   *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]Entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fetches atomic.Uint64
	failed  atomic.Uint64
}

// New creates a cache backed by loader. listener may be nil.
func New(loader Loader, listener Listener, logger *slog.Logger) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		loader:   loader,
		listener: listener,
		logger:   logger,
		entries:  make(map[string]Entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Get returns the entry for stream. Unknown streams are absent.
func (c *Cache) Get(stream string) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[stream]
}

// EnsureLoaded starts an asynchronous fetch unless stream is ready or already
// loading. It reports whether a fetch was started. Failed streams are retried.
func (c *Cache) EnsureLoaded(stream string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	switch c.entries[stream].Status {
	case StatusReady, StatusLoading:
		c.mu.Unlock()
		return false
	}
	loading := Entry{Status: StatusLoading}
	c.entries[stream] = loading
	c.wg.Add(1)
	c.mu.Unlock()

	c.notify(stream, loading)

	ch := c.group.DoChan(stream, func() (interface{}, error) {
		return c.fetch(stream)
	})
	go func() {
		defer c.wg.Done()
		<-ch
	}()
	return true
}

// Load returns the dataset for stream, fetching it if needed and joining any
// fetch already in flight.
func (c *Cache) Load(ctx context.Context, stream string) (*pose.Dataset, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.entries[stream]
	if e.Status == StatusReady {
		c.mu.Unlock()
		return e.Dataset, nil
	}
	started := e.Status != StatusLoading
	if started {
		c.entries[stream] = Entry{Status: StatusLoading}
	}
	c.mu.Unlock()

	if started {
		c.notify(stream, Entry{Status: StatusLoading})
	}

	ch := c.group.DoChan(stream, func() (interface{}, error) {
		return c.fetch(stream)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*pose.Dataset), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch runs inside the single-flight group.
func (c *Cache) fetch(stream string) (interface{}, error) {
	// A fetch that completed between a caller's status check and its
	// DoChan call must not be repeated.
	c.mu.Lock()
	if e := c.entries[stream]; e.Status == StatusReady {
		c.mu.Unlock()
		return e.Dataset, nil
	}
	c.mu.Unlock()

	c.fetches.Add(1)
	start := time.Now()

	ds, err := c.loader.LoadPose(c.ctx, stream)
	if err == nil && ds == nil {
		err = errors.New("loader returned no dataset")
	}
	if err == nil && ds.Index() == nil {
		err = ds.Validate()
	}

	var entry Entry
	if err != nil {
		c.failed.Add(1)
		err = fmt.Errorf("%w: stream %q: %w", ErrDatasetLoad, stream, err)
		entry = Entry{Status: StatusFailed, Err: err}
		c.logger.Warn("pose dataset load failed", "stream", stream, "error", err)
	} else {
		entry = Entry{Status: StatusReady, Dataset: ds}
		c.logger.Info("pose dataset loaded",
			"stream", stream,
			"frames", ds.Frames(),
			"keypoints", len(ds.Keypoints),
			"elapsed", time.Since(start))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.entries[stream] = entry
	c.mu.Unlock()

	c.notify(stream, entry)

	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (c *Cache) notify(stream string, e Entry) {
	if c.listener != nil {
		c.listener(stream, e)
	}
}

// Loading reports whether any fetch is in flight.
func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Status == StatusLoading {
			return true
		}
	}
	return false
}

// Entries returns a copy of every known entry.
func (c *Cache) Entries() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Close cancels in-flight fetches and waits for them to return.
// It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// GetStats returns cache statistics.
func (c *Cache) GetStats() map[string]interface{} {
	c.mu.Lock()
	ready := make([]string, 0, len(c.entries))
	for name, e := range c.entries {
		if e.Status == StatusReady {
			ready = append(ready, name)
		}
	}
	c.mu.Unlock()
	sort.Strings(ready)

	return map[string]interface{}{
		"ready":   ready,
		"fetches": c.fetches.Load(),
		"failed":  c.failed.Load(),
	}
}
