// Package directory keeps the set of reachable agents.
//
// Records are created on first registration and refreshed by heartbeats or
// re-registration. registered_at never changes once set and last_seen never
// moves backwards. A sweep evicts every record whose last_seen is older than
// the TTL; eviction is final and a later registration creates a new record.
//
// The package also carries both sides of the directory service HTTP surface:
// Handler serves a Directory and Client consumes one.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/fogfish/opts"
)

const (
	DefaultTTL           = 120 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Directory is an in-memory agent directory with TTL based liveness.
type Directory struct {
	mu      sync.RWMutex
	records map[string]*Record

	ttl        time.Duration
	now        func() time.Time
	onRegister func(rec Record, created bool)
	onEvict    func(rec Record)
	logger     *slog.Logger
}

type Option = opts.Option[Directory]

// WithTTL sets how long a record survives without a heartbeat.
var WithTTL = opts.ForName[Directory, time.Duration]("ttl")

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return opts.Type[Directory](func(d *Directory) error {
		d.now = now
		return nil
	})
}

// OnRegister is called after every successful registration, outside the
// directory lock. created is false when an existing record was refreshed.
func OnRegister(fn func(rec Record, created bool)) Option {
	return opts.Type[Directory](func(d *Directory) error {
		d.onRegister = fn
		return nil
	})
}

// OnEvict is called for every record that leaves the directory, whether by
// sweep or by Remove.
func OnEvict(fn func(rec Record)) Option {
	return opts.Type[Directory](func(d *Directory) error {
		d.onEvict = fn
		return nil
	})
}

func New(options ...Option) *Directory {
	d := &Directory{
		records: make(map[string]*Record),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slogx.Component("directory"),
	}
	if err := opts.Apply(d, options); err != nil {
		panic(err)
	}
	if d.ttl <= 0 {
		panic(fmt.Sprintf("directory: ttl must be positive, got %s", d.ttl))
	}
	return d
}

// TTL returns the eviction window.
func (d *Directory) TTL() time.Duration { return d.ttl }

// RegisterOrUpdate inserts rec, or refreshes the mutable fields and last_seen
// of the existing record with the same id. It returns the stored record and
// whether it was created.
func (d *Directory) RegisterOrUpdate(rec Record) (Record, bool, error) {
	if err := rec.validate(); err != nil {
		return Record{}, false, err
	}
	now := d.now()

	d.mu.Lock()
	existing, ok := d.records[rec.ID]
	if ok {
		existing.Name = rec.Name
		existing.URL = rec.URL
		existing.Description = rec.Description
		existing.Protocol = rec.Protocol
		existing.Capabilities = maps.Clone(rec.Capabilities)
		existing.Skills = slices.Clone(rec.Skills)
		touch(existing, now)
	} else {
		stored := rec.clone()
		stored.RegisteredAt = now
		stored.LastSeen = now
		stored.State = StateActive
		existing = &stored
		d.records[rec.ID] = existing
	}
	out := existing.clone()
	d.mu.Unlock()

	if ok {
		d.logger.Debug("agent refreshed", slogx.Agent(out.ID))
	} else {
		d.logger.Info("agent registered", slogx.Agent(out.ID), slog.String("url", out.URL), slog.String("protocol", string(out.Protocol)))
	}
	if d.onRegister != nil {
		d.onRegister(out, !ok)
	}
	return out, !ok, nil
}

// Heartbeat refreshes last_seen for id and reports whether id is known.
func (d *Directory) Heartbeat(id string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return false
	}
	touch(rec, now)
	return true
}

func touch(rec *Record, now time.Time) {
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
}

// Sweep evicts every record whose last_seen is more than the TTL before now
// and returns the evicted records.
func (d *Directory) Sweep(now time.Time) []Record {
	var evicted []Record

	d.mu.Lock()
	for id, rec := range d.records {
		expired, err := d.expired(rec, now)
		if err != nil {
			d.logger.Error("skipping record during sweep", slogx.Agent(id), slogx.Error(err))
			continue
		}
		if !expired {
			continue
		}
		rec.State = StateEvicted
		evicted = append(evicted, rec.clone())
		delete(d.records, id)
	}
	d.mu.Unlock()

	slices.SortFunc(evicted, func(a, b Record) int { return strings.Compare(a.ID, b.ID) })
	for _, rec := range evicted {
		d.logger.Info("agent evicted", slogx.Agent(rec.ID), slog.Time("last_seen", rec.LastSeen))
		if d.onEvict != nil {
			d.onEvict(rec)
		}
	}
	return evicted
}

func (d *Directory) expired(rec *Record, now time.Time) (expired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluating record: %v", r)
		}
	}()
	if rec.LastSeen.IsZero() {
		return false, fmt.Errorf("record %s has no last_seen", rec.ID)
	}
	return now.Sub(rec.LastSeen) > d.ttl, nil
}

// Run sweeps every interval until ctx is cancelled.
func (d *Directory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(d.now())
		}
	}
}

// Lookup returns the record stored under id.
func (d *Directory) Lookup(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Find returns the record whose id or name equals name.
func (d *Directory) Find(name string) (Record, bool) {
	if rec, ok := d.Lookup(name); ok {
		return rec, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, rec := range d.records {
		if rec.Name == name {
			return rec.clone(), true
		}
	}
	return Record{}, false
}

// List returns all active records ordered by id.
func (d *Directory) List() []Record {
	d.mu.RLock()
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec.clone())
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Remove deletes id and reports whether it was present.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	rec, ok := d.records[id]
	if ok {
		delete(d.records, id)
		rec.State = StateEvicted
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	d.logger.Info("agent removed", slogx.Agent(id))
	if d.onEvict != nil {
		d.onEvict(rec.clone())
	}
	return true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}
