package directory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func agent(id string) Record {
	return Record{ID: id, Name: id, URL: "http://" + id + ".local:9000", Protocol: ProtocolA2A}
}

func TestRegisterOrUpdate(t *testing.T) {
	clk := newClock()
	d := New(WithClock(clk.Now))
	t0 := clk.Now()

	rec, created, err := d.RegisterOrUpdate(agent("x"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, t0, rec.RegisteredAt)
	assert.Equal(t, t0, rec.LastSeen)
	assert.Equal(t, StateActive, rec.State)

	clk.Add(10 * time.Second)
	update := agent("x")
	update.URL = "http://moved.local:9000"
	update.Description = "weather"
	update.RegisteredAt = t0.Add(time.Hour)
	rec, created, err = d.RegisterOrUpdate(update)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, t0, rec.RegisteredAt, "registered_at never changes")
	assert.Equal(t, t0.Add(10*time.Second), rec.LastSeen)
	assert.Equal(t, "http://moved.local:9000", rec.URL)
	assert.Equal(t, "weather", rec.Description)
	assert.Equal(t, 1, d.Len())
}

func TestRegisterRejectsInvalid(t *testing.T) {
	d := New()
	for _, rec := range []Record{
		{Name: "x", URL: "http://x"},
		{ID: "x", URL: "not a url"},
		{ID: "x", URL: "ftp://x"},
		{ID: "x"},
	} {
		_, _, err := d.RegisterOrUpdate(rec)
		assert.ErrorIs(t, err, ErrInvalidRecord)
	}
	assert.Zero(t, d.Len())
}

func TestLastSeenIsMonotonic(t *testing.T) {
	clk := newClock()
	d := New(WithClock(clk.Now))
	_, _, err := d.RegisterOrUpdate(agent("x"))
	require.NoError(t, err)
	latest := clk.Add(30 * time.Second)
	require.True(t, d.Heartbeat("x"))

	clk.Add(-20 * time.Second)
	require.True(t, d.Heartbeat("x"))
	_, _, err = d.RegisterOrUpdate(agent("x"))
	require.NoError(t, err)

	rec, ok := d.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, latest, rec.LastSeen)
}

func TestHeartbeatUnknown(t *testing.T) {
	d := New()
	assert.False(t, d.Heartbeat("ghost"))
	assert.Zero(t, d.Len())
}

func TestSweep(t *testing.T) {
	t.Run("ttl boundary", func(t *testing.T) {
		clk := newClock()
		d := New(WithClock(clk.Now), WithTTL(120*time.Second))
		now := clk.Now()

		clk.Set(now.Add(-121 * time.Second))
		_, _, err := d.RegisterOrUpdate(agent("stale"))
		require.NoError(t, err)
		clk.Set(now.Add(-60 * time.Second))
		_, _, err = d.RegisterOrUpdate(agent("fresh"))
		require.NoError(t, err)
		clk.Set(now.Add(-120 * time.Second))
		_, _, err = d.RegisterOrUpdate(agent("edge"))
		require.NoError(t, err)

		evicted := d.Sweep(now)
		require.Len(t, evicted, 1)
		assert.Equal(t, "stale", evicted[0].ID)
		assert.Equal(t, StateEvicted, evicted[0].State)

		_, ok := d.Lookup("stale")
		assert.False(t, ok)
		_, ok = d.Lookup("fresh")
		assert.True(t, ok)
		_, ok = d.Lookup("edge")
		assert.True(t, ok, "exactly ttl old is still alive")
	})

	t.Run("heartbeat keeps an agent alive", func(t *testing.T) {
		clk := newClock()
		d := New(WithClock(clk.Now))
		t0 := clk.Now()

		_, _, err := d.RegisterOrUpdate(agent("X"))
		require.NoError(t, err)
		clk.Set(t0.Add(30 * time.Second))
		require.True(t, d.Heartbeat("X"))

		assert.Empty(t, d.Sweep(t0.Add(119*time.Second)))
		_, ok := d.Lookup("X")
		assert.True(t, ok)

		evicted := d.Sweep(t0.Add(151 * time.Second))
		require.Len(t, evicted, 1)
		assert.Equal(t, "X", evicted[0].ID)
	})

	t.Run("no heartbeat after registration", func(t *testing.T) {
		clk := newClock()
		d := New(WithClock(clk.Now))
		t0 := clk.Now()

		_, _, err := d.RegisterOrUpdate(agent("X"))
		require.NoError(t, err)
		assert.Empty(t, d.Sweep(t0.Add(119*time.Second)))
		assert.Len(t, d.Sweep(t0.Add(121*time.Second)), 1)
		assert.Zero(t, d.Len())
	})

	t.Run("re-registration after eviction creates a new record", func(t *testing.T) {
		clk := newClock()
		d := New(WithClock(clk.Now))
		t0 := clk.Now()
		_, _, err := d.RegisterOrUpdate(agent("X"))
		require.NoError(t, err)
		d.Sweep(t0.Add(time.Hour))

		clk.Set(t0.Add(2 * time.Hour))
		rec, created, err := d.RegisterOrUpdate(agent("X"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, t0.Add(2*time.Hour), rec.RegisteredAt)
	})

	t.Run("faulty record does not stop the sweep", func(t *testing.T) {
		clk := newClock()
		d := New(WithClock(clk.Now))
		_, _, err := d.RegisterOrUpdate(agent("broken"))
		require.NoError(t, err)
		_, _, err = d.RegisterOrUpdate(agent("old"))
		require.NoError(t, err)

		d.mu.Lock()
		d.records["broken"].LastSeen = time.Time{}
		d.mu.Unlock()

		evicted := d.Sweep(clk.Now().Add(time.Hour))
		require.Len(t, evicted, 1)
		assert.Equal(t, "old", evicted[0].ID)
		_, ok := d.Lookup("broken")
		assert.True(t, ok)
	})
}

func TestListeners(t *testing.T) {
	clk := newClock()
	var (
		registered []string
		created    []bool
		evicted    []string
	)
	d := New(
		WithClock(clk.Now),
		OnRegister(func(rec Record, isNew bool) {
			registered = append(registered, rec.ID)
			created = append(created, isNew)
		}),
		OnEvict(func(rec Record) { evicted = append(evicted, rec.ID) }),
	)

	_, _, err := d.RegisterOrUpdate(agent("a"))
	require.NoError(t, err)
	_, _, err = d.RegisterOrUpdate(agent("a"))
	require.NoError(t, err)
	_, _, err = d.RegisterOrUpdate(agent("b"))
	require.NoError(t, err)

	d.Sweep(clk.Now().Add(time.Hour))
	assert.Equal(t, []string{"a", "a", "b"}, registered)
	assert.Equal(t, []bool{true, false, true}, created)
	assert.Equal(t, []string{"a", "b"}, evicted)
}

func TestQueries(t *testing.T) {
	d := New()
	for _, id := range []string{"c", "a", "b"} {
		rec := agent(id)
		rec.Name = "agent-" + id
		_, _, err := d.RegisterOrUpdate(rec)
		require.NoError(t, err)
	}

	list := d.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)

	rec, ok := d.Find("agent-b")
	require.True(t, ok)
	assert.Equal(t, "b", rec.ID)
	rec, ok = d.Find("c")
	require.True(t, ok)
	assert.Equal(t, "agent-c", rec.Name)
	_, ok = d.Find("nope")
	assert.False(t, ok)

	assert.True(t, d.Remove("a"))
	assert.False(t, d.Remove("a"))
	assert.Equal(t, 2, d.Len())
}

func TestLookupReturnsCopies(t *testing.T) {
	d := New()
	rec := agent("x")
	rec.Capabilities = map[string]any{"streaming": true}
	_, _, err := d.RegisterOrUpdate(rec)
	require.NoError(t, err)

	got, _ := d.Lookup("x")
	got.Capabilities["streaming"] = false
	again, _ := d.Lookup("x")
	assert.Equal(t, true, again.Capabilities["streaming"])
}

func TestRecordFromCard(t *testing.T) {
	rec, err := RecordFromCard(Card{Name: "weather", URL: "http://weather:8000/", Protocol: "mcp"})
	require.NoError(t, err)
	assert.Equal(t, "weather", rec.ID)
	assert.Equal(t, "http://weather:8000", rec.URL)
	assert.Equal(t, ProtocolMCP, rec.Protocol)

	rec, err = RecordFromCard(Card{ID: "w-1", Name: "weather", URL: "https://weather"})
	require.NoError(t, err)
	assert.Equal(t, "w-1", rec.ID)
	assert.Equal(t, ProtocolA2A, rec.Protocol)

	_, err = RecordFromCard(Card{Name: "x", URL: "http://x", Protocol: "smtp"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}
