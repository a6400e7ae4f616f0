// Package discovery periodically pulls agent cards from a directory service
// into the local directory.
//
// Attempts are gated by a token bucket holding one token that refills once
// per interval, so a timer tick and a manual trigger share the same budget:
// a second attempt inside the window returns nothing and issues no query.
// After a failed query the refill rate is raised so the next attempt comes
// sooner, doubling the wait on each consecutive failure up to the interval.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/switchboard/internal/directory"
	"github.com/casualjim/switchboard/pkg/slogx"
	"github.com/fogfish/opts"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultRetry    = 10 * time.Second
	DefaultTimeout  = 10 * time.Second

	minWait = 10 * time.Millisecond
)

// Source lists the cards known to a directory service.
type Source interface {
	List(ctx context.Context) ([]directory.Card, error)
}

// Sink receives discovered agents.
type Sink interface {
	RegisterOrUpdate(rec directory.Record) (directory.Record, bool, error)
}

type Loop struct {
	source   Source
	sink     Sink
	interval time.Duration
	retry    time.Duration
	timeout  time.Duration
	now      func() time.Time

	limiter  *rate.Limiter
	mu       sync.Mutex
	failures int
	logger   *slog.Logger
}

type Option = opts.Option[Loop]

var (
	WithInterval = opts.ForName[Loop, time.Duration]("interval")
	WithRetry    = opts.ForName[Loop, time.Duration]("retry")
	WithTimeout  = opts.ForName[Loop, time.Duration]("timeout")
)

func WithClock(now func() time.Time) Option {
	return opts.Type[Loop](func(l *Loop) error {
		l.now = now
		return nil
	})
}

func New(source Source, sink Sink, options ...Option) *Loop {
	l := &Loop{
		source:   source,
		sink:     sink,
		interval: DefaultInterval,
		retry:    DefaultRetry,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   slogx.Component("discovery"),
	}
	if err := opts.Apply(l, options); err != nil {
		panic(err)
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.retry <= 0 || l.retry > l.interval {
		l.retry = l.interval
	}
	l.limiter = rate.NewLimiter(rate.Every(l.interval), 1)
	return l
}

// Trigger runs one discovery attempt unless the previous one was too recent.
// It returns the cards merged into the sink; gated and failed attempts return
// nothing.
func (l *Loop) Trigger(ctx context.Context) []directory.Card {
	now := l.now()
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		l.logger.Debug("discovery skipped, attempted too recently")
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, l.timeout)
	cards, err := l.source.List(qctx)
	cancel()

	l.mu.Lock()
	if err != nil {
		l.failures++
		failures, wait := l.failures, l.backoff()
		l.limiter.SetLimitAt(now, rate.Every(wait))
		l.mu.Unlock()
		l.logger.Error("agent discovery failed", slogx.Error(err), slog.Int("failures", failures), slog.Duration("retry_in", wait))
		return nil
	}
	l.failures = 0
	l.limiter.SetLimitAt(now, rate.Every(l.interval))
	l.mu.Unlock()

	return l.merge(cards)
}

func (l *Loop) merge(cards []directory.Card) []directory.Card {
	merged := make([]directory.Card, 0, len(cards))
	for _, card := range cards {
		rec, err := directory.RecordFromCard(card)
		if err == nil {
			_, _, err = l.sink.RegisterOrUpdate(rec)
		}
		if err != nil {
			l.logger.Warn("skipping discovered agent", slogx.Agent(card.Key()), slogx.Error(err))
			continue
		}
		merged = append(merged, card)
	}
	l.logger.Debug("agent discovery finished", slog.Int("agents", len(merged)))
	return merged
}

// backoff is retry doubled per consecutive failure, capped at the interval.
// Callers hold l.mu.
func (l *Loop) backoff() time.Duration {
	wait := l.retry
	for i := 1; i < l.failures && wait < l.interval; i++ {
		wait *= 2
	}
	return min(wait, l.interval)
}

// Failures returns the number of consecutive failed attempts.
func (l *Loop) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// untilNext is how long until an attempt would pass the gate.
func (l *Loop) untilNext() time.Duration {
	tokens := l.limiter.TokensAt(l.now())
	if tokens >= 1 {
		return 0
	}
	limit := float64(l.limiter.Limit())
	if limit <= 0 {
		return l.interval
	}
	return time.Duration((1 - tokens) / limit * float64(time.Second))
}

// Run attempts discovery immediately and then whenever the gate opens, until
// ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("agent discovery started", slog.Duration("interval", l.interval))
	for {
		l.Trigger(ctx)

		timer := time.NewTimer(max(l.untilNext(), minWait))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
