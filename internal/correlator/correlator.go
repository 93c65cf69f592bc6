// Package correlator groups related events into time-bounded aggregates.
// Groups are keyed by metadata fields and flushed when the window closes or
// the group reaches its size cap. A flush produces at most one notification.
package correlator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsrelay-systems/opsrelay/internal/logging"
	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// Config controls grouping and flush behavior.
type Config struct {
	// TimeWindow is the lifetime of a group measured from its first event.
	TimeWindow time.Duration
	// MaxGroupSize flushes a group immediately once reached.
	MaxGroupSize int
	// MinEvents is the member count below which a flushed group is
	// discarded without notification.
	MinEvents int
	// GroupBy names the metadata fields that form the group key.
	GroupBy []string
	// SweepInterval is how often Run checks for expired groups.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard correlation settings.
func DefaultConfig() Config {
	return Config{
		TimeWindow:    5 * time.Minute,
		MaxGroupSize:  25,
		MinEvents:     3,
		GroupBy:       []string{"service", "region"},
		SweepInterval: 30 * time.Second,
	}
}

// Notifier receives the aggregate produced by a qualifying group flush.
type Notifier interface {
	NotifyAggregate(ctx context.Context, agg *models.AggregateNotification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, agg *models.AggregateNotification) error

// NotifyAggregate calls the function.
func (f NotifierFunc) NotifyAggregate(ctx context.Context, agg *models.AggregateNotification) error {
	return f(ctx, agg)
}

// group is the open correlation state for one key. All access goes through
// its owning Correlator with the group lock held, so membership updates and
// the flush decision for a key are serialized.
type group struct {
	mu sync.Mutex

	key         string
	windowStart time.Time
	memberIDs   []string
	maxSeverity models.Severity
	flushed     bool
}

// Correlator maintains open groups and emits aggregates on flush.
type Correlator struct {
	cfg      Config
	notifier Notifier
	logger   *logging.Logger

	mu     sync.Mutex
	groups map[string]*group

	now func() time.Time
}

// New creates a correlator. Zero config fields fall back to defaults.
func New(cfg Config, notifier Notifier, logger *logging.Logger) *Correlator {
	def := DefaultConfig()
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = def.TimeWindow
	}
	if cfg.MaxGroupSize <= 0 {
		cfg.MaxGroupSize = def.MaxGroupSize
	}
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = def.MinEvents
	}
	if len(cfg.GroupBy) == 0 {
		cfg.GroupBy = def.GroupBy
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Correlator{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.WithComponent("correlator"),
		groups:   make(map[string]*group),
		now:      time.Now,
	}
}

// GroupKey derives the correlation key for an event from the configured
// metadata fields. Events carrying none of them fall back to their type, so
// every event correlates with something.
func (c *Correlator) GroupKey(event *models.Event) string {
	parts := make([]string, 0, len(c.cfg.GroupBy))
	for _, field := range c.cfg.GroupBy {
		if v := event.MetadataString(field); v != "" {
			parts = append(parts, field+"="+v)
		}
	}
	if len(parts) == 0 {
		return "type=" + event.EventType
	}
	return strings.Join(parts, "|")
}

// Observe adds an event to its correlation group. Membership follows the
// event's timestamp, not arrival time: a timestamp outside the open group's
// window flushes that group and starts a new one anchored at the timestamp.
// Reaching the size cap flushes immediately.
func (c *Correlator) Observe(ctx context.Context, event *models.Event) error {
	key := c.GroupKey(event)
	ts := event.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	for {
		g := c.getOrCreate(key, ts)

		g.mu.Lock()
		if g.flushed {
			// Lost a race with a concurrent flush of the same key.
			// The map no longer holds this group; retry against a
			// fresh one.
			g.mu.Unlock()
			continue
		}

		if ts.Before(g.windowStart) || !ts.Before(g.windowStart.Add(c.cfg.TimeWindow)) {
			if err := c.flushLocked(ctx, g, "window expired"); err != nil {
				g.mu.Unlock()
				return err
			}
			g.mu.Unlock()
			continue
		}

		g.memberIDs = append(g.memberIDs, event.EventID)
		if event.Severity > g.maxSeverity {
			g.maxSeverity = event.Severity
		}

		if len(g.memberIDs) >= c.cfg.MaxGroupSize {
			err := c.flushLocked(ctx, g, "size cap reached")
			g.mu.Unlock()
			return err
		}
		g.mu.Unlock()
		return nil
	}
}

// getOrCreate returns the open group for key, creating one anchored at the
// event's timestamp if absent.
func (c *Correlator) getOrCreate(key string, windowStart time.Time) *group {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[key]; ok {
		return g
	}
	g := &group{key: key, windowStart: windowStart}
	c.groups[key] = g
	return g
}

// flushLocked closes a group and notifies if it qualifies. The caller holds
// g.mu. The flushed flag guarantees each group notifies at most once even
// when the size cap and the sweep race.
func (c *Correlator) flushLocked(ctx context.Context, g *group, reason string) error {
	if g.flushed {
		return nil
	}
	g.flushed = true

	c.mu.Lock()
	if c.groups[g.key] == g {
		delete(c.groups, g.key)
	}
	c.mu.Unlock()

	if len(g.memberIDs) < c.cfg.MinEvents {
		c.logger.Debug("group discarded below minimum",
			"group_key", g.key, "member_count", len(g.memberIDs), "reason", reason)
		return nil
	}

	agg := &models.AggregateNotification{
		GroupKey:       g.key,
		MemberCount:    len(g.memberIDs),
		MaxSeverity:    g.maxSeverity,
		WindowStart:    g.windowStart,
		WindowEnd:      g.windowStart.Add(c.cfg.TimeWindow),
		MemberEventIDs: append([]string(nil), g.memberIDs...),
	}

	c.logger.Info("correlation group flushed",
		"group_key", g.key, "member_count", agg.MemberCount,
		"max_severity", agg.MaxSeverity.String(), "reason", reason)

	if c.notifier == nil {
		return nil
	}
	if err := c.notifier.NotifyAggregate(ctx, agg); err != nil {
		return fmt.Errorf("notify aggregate for %s: %w", g.key, err)
	}
	return nil
}

// Sweep flushes every group whose window has closed. Returns the number of
// groups flushed, counting those discarded below the minimum.
func (c *Correlator) Sweep(ctx context.Context) int {
	c.mu.Lock()
	expired := make([]*group, 0)
	now := c.now()
	for _, g := range c.groups {
		if !now.Before(g.windowStart.Add(c.cfg.TimeWindow)) {
			expired = append(expired, g)
		}
	}
	c.mu.Unlock()

	flushed := 0
	for _, g := range expired {
		g.mu.Lock()
		if !g.flushed {
			if err := c.flushLocked(ctx, g, "sweep"); err != nil {
				c.logger.Error("sweep flush failed", "group_key", g.key, "error", err)
			}
			flushed++
		}
		g.mu.Unlock()
	}
	return flushed
}

// Run sweeps expired groups on a fixed interval until the context is
// cancelled. A final sweep on shutdown flushes whatever remains open.
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	c.logger.Info("correlation sweep started", "interval", c.cfg.SweepInterval.String())

	for {
		select {
		case <-ctx.Done():
			n := c.Sweep(context.Background())
			c.logger.Info("correlation sweep stopped", "final_flushes", n)
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// ActiveGroups lists the keys of currently open groups, sorted.
func (c *Correlator) ActiveGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.groups))
	for k := range c.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
