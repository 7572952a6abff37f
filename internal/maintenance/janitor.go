// Package maintenance runs periodic housekeeping on a cron schedule:
// expiring idle flows, watching the settings store and probing the
// upstream bridges.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ndvalle/mostrador/internal/conversation"
	"github.com/ndvalle/mostrador/internal/events"
	"github.com/ndvalle/mostrador/internal/notify"
	"github.com/ndvalle/mostrador/internal/settings"
	"github.com/ndvalle/mostrador/internal/transport"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Report summarizes one housekeeping pass.
type Report struct {
	At           time.Time         `json:"at"`
	FlowsExpired int               `json:"flows_expired"`
	Settings     string            `json:"settings_status,omitempty"`
	Upstreams    map[string]string `json:"upstreams,omitempty"` // name → "ok" or error text
	Errors       []string          `json:"errors,omitempty"`
}

// Janitor runs housekeeping passes.
type Janitor struct {
	convs    *conversation.Repository
	settings *settings.Service
	checkers map[string]transport.HealthChecker
	notifier notify.Notifier
	events   *events.Emitter
	schedule cron.Schedule
	flowTTL  time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu   sync.Mutex
	down map[string]bool // upstreams currently failing
	last *Report
}

// Opts holds parameters for creating a Janitor.
type Opts struct {
	Conversations *conversation.Repository
	Settings      *settings.Service                  // optional
	Checkers      map[string]transport.HealthChecker // optional, keyed by display name
	Notifier      notify.Notifier                    // optional
	Events        *events.Emitter                    // optional
	Cron          string                             // 5-field expression
	FlowTTL       time.Duration
	Now           func() time.Time
	Log           *zerolog.Logger
}

// New creates a Janitor.
func New(opts Opts) (*Janitor, error) {
	if opts.Conversations == nil {
		return nil, fmt.Errorf("maintenance: conversation repository is required")
	}
	if opts.FlowTTL <= 0 {
		return nil, fmt.Errorf("maintenance: flow ttl must be positive")
	}
	sched, err := cronParser.Parse(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("maintenance: cron %q: %w", opts.Cron, err)
	}
	j := &Janitor{
		convs:    opts.Conversations,
		settings: opts.Settings,
		checkers: opts.Checkers,
		notifier: opts.Notifier,
		events:   opts.Events,
		schedule: sched,
		flowTTL:  opts.FlowTTL,
		now:      opts.Now,
		log:      zerolog.Nop(),
		down:     make(map[string]bool),
	}
	if j.notifier == nil {
		j.notifier = notify.Nop{}
	}
	if j.now == nil {
		j.now = time.Now
	}
	if opts.Log != nil {
		j.log = *opts.Log
	}
	return j, nil
}

// Next returns the first run time after from.
func (j *Janitor) Next(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// Last returns the most recent report, or nil before the first pass.
func (j *Janitor) Last() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Run executes a pass on every schedule tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		wait := time.Until(j.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		j.RunOnce(ctx)
	}
}

// RunOnce performs one housekeeping pass. Failures are collected in the
// report and logged; a pass never stops half way.
func (j *Janitor) RunOnce(ctx context.Context) *Report {
	now := j.now().UTC()
	r := &Report{At: now}

	n, err := j.convs.ExpireFlows(ctx, now.Add(-j.flowTTL))
	r.FlowsExpired = n
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
		j.log.Error().Err(err).Msg("expire flows")
	} else if n > 0 {
		j.log.Info().Int("count", n).Dur("ttl", j.flowTTL).Msg("expired idle flows")
	}

	if j.settings != nil {
		h := j.settings.Health(ctx)
		r.Settings = h.Status
		if !h.StoreOK {
			r.Errors = append(r.Errors, "settings store: "+h.StoreError)
			j.log.Warn().Str("status", h.Status).Str("error", h.StoreError).Msg("settings store unreachable")
		}
	}

	if len(j.checkers) > 0 {
		r.Upstreams = make(map[string]string, len(j.checkers))
		names := make([]string, 0, len(j.checkers))
		for name := range j.checkers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r.Upstreams[name] = j.checkUpstream(ctx, name, j.checkers[name])
		}
	}

	j.mu.Lock()
	j.last = r
	j.mu.Unlock()
	return r
}

// checkUpstream checks one upstream and alerts on the healthy → failing edge only.
func (j *Janitor) checkUpstream(ctx context.Context, name string, hc transport.HealthChecker) string {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := hc.Health(pctx)

	j.mu.Lock()
	wasDown := j.down[name]
	j.down[name] = err != nil
	j.mu.Unlock()

	if err == nil {
		if wasDown {
			j.log.Info().Str("upstream", name).Msg("upstream recovered")
			j.events.Publish(events.InstanceStatus, 0, map[string]any{"upstream": name, "status": "ok"})
		}
		return "ok"
	}
	j.log.Warn().Err(err).Str("upstream", name).Msg("upstream health check failed")
	if !wasDown {
		j.events.Publish(events.InstanceStatus, 0, map[string]any{"upstream": name, "status": "down", "error": err.Error()})
		alert := notify.Alert{
			Kind:   notify.KindInstanceDown,
			Title:  "Sin conexión con " + name,
			Text:   err.Error(),
			Fields: map[string]string{"Upstream": name},
		}
		if nerr := j.notifier.Notify(ctx, alert); nerr != nil {
			j.log.Warn().Err(nerr).Msg("upstream alert failed")
		}
	}
	return err.Error()
}
