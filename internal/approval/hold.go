package approval

import (
	"context"
	"fmt"
	"time"
)

// HoldState is the state of a hold-to-confirm gate.
type HoldState string

const (
	HoldIdle      HoldState = "idle"
	HoldArmed     HoldState = "armed"
	HoldConfirmed HoldState = "confirmed"
	HoldTimedOut  HoldState = "timed_out"
	HoldCancelled HoldState = "cancelled"
)

// HoldConfig times a hold gate.
type HoldConfig struct {
	Duration          time.Duration // how long the key must be held
	PollInterval      time.Duration // tick spacing; a gap this long means release
	InactivityTimeout time.Duration // abort if nothing is pressed for this long
}

// DefaultHoldConfig holds for 3s, checked every 500ms, and gives up after 10s
// without input.
var DefaultHoldConfig = HoldConfig{
	Duration:          3 * time.Second,
	PollInterval:      500 * time.Millisecond,
	InactivityTimeout: 10 * time.Second,
}

// Key is one input to a hold gate.
type Key struct {
	At    time.Time
	Abort bool
}

// HoldGate is a pure state machine: it never reads the clock itself, every
// input carries its time. idle -> armed -> confirmed, or timed_out /
// cancelled from idle or armed.
type HoldGate struct {
	cfg       HoldConfig
	state     HoldState
	startedAt time.Time
	armedAt   time.Time
	lastInput time.Time
	ticks     int // ticks seen while armed
	message   string
}

// NewHoldGate creates an idle gate whose inactivity window starts at now.
func NewHoldGate(cfg HoldConfig, now time.Time) *HoldGate {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultHoldConfig.Duration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultHoldConfig.PollInterval
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultHoldConfig.InactivityTimeout
	}
	return &HoldGate{cfg: cfg, state: HoldIdle, startedAt: now, lastInput: now}
}

// State returns the current state.
func (g *HoldGate) State() HoldState { return g.state }

// Message explains a timed-out or cancelled gate.
func (g *HoldGate) Message() string { return g.message }

// Done reports whether the gate reached a final state.
func (g *HoldGate) Done() bool {
	return g.state != HoldIdle && g.state != HoldArmed
}

// Confirmed reports whether the hold completed.
func (g *HoldGate) Confirmed() bool { return g.state == HoldConfirmed }

// Held returns the fraction of the hold completed at t, in [0, 1].
func (g *HoldGate) Held(t time.Time) float64 {
	switch g.state {
	case HoldConfirmed:
		return 1
	case HoldArmed:
		f := float64(t.Sub(g.armedAt)) / float64(g.cfg.Duration)
		return min(max(f, 0), 1)
	}
	return 0
}

// Press records a key press (or auto-repeat) at t.
func (g *HoldGate) Press(t time.Time) HoldState {
	switch g.state {
	case HoldIdle:
		g.state = HoldArmed
		g.armedAt = t
		g.lastInput = t
		g.ticks = 0
	case HoldArmed:
		g.lastInput = t
		if t.Sub(g.armedAt) >= g.cfg.Duration {
			g.state = HoldConfirmed
		}
	}
	return g.state
}

// Abort cancels an unfinished gate.
func (g *HoldGate) Abort() HoldState {
	if !g.Done() {
		g.state = HoldCancelled
		g.message = "cancelled"
	}
	return g.state
}

// Tick advances the gate's clock to t.
func (g *HoldGate) Tick(t time.Time) HoldState {
	switch g.state {
	case HoldIdle:
		if t.Sub(g.startedAt) >= g.cfg.InactivityTimeout {
			g.state = HoldTimedOut
			g.message = fmt.Sprintf("no key held within %s; nothing was done", g.cfg.InactivityTimeout)
		}

	case HoldArmed:
		g.ticks++
		idle := t.Sub(g.lastInput)
		switch {
		case t.Sub(g.armedAt) >= g.cfg.Duration && idle < g.cfg.PollInterval:
			g.state = HoldConfirmed
		// The first tick after arming is grace for the keyboard's repeat delay.
		case g.ticks > 1 && idle >= g.cfg.PollInterval:
			g.state = HoldCancelled
			g.message = fmt.Sprintf("released too early: hold for %s to confirm", g.cfg.Duration)
		case idle >= g.cfg.InactivityTimeout:
			g.state = HoldTimedOut
			g.message = fmt.Sprintf("no input for %s; nothing was done", g.cfg.InactivityTimeout)
		}
	}
	return g.state
}

// Confirm drives the gate from keys and ticks until it finishes. A closed
// keys channel counts as an abort. onChange, if set, is called after every
// input. The error is non-nil only when ctx ends first.
func (g *HoldGate) Confirm(ctx context.Context, keys <-chan Key, ticks <-chan time.Time, onChange func(*HoldGate)) (bool, error) {
	for !g.Done() {
		select {
		case <-ctx.Done():
			g.Abort()
			return false, ctx.Err()
		case k, ok := <-keys:
			if !ok || k.Abort {
				g.Abort()
			} else {
				g.Press(k.At)
			}
		case t := <-ticks:
			g.Tick(t)
		}
		if onChange != nil {
			onChange(g)
		}
	}
	return g.Confirmed(), nil
}
