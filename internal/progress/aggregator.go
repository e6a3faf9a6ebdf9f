package progress

import (
	"github.com/raphaelgruber/kg/internal/jobs"
)

// StageStatus is the display state of one stage.
type StageStatus string

const (
	StageWaiting   StageStatus = "waiting"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
)

// StageView is the render model of one stage.
type StageView struct {
	Name          string
	Label         string
	Status        StageStatus
	Current       int
	Total         int
	Percent       float64 // 0-100, never decreases
	Indeterminate bool    // active without a ratio or percent
	Message       string
}

// Ratio returns Percent as a 0-1 fraction for progress bars.
func (v StageView) Ratio() float64 {
	return v.Percent / 100
}

type stage struct {
	def        StageDef
	status     StageStatus
	current    int
	total      int
	counted    bool
	percent    float64
	hasPercent bool
	message    string
}

// Aggregator turns a stream of progress snapshots, possibly reordered,
// partial or redelivered, into a monotonic per-stage model.
//
// An Aggregator belongs to a single tracking operation and is not safe for
// concurrent use.
type Aggregator struct {
	stages  []stage
	index   map[string]int
	dynamic bool
	frozen  bool
}

// NewAggregator declares the stages up front, in display order. With no
// stages the aggregator is dynamic: unknown stage names are appended in the
// order they are first seen instead of being ignored.
func NewAggregator(defs []StageDef) *Aggregator {
	a := &Aggregator{
		index:   make(map[string]int),
		dynamic: len(defs) == 0,
	}
	for _, d := range defs {
		a.declare(d)
	}
	return a
}

func (a *Aggregator) declare(d StageDef) int {
	if d.Label == "" {
		d.Label = d.Name
	}
	i := len(a.stages)
	a.stages = append(a.stages, stage{def: d, status: StageWaiting})
	a.index[StageKey(d.Name)] = i
	for _, alias := range d.Aliases {
		if _, taken := a.index[StageKey(alias)]; !taken {
			a.index[StageKey(alias)] = i
		}
	}
	return i
}

// Apply folds one snapshot into the model. It reports whether the model
// changed. Unmatched stages, snapshots arriving after Complete or Freeze,
// and snapshots for completed stages are ignored.
func (a *Aggregator) Apply(p jobs.Progress) bool {
	if a.frozen {
		return false
	}
	u := Normalize(p)
	if u.Stage == "" {
		return false
	}

	i, ok := a.index[u.Stage]
	if !ok {
		if !a.dynamic {
			return false
		}
		i = a.declare(StageDef{Name: u.Stage, Label: p.Stage})
	}

	s := &a.stages[i]
	if s.status == StageCompleted {
		return false
	}

	// Redelivered or reordered snapshot; keep the newer state.
	if u.Counted && s.counted && u.Total == s.total && u.Current < s.current {
		return false
	}

	before := s.state()
	if u.Message != "" {
		s.message = u.Message
	}

	switch {
	case u.Counted:
		s.current, s.total, s.counted = u.Current, u.Total, true
		if s.total > 0 {
			s.raisePercent(float64(s.current) / float64(s.total) * 100)
		}
		if s.total > 0 && s.current == s.total {
			s.status = StageCompleted
			s.percent = 100
		} else {
			s.status = StageActive
		}
	case u.HasCurrent:
		// Total unknown; completion is left to Complete.
		s.current = max(s.current, u.Current)
		if u.Percent != nil {
			s.raisePercent(*u.Percent)
			s.hasPercent = true
		}
		s.status = StageActive
	case u.Percent != nil:
		s.raisePercent(*u.Percent)
		s.hasPercent = true
		s.status = StageActive
	default:
		s.status = StageActive
	}

	return s.state() != before
}

// stageState is the comparable part of a stage.
type stageState struct {
	status     StageStatus
	current    int
	total      int
	counted    bool
	percent    float64
	hasPercent bool
	message    string
}

func (s *stage) state() stageState {
	return stageState{s.status, s.current, s.total, s.counted, s.percent, s.hasPercent, s.message}
}

func (s *stage) raisePercent(p float64) {
	if p > 100 {
		p = 100
	}
	if p > s.percent {
		s.percent = p
	}
}

// Complete applies terminal success: every active stage becomes completed,
// with total backfilled from current when no total was ever reported. The
// model is frozen afterward.
func (a *Aggregator) Complete() {
	for i := range a.stages {
		s := &a.stages[i]
		if s.status != StageActive {
			continue
		}
		s.status = StageCompleted
		if s.total == 0 {
			s.total = s.current
		}
		s.percent = 100
	}
	a.frozen = true
}

// Freeze stops accepting updates without completing anything, for failed or
// cancelled jobs.
func (a *Aggregator) Freeze() {
	a.frozen = true
}

// Frozen reports whether a terminal notification has been applied.
func (a *Aggregator) Frozen() bool {
	return a.frozen
}

// Views returns a copy of the model in declared order.
func (a *Aggregator) Views() []StageView {
	views := make([]StageView, len(a.stages))
	for i, s := range a.stages {
		views[i] = StageView{
			Name:          s.def.Name,
			Label:         s.def.Label,
			Status:        s.status,
			Current:       s.current,
			Total:         s.total,
			Percent:       s.percent,
			Indeterminate: s.status == StageActive && !s.counted && !s.hasPercent,
			Message:       s.message,
		}
	}
	return views
}

// Overall returns overall completion (0-1): completed stages count fully,
// the others by their own percent.
func (a *Aggregator) Overall() float64 {
	if len(a.stages) == 0 {
		return 0
	}
	var sum float64
	for _, s := range a.stages {
		if s.status == StageCompleted {
			sum += 1
			continue
		}
		sum += s.percent / 100
	}
	return sum / float64(len(a.stages))
}
