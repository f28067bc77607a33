package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/sampler"
)

// State is where a kind's cycle currently is
type State string

const (
	StateIdle        State = "idle"
	StateSampling    State = "sampling"
	StateEvaluating  State = "evaluating"
	StateDispatching State = "dispatching"
	StateDisabled    State = "disabled"
)

// KindStatus is a snapshot of one kind's loop
type KindStatus struct {
	Kind      core.SignalKind `json:"kind"`
	State     State           `json:"state"`
	Scheduled bool            `json:"scheduled"`
	Cycles    int64           `json:"cycles"`
	Emitted   int64           `json:"emitted"`
	LastRun   *time.Time      `json:"last_run,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// kindLoop owns one sampler and its cycle bookkeeping. busy guarantees at
// most one cycle, including its dispatch, per kind.
type kindLoop struct {
	kind    core.SignalKind
	sampler sampler.Sampler
	taskID  string

	busy    atomic.Bool
	cycles  atomic.Int64
	emitted atomic.Int64

	mu        sync.Mutex
	state     State
	scheduled bool
	disabled  bool
	lastRun   time.Time
	lastErr   string
}

func newKindLoop(kind core.SignalKind, s sampler.Sampler) *kindLoop {
	return &kindLoop{
		kind:    kind,
		sampler: s,
		taskID:  "pipeline." + string(kind),
		state:   StateIdle,
	}
}

// acquire claims the loop for one cycle
func (l *kindLoop) acquire() bool {
	l.mu.Lock()
	disabled := l.disabled
	l.mu.Unlock()
	if disabled {
		return false
	}
	if !l.busy.CompareAndSwap(false, true) {
		return false
	}
	l.cycles.Add(1)
	l.mu.Lock()
	l.lastRun = time.Now()
	l.mu.Unlock()
	return true
}

func (l *kindLoop) release() {
	l.setState(StateIdle)
	l.busy.Store(false)
}

func (l *kindLoop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		l.state = StateDisabled
		return
	}
	l.state = s
}

func (l *kindLoop) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		l.lastErr = ""
		return
	}
	l.lastErr = err.Error()
}

func (l *kindLoop) disable(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = true
	l.state = StateDisabled
	if err != nil {
		l.lastErr = err.Error()
	}
}

func (l *kindLoop) isDisabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled
}

func (l *kindLoop) setScheduled(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scheduled = v
}

func (l *kindLoop) status() KindStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := KindStatus{
		Kind:      l.kind,
		State:     l.state,
		Scheduled: l.scheduled,
		Cycles:    l.cycles.Load(),
		Emitted:   l.emitted.Load(),
		LastError: l.lastErr,
	}
	if !l.lastRun.IsZero() {
		t := l.lastRun
		st.LastRun = &t
	}
	return st
}
