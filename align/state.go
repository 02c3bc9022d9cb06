package align

import (
	"math"
	"sync"
	"time"
)

// Status is the JSON view of a StateTracker.
type Status struct {
	Source      string        `json:"source"`
	Target      string        `json:"target,omitempty"`
	Points      int           `json:"points"`
	TargetSize  int           `json:"targetSize"`
	Iteration   int           `json:"iteration"`
	Penalty     float64       `json:"penalty"`
	Residuals   ResidualStats `json:"residuals"`
	Termination Termination   `json:"termination"`
	Done        bool          `json:"done"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// StateTracker keeps the latest state of a running alignment for HTTP
// endpoints. Record is safe to call from the engine while readers poll.
type StateTracker struct {
	mu      sync.RWMutex
	source  string
	target  string
	started time.Time
	updated time.Time

	targetCloud PointCloud
	cloud       PointCloud
	last        Step
	hasStep     bool
	result      *Result
	err         error
}

// NewStateTracker creates a tracker for aligning source onto target.
func NewStateTracker(source, target string) *StateTracker {
	now := time.Now()
	return &StateTracker{source: source, target: target, started: now, updated: now}
}

// SetClouds records the initial working and target clouds.
func (st *StateTracker) SetClouds(source, target PointCloud) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cloud = source.Clone()
	st.targetCloud = target.Clone()
	st.updated = time.Now()
}

// Record stores s. It has the StepFunc signature.
func (st *StateTracker) Record(s Step) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.last = s
	st.hasStep = true
	st.cloud = s.Cloud
	st.updated = time.Now()
}

// Finish stores the outcome of the run.
func (st *StateTracker) Finish(r Result, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.result = &r
	st.err = err
	if r.Cloud != nil {
		st.cloud = r.Cloud
	}
	st.updated = time.Now()
}

// Status returns a snapshot for reporting.
func (st *StateTracker) Status() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s := Status{
		Source:      st.source,
		Target:      st.target,
		Points:      len(st.cloud),
		TargetSize:  len(st.targetCloud),
		Termination: Iterating,
		StartedAt:   st.started,
		UpdatedAt:   st.updated,
	}
	if st.hasStep {
		s.Iteration = st.last.Iteration
		s.Penalty = st.last.Penalty
		s.Residuals = st.last.Residuals
		s.Termination = st.last.Termination
	}
	if st.result != nil {
		s.Done = true
		s.Iteration = st.result.Iterations
		if !math.IsInf(st.result.Penalty, 0) {
			s.Penalty = st.result.Penalty // +Inf before the first step
		}
		s.Termination = st.result.Termination
	}
	if st.err != nil {
		s.Error = st.err.Error()
	}
	return s
}

// Clouds returns copies of the current working cloud and the target cloud.
func (st *StateTracker) Clouds() (working, target PointCloud) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cloud.Clone(), st.targetCloud.Clone()
}

// LastStep returns the most recent step, if any.
func (st *StateTracker) LastStep() (Step, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.last, st.hasStep
}
