package orchestrator

import (
	"context"
	"sync"

	"organ_dispatch/internal/domain"
)

// Finalizer is one link of a job's completion chain.
type Finalizer func(ctx context.Context, jobID string)

// SchedulerState is the in-memory bookkeeping of one Service. It lives as long
// as the process; nothing in it is persisted.
type SchedulerState struct {
	mu sync.Mutex

	dispatching map[string]struct{}
	finalizers  map[string][]Finalizer
	firing      map[string]struct{}
	anchors     map[string]string
	noticeSent  map[string]struct{}
	stops       map[string]domain.StopMode
}

func NewSchedulerState() *SchedulerState {
	return &SchedulerState{
		dispatching: make(map[string]struct{}),
		finalizers:  make(map[string][]Finalizer),
		firing:      make(map[string]struct{}),
		anchors:     make(map[string]string),
		noticeSent:  make(map[string]struct{}),
		stops:       make(map[string]domain.StopMode),
	}
}

// tryStartDispatch adds parentID to the dispatch guard. It reports false when
// a sequence for that parent is already running.
func (st *SchedulerState) tryStartDispatch(parentID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.dispatching[parentID]; ok {
		return false
	}
	st.dispatching[parentID] = struct{}{}
	return true
}

func (st *SchedulerState) endDispatch(parentID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.dispatching, parentID)
}

func (st *SchedulerState) Dispatching(parentID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.dispatching[parentID]
	return ok
}

// register appends fns to the job's completion chain.
func (st *SchedulerState) register(jobID string, fns ...Finalizer) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.finalizers[jobID] = append(st.finalizers[jobID], fns...)
}

// tryRegister installs fns as the job's chain only when no chain is registered
// or firing. The check and the insert happen under one lock.
func (st *SchedulerState) tryRegister(jobID string, fns ...Finalizer) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.finalizers[jobID]; ok {
		return false
	}
	if _, ok := st.firing[jobID]; ok {
		return false
	}
	st.finalizers[jobID] = append([]Finalizer(nil), fns...)
	return true
}

func (st *SchedulerState) unregister(jobID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.finalizers, jobID)
}

// HasFinalizer reports whether a completion chain is registered or running.
func (st *SchedulerState) HasFinalizer(jobID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.finalizers[jobID]; ok {
		return true
	}
	_, ok := st.firing[jobID]
	return ok
}

// take removes the chain for jobID and marks it firing until doneFiring.
// A second take for the same job returns nil.
func (st *SchedulerState) take(jobID string) []Finalizer {
	st.mu.Lock()
	defer st.mu.Unlock()
	fns, ok := st.finalizers[jobID]
	if !ok {
		return nil
	}
	delete(st.finalizers, jobID)
	st.firing[jobID] = struct{}{}
	return fns
}

func (st *SchedulerState) doneFiring(jobID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.firing, jobID)
}

func (st *SchedulerState) setAnchor(jobID, parentID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.anchors[jobID] = parentID
}

func (st *SchedulerState) anchorParent(jobID string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	p, ok := st.anchors[jobID]
	return p, ok
}

func (st *SchedulerState) dropAnchor(jobID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.anchors, jobID)
}

// markNoticeSent records the completion notice for parentID and reports
// whether this call was the first.
func (st *SchedulerState) markNoticeSent(parentID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.noticeSent[parentID]; ok {
		return false
	}
	st.noticeSent[parentID] = struct{}{}
	return true
}

func (st *SchedulerState) requestStop(jobID string, mode domain.StopMode) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stops[jobID] = mode
}

func (st *SchedulerState) stopMode(jobID string) (domain.StopMode, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	mode, ok := st.stops[jobID]
	return mode, ok
}

func (st *SchedulerState) clearStop(jobID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.stops, jobID)
}
