package coordinator

import (
	"sync"

	"github.com/wonny/usef/backend/internal/ptu"
)

type reOptimizeFlag struct {
	running         bool
	toBeReoptimized bool
}

// FlagHolder is the single-flight guard of re-optimization: at most one
// run per date, and a request arriving mid-run is remembered instead of
// starting a second run. Every access takes the exclusive lock.
type FlagHolder struct {
	mu    sync.Mutex
	flags map[ptu.Date]*reOptimizeFlag
}

// NewFlagHolder creates an empty FlagHolder
func NewFlagHolder() *FlagHolder {
	return &FlagHolder{flags: make(map[ptu.Date]*reOptimizeFlag)}
}

// TryStart marks a run for date as running and returns true, or, when one
// is already running, sets the pending flag and returns false
func (h *FlagHolder) TryStart(date ptu.Date) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.flags[date]
	if !ok {
		f = &reOptimizeFlag{}
		h.flags[date] = f
	}
	if f.running {
		f.toBeReoptimized = true
		return false
	}
	f.running = true
	return true
}

// Finish is called when a run completes. It returns true, clearing the
// pending flag, when another run was requested meanwhile; otherwise it
// clears the running flag and returns false.
func (h *FlagHolder) Finish(date ptu.Date) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.flags[date]
	if !ok {
		return false
	}
	if f.toBeReoptimized {
		f.toBeReoptimized = false
		return true
	}
	delete(h.flags, date)
	return false
}

// Abort releases date after a run that cannot be repeated and reports
// whether a request was pending. The next trigger starts a fresh run.
func (h *FlagHolder) Abort(date ptu.Date) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.flags[date]
	delete(h.flags, date)
	return ok && f.toBeReoptimized
}

// State returns the flags of date
func (h *FlagHolder) State(date ptu.Date) (running, toBeReoptimized bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.flags[date]; ok {
		return f.running, f.toBeReoptimized
	}
	return false, false
}
