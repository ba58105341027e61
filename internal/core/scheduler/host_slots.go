package scheduler

import "sync"

// hostSlots caps the number of in-flight commands per host across all
// requests. A slot is taken when a command moves to QUEUED and given back by
// whoever moves it out of QUEUED/IN_PROGRESS.
type hostSlots struct {
	mu       sync.Mutex
	limit    int
	inFlight map[string]int
}

func newHostSlots(limit int) *hostSlots {
	if limit < 1 {
		limit = 1
	}
	return &hostSlots{limit: limit, inFlight: make(map[string]int)}
}

func (h *hostSlots) TryAcquire(host string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight[host] >= h.limit {
		return false
	}
	h.inFlight[host]++
	return true
}

// Force takes a slot regardless of the limit. Used when reseeding after a restart.
func (h *hostSlots) Force(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight[host]++
}

func (h *hostSlots) Release(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch n := h.inFlight[host]; {
	case n <= 1:
		delete(h.inFlight, host)
	default:
		h.inFlight[host] = n - 1
	}
}

func (h *hostSlots) InFlight(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inFlight[host]
}

func (h *hostSlots) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inFlight = make(map[string]int)
}

func (h *hostSlots) Snapshot() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.inFlight))
	for k, v := range h.inFlight {
		out[k] = v
	}
	return out
}
