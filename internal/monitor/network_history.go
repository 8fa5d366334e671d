package monitor

import (
	"sync"
	"time"
)

// networkStats is one cumulative interface-counter sample. Counters come
// straight from the OS and only ever grow, except across an interface
// reset.
type networkStats struct {
	bytesReceived uint64
	bytesSent     uint64
	at            time.Time
}

// networkHistory keeps a short ring of counter samples so the status
// endpoint can report a smoothed transfer speed instead of the jittery
// delta between two adjacent polls.
type networkHistory struct {
	mu     sync.RWMutex
	window time.Duration
	max    int
	items  []networkStats
}

func newNetworkHistory(max int, window time.Duration) *networkHistory {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = 6 * time.Second
	}
	return &networkHistory{max: max, window: window}
}

func (h *networkHistory) Add(s networkStats) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = append(h.items, s)
	if len(h.items) > h.max {
		h.items = h.items[len(h.items)-h.max:]
	}
}

// CalculateSpeed averages bytes/sec between the oldest and newest samples
// that fall inside the window ending at now. Fewer than two in-window
// samples, or a counter that went backwards (interface reset), report zero.
func (h *networkHistory) CalculateSpeed(now time.Time) (receivedSpeed, sentSpeed float64) {
	if h == nil {
		return 0, 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	// Samples are appended in time order, so the in-window suffix starts
	// at the first sample (scanning backwards) that is still recent enough.
	start := len(h.items)
	for start > 0 && now.Sub(h.items[start-1].at) <= h.window {
		start--
	}
	recent := h.items[start:]
	if len(recent) < 2 {
		return 0, 0
	}

	oldest, newest := recent[0], recent[len(recent)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	if newest.bytesReceived < oldest.bytesReceived || newest.bytesSent < oldest.bytesSent {
		return 0, 0
	}

	receivedSpeed = float64(newest.bytesReceived-oldest.bytesReceived) / dt
	sentSpeed = float64(newest.bytesSent-oldest.bytesSent) / dt
	return receivedSpeed, sentSpeed
}
