package metrics

import "sync"

// Event counter names used across the relay.
const (
	RoomCreated   = "room_created"
	RoomDeleted   = "room_deleted"
	Join          = "join"
	Leave         = "leave"
	Disconnect    = "disconnect"
	SignalRelayed = "signal_relayed"
	// SignalUnknownTarget counts unicasts whose target was not live. The send
	// is silently dropped on the wire (to avoid leaking presence) but still
	// visible here for operators.
	SignalUnknownTarget = "signal_unknown_target"
	SignalRateLimited   = "signal_rate_limited"
	SendQueueOverflow   = "send_queue_overflow"

	ChunkAppended         = "chunk_appended"
	ChunkEvictedCapacity  = "chunk_evicted_capacity"
	ChunkEvictedRetention = "chunk_evicted_retention"
	Upload                = "upload"
	Poll                  = "poll"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type keeps the relay's accounting testable and scrapeable without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc increments a counter. A nil receiver is a no-op so components can treat
// metrics as optional.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
