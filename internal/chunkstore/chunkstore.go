// Package chunkstore buffers short binary media fragments per room for
// store-and-forward delivery.
//
// The store is append-only with ring-buffer semantics: each room keeps at most
// MaxChunksPerRoom chunks, evicting the oldest first, and a background sweeper
// drops chunks older than the retention window. Consumers poll with a
// timestamp cursor and receive only strictly newer chunks.
package chunkstore

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/signalmesh/relay/internal/metrics"
)

// Timestamp orders chunks. Wall-clock milliseconds are not unique under
// coarse clock resolution or concurrent appends, so a store-wide insertion
// sequence number breaks ties and makes the order strict.
type Timestamp struct {
	Millis int64
	Seq    uint64
}

// After reports whether t is strictly after other.
func (t Timestamp) After(other Timestamp) bool {
	if t.Millis != other.Millis {
		return t.Millis > other.Millis
	}
	return t.Seq > other.Seq
}

// Seconds returns the wall-clock part as epoch seconds with millisecond
// precision, which is the unit the polling HTTP surface speaks.
func (t Timestamp) Seconds() float64 {
	return float64(t.Millis) / 1000
}

// SinceSeconds converts an epoch-seconds cursor (possibly fractional) into a
// Timestamp that excludes every chunk stamped at or before that wall-clock
// millisecond. The product is rounded, not truncated: cursors are usually a
// chunk's own Seconds() value, and float64 cannot represent every millis/1000
// exactly, so truncation would land one millisecond early for some epochs and
// re-deliver the cursor chunk. Sub-millisecond precision beyond that is not
// representable on the wire.
func SinceSeconds(secs float64) Timestamp {
	return Timestamp{Millis: int64(math.Round(secs * 1000)), Seq: ^uint64(0)}
}

// Chunk is one stored fragment. Payload bytes are opaque and treated as
// immutable once appended.
type Chunk struct {
	Timestamp Timestamp
	Room      string
	Producer  string
	// ClientID is a client-generated opaque id consumers use to filter out
	// their own fragments. It is not the transport session handle: it survives
	// reconnects within a browsing session.
	ClientID string
	MIME     string
	Payload  []byte
}

// Config bounds the store. The zero value is usable via WithDefaults.
type Config struct {
	// MaxChunksPerRoom caps each room's buffer; the oldest chunks are evicted
	// first once the cap is hit.
	MaxChunksPerRoom int
	// Retention is the maximum age a chunk may reach before the sweeper drops
	// it.
	Retention time.Duration
}

const (
	DefaultMaxChunksPerRoom = 600
	DefaultRetention        = 30 * time.Second
)

func (c Config) WithDefaults() Config {
	if c.MaxChunksPerRoom <= 0 {
		c.MaxChunksPerRoom = DefaultMaxChunksPerRoom
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Store is the shared chunk buffer.
//
// Locking: a store-level RWMutex guards the room map, and each room buffer
// has its own mutex. Appends and queries in different rooms never contend;
// within one room every operation is linearized by the room mutex, so a query
// can never observe a half-written chunk.
type Store struct {
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomBuffer

	// tsMu serializes timestamp issuance so Millis never decreases and Seq is
	// strictly increasing. Timestamps are issued while holding the target
	// room's mutex, which keeps each room's buffer sorted by construction.
	tsMu       sync.Mutex
	lastMillis int64
	lastSeq    uint64
}

func New(cfg Config, m *metrics.Metrics) *Store {
	return &Store{
		cfg:     cfg.WithDefaults(),
		metrics: m,
		now:     time.Now,
		rooms:   make(map[string]*roomBuffer),
	}
}

type roomBuffer struct {
	mu     sync.Mutex
	chunks []Chunk
	// dead marks a buffer that the sweeper removed from the room map while an
	// appender still held a pointer to it. Appenders re-check after locking
	// and retry the map lookup instead of writing into a detached buffer.
	dead bool
}

// Append stores a fragment and returns its timestamp. When the room is at
// capacity the oldest chunk is dropped first; this is deliberate lossy
// backpressure, not an error.
func (s *Store) Append(room, producer, clientID, mime string, payload []byte) Timestamp {
	for {
		rb := s.buffer(room)
		rb.mu.Lock()
		if rb.dead {
			rb.mu.Unlock()
			continue
		}

		ts := s.nextTimestamp()
		rb.chunks = append(rb.chunks, Chunk{
			Timestamp: ts,
			Room:      room,
			Producer:  producer,
			ClientID:  clientID,
			MIME:      mime,
			Payload:   payload,
		})
		if over := len(rb.chunks) - s.cfg.MaxChunksPerRoom; over > 0 {
			rb.chunks = trimFront(rb.chunks, over)
			s.metrics.Add(metrics.ChunkEvictedCapacity, uint64(over))
		}
		rb.mu.Unlock()

		s.metrics.Inc(metrics.ChunkAppended)
		return ts
	}
}

// Query returns every chunk in room with a timestamp strictly after since, in
// ascending timestamp order. Unknown rooms yield an empty result, not an
// error: a consumer may legitimately poll before any producer has uploaded.
func (s *Store) Query(room string, since Timestamp) []Chunk {
	s.mu.RLock()
	rb := s.rooms[room]
	s.mu.RUnlock()
	if rb == nil {
		return nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Buffers are sorted by construction; find the first chunk after since.
	i := sort.Search(len(rb.chunks), func(i int) bool {
		return rb.chunks[i].Timestamp.After(since)
	})
	if i == len(rb.chunks) {
		return nil
	}
	out := make([]Chunk, len(rb.chunks)-i)
	copy(out, rb.chunks[i:])
	return out
}

// EvictExpired drops every chunk stamped before cutoff and deletes rooms that
// become empty. It locks one room at a time so producers and consumers in
// unrelated rooms are never stalled. Returns the number of chunks evicted.
func (s *Store) EvictExpired(cutoff time.Time) int {
	cutoffMillis := cutoff.UnixMilli()

	s.mu.RLock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	s.mu.RUnlock()

	evicted := 0
	for _, name := range names {
		evicted += s.evictRoom(name, cutoffMillis)
	}
	if evicted > 0 {
		s.metrics.Add(metrics.ChunkEvictedRetention, uint64(evicted))
	}
	return evicted
}

func (s *Store) evictRoom(room string, cutoffMillis int64) int {
	s.mu.RLock()
	rb := s.rooms[room]
	s.mu.RUnlock()
	if rb == nil {
		return 0
	}

	rb.mu.Lock()
	n := 0
	for n < len(rb.chunks) && rb.chunks[n].Timestamp.Millis < cutoffMillis {
		n++
	}
	if n > 0 {
		rb.chunks = trimFront(rb.chunks, n)
	}
	empty := len(rb.chunks) == 0
	rb.mu.Unlock()

	if empty {
		s.deleteIfEmpty(room, rb)
	}
	return n
}

// deleteIfEmpty removes an emptied room entry from the map. The re-check
// under both locks closes the race with concurrent appends; a buffer is only
// marked dead once it is provably empty and unreachable.
func (s *Store) deleteIfEmpty(room string, rb *roomBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[room] != rb {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.chunks) != 0 {
		return
	}
	rb.dead = true
	delete(s.rooms, room)
}

// RoomCount returns the number of rooms currently holding chunks.
func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Len returns the number of chunks currently stored for room.
func (s *Store) Len(room string) int {
	s.mu.RLock()
	rb := s.rooms[room]
	s.mu.RUnlock()
	if rb == nil {
		return 0
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.chunks)
}

func (s *Store) buffer(room string) *roomBuffer {
	s.mu.RLock()
	rb := s.rooms[room]
	s.mu.RUnlock()
	if rb != nil {
		return rb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rb = s.rooms[room]; rb != nil {
		return rb
	}
	rb = &roomBuffer{}
	s.rooms[room] = rb
	return rb
}

func (s *Store) nextTimestamp() Timestamp {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	millis := s.now().UnixMilli()
	if millis < s.lastMillis {
		// Wall clock went backwards; hold the line so ordering stays
		// non-decreasing.
		millis = s.lastMillis
	}
	s.lastMillis = millis
	s.lastSeq++
	return Timestamp{Millis: millis, Seq: s.lastSeq}
}

// trimFront drops the first n elements and reallocates so the backing array
// does not pin evicted payloads.
func trimFront(chunks []Chunk, n int) []Chunk {
	if n >= len(chunks) {
		return nil
	}
	out := make([]Chunk, len(chunks)-n)
	copy(out, chunks[n:])
	return out
}
