package signaling

import (
	"encoding/json"

	"github.com/signalmesh/relay/internal/metrics"
	"github.com/signalmesh/relay/internal/registry"
)

// Router delivers events to live connections. It is purely an addressing
// layer: payloads pass through untouched, and delivery is fire-and-forget
// through each connection's send queue so a slow recipient never stalls the
// sender.
type Router struct {
	reg     *registry.Registry
	metrics *metrics.Metrics

	conns *connTable
}

func NewRouter(reg *registry.Registry, m *metrics.Metrics) *Router {
	return &Router{
		reg:     reg,
		metrics: m,
		conns:   newConnTable(),
	}
}

// Unicast delivers an event to the connection identified by to, if it is
// live. An unreachable target is a silent no-op rather than an error so a
// sender cannot probe who is connected; the drop is still counted for
// operators. Each send increments exactly one of the relayed or
// unknown-target counters.
func (r *Router) Unicast(to registry.Handle, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	sess := r.conns.get(to)
	if sess == nil {
		r.metrics.Inc(metrics.SignalUnknownTarget)
		return
	}
	sess.enqueue(data)
	r.metrics.Inc(metrics.SignalRelayed)
}

// Broadcast delivers an event to every current member of room except
// exclude. The membership snapshot is taken once; members joining mid-
// broadcast are not notified, matching per-room serialization of mutations.
func (r *Router) Broadcast(room string, event any, exclude registry.Handle) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	for _, m := range r.reg.Members(room) {
		if m.Handle == exclude {
			continue
		}
		if sess := r.conns.get(m.Handle); sess != nil {
			sess.enqueue(data)
		}
	}
}

func (r *Router) attach(s *session) { r.conns.add(s) }
func (r *Router) detach(s *session) { r.conns.remove(s) }
