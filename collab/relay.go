package collab

import (
	"docsync-server/core"
	"docsync-server/metrics"
	"time"

	"github.com/sirupsen/logrus"
)

// Relay forwards deltas to the other members of a document's room.
type Relay struct {
	registry *Registry
}

func NewRelay(registry *Registry) *Relay {
	return &Relay{registry: registry}
}

// Relay queues delta as receive-changes on every member of documentID's room
// except from, in one pass under the room lock, so each member sees the
// room's deltas in the order they were relayed. A sibling that cannot take
// the message loses only that message. It returns the number of siblings
// the delta was queued for.
func (rl *Relay) Relay(from SessionID, documentID string, delta core.Content) (int, error) {
	rm := rl.registry.lockExistingRoom(documentID)
	if rm == nil {
		return 0, ErrNotAttached
	}
	defer rm.mu.Unlock()

	if _, ok := rm.members[from]; !ok {
		return 0, ErrNotAttached
	}

	rm.lastActive = time.Now().UnixMilli()
	delivered := 0
	for id, member := range rm.members {
		if id == from {
			continue
		}

		member.mu.Lock()
		gen := member.generation
		member.mu.Unlock()

		if !member.enqueue(envelope{gen: gen, event: EventReceiveChanges, payload: delta}) {
			metrics.DeltaDeliveryFailuresTotal.Inc()
			logrus.WithFields(logrus.Fields{
				"document_id": documentID,
				"session_id":  id,
				"from":        from,
			}).Warn("Sibling outbox full, delta dropped")
			continue
		}
		delivered++
	}

	metrics.DeltasRelayedTotal.Add(float64(delivered))
	return delivered, nil
}
