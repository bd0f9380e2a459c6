package collab

import (
	"docsync-server/core"
	"docsync-server/metrics"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// room is the set of sessions attached to one document. Its mutex
// serializes membership changes and fan-out for the document. A closed
// room has been removed from the registry and must not be reused.
type room struct {
	id         string
	mu         sync.Mutex
	members    map[SessionID]*Session
	closed     bool
	lastActive int64 // unix ms of the last attach or relay
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive int64  `json:"lastActive,omitempty"`
}

// Registry owns every connected session and the rooms derived from their
// attachments. The registry mutex is never held while waiting on a room.
type Registry struct {
	outboxSize int

	mu       sync.Mutex
	sessions map[SessionID]*Session
	rooms    map[string]*room
}

func NewRegistry(outboxSize int) *Registry {
	return &Registry{
		outboxSize: outboxSize,
		sessions:   make(map[SessionID]*Session),
		rooms:      make(map[string]*room),
	}
}

// Connect registers a new session for peer in state Connected.
func (r *Registry) Connect(peer Peer) *Session {
	s := newSession(peer, r.outboxSize)

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	s.log.Debug("Session connected")
	return s
}

func (r *Registry) Session(id SessionID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// lockRoom returns the live room for documentID, creating it if needed,
// with its mutex held.
func (r *Registry) lockRoom(documentID string) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[documentID]
		if !ok {
			rm = &room{id: documentID, members: make(map[SessionID]*Session)}
			r.rooms[documentID] = rm
			metrics.RoomsActive.Inc()
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// lockExistingRoom is lockRoom without creation; it returns nil when the
// document has no room.
func (r *Registry) lockExistingRoom(documentID string) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[documentID]
		r.mu.Unlock()
		if !ok {
			return nil
		}

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// releaseRoom unlocks rm, first removing it from the registry if it is empty.
func (r *Registry) releaseRoom(rm *room) {
	if len(rm.members) == 0 {
		rm.closed = true
		r.mu.Lock()
		if r.rooms[rm.id] == rm {
			delete(r.rooms, rm.id)
			metrics.RoomsActive.Dec()
		}
		r.mu.Unlock()
	}
	rm.mu.Unlock()
}

// attach makes s a member of documentID's room and queues content as the
// session's load-document message, ahead of any delta relayed to the room
// afterwards. Re-attaching to the same document re-sends the content
// without touching membership; attaching to another document detaches from
// the current one first. It returns the room size after the attach, or
// ErrOutboxFull, leaving the session unattached, if load-document could not
// be queued.
func (r *Registry) attach(s *Session, documentID string, content core.Content) (int, error) {
	if current := s.DocumentID(); current != "" && current != documentID {
		r.detach(s)
	}

	rm := r.lockRoom(documentID)
	defer r.releaseRoom(rm)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	if _, member := rm.members[s.id]; !member || s.documentID != documentID {
		s.generation++
	}
	s.documentID = documentID
	s.pending = false
	gen := s.generation
	s.mu.Unlock()

	rm.members[s.id] = s
	rm.lastActive = time.Now().UnixMilli()
	if !s.enqueue(envelope{gen: gen, event: EventLoadDocument, payload: content}) {
		// Not attached unless the content is on its way.
		delete(rm.members, s.id)
		s.mu.Lock()
		if s.documentID == documentID && s.generation == gen {
			s.documentID = ""
			s.generation++
		}
		s.mu.Unlock()
		s.log.WithField("document_id", documentID).Warn("Outbox full, attach rolled back")
		return 0, ErrOutboxFull
	}

	s.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"members":     len(rm.members),
	}).Info("Session attached to document")
	return len(rm.members), nil
}

// Detach removes the session from its room. It is a no-op for unknown or
// unattached sessions.
func (r *Registry) Detach(id SessionID) {
	s, err := r.Session(id)
	if err != nil {
		return
	}
	r.detach(s)
}

func (r *Registry) detach(s *Session) {
	for {
		documentID := s.DocumentID()
		if documentID == "" {
			return
		}

		rm := r.lockExistingRoom(documentID)
		s.mu.Lock()
		if s.documentID != documentID {
			// Switched rooms while we were acquiring this one.
			s.mu.Unlock()
			if rm != nil {
				r.releaseRoom(rm)
			}
			continue
		}
		s.documentID = ""
		s.generation++
		s.mu.Unlock()

		if rm != nil {
			delete(rm.members, s.id)
			r.releaseRoom(rm)
		}
		s.barrier()
		s.log.WithField("document_id", documentID).Debug("Session detached from document")
		return
	}
}

// Disconnect detaches the session, removes it from the registry and stops
// its writer. Nothing is delivered to the session after it returns.
func (r *Registry) Disconnect(id SessionID) *Session {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	documentID, ok := s.close()
	if !ok {
		return s
	}
	if documentID != "" {
		if rm := r.lockExistingRoom(documentID); rm != nil {
			delete(rm.members, s.id)
			r.releaseRoom(rm)
		}
	}
	s.mu.Lock()
	s.documentID = ""
	s.mu.Unlock()

	s.barrier()
	close(s.done)

	metrics.SessionsActive.Dec()
	s.log.WithField("document_id", documentID).Debug("Session disconnected")
	return s
}

// MembersOf lists the sessions attached to documentID, excluding except.
func (r *Registry) MembersOf(documentID string, except SessionID) []SessionID {
	rm := r.lockExistingRoom(documentID)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()

	ids := make([]SessionID, 0, len(rm.members))
	for id := range rm.members {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rooms lists live rooms ordered by member count, then id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed && len(rm.members) > 0 {
			infos = append(infos, RoomInfo{ID: rm.id, Users: len(rm.members), LastActive: rm.lastActive})
		}
		rm.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Users == infos[j].Users {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Users > infos[j].Users
	})
	return infos
}

func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sessionIDs() []SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
