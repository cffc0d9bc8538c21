package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatrelay/internal/metrics"
	"github.com/adred-codev/chatrelay/internal/notify"
)

var (
	ErrRoomFull      = errors.New("relay: room is full")
	ErrRegistryFull  = errors.New("relay: room registry full")
	ErrSessionClosed = errors.New("relay: session closed")
)

// Room is a named multicast group with bounded membership. Membership
// mutations serialize on mu; broadcasts serialize on bmu so fan-outs to
// the same room never overlap, without pinning the member list while
// notify pipes are written.
type Room struct {
	name string

	mu      sync.Mutex
	members []*Session

	bmu sync.Mutex
}

// Name returns the room's identity.
func (r *Room) Name() string {
	return r.name
}

// MemberCount returns the current number of members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Broadcast delivers "[from] text" to every member, including the
// sender. Broadcasts on one room are totally ordered. A member whose
// notify write fails is left for its owning multiplexer to clean up.
func (r *Room) Broadcast(from, text string, logger zerolog.Logger) {
	r.bmu.Lock()
	defer r.bmu.Unlock()

	r.mu.Lock()
	members := make([]*Session, len(r.members))
	copy(members, r.members)
	r.mu.Unlock()

	frame := chatFrame(from, text)
	for _, m := range members {
		if _, err := m.notify.Write(frame); err != nil {
			if errors.Is(err, notify.ErrClosedPipe) {
				logger.Debug().Str("room", r.name).Str("member", m.name).
					Msg("Broadcast dropped: member notify pipe closed")
				metrics.NotifyDropped()
			}
			continue
		}
	}
	metrics.BroadcastDelivered()
}

// Registry is the bounded table of live rooms. A room exists exactly
// while it has members: the first join creates it, the last leave reaps
// it. Lock order is registry before room; a reap after leave re-acquires
// in that order rather than holding the room lock across both.
type Registry struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	capacity     int
	roomCapacity int
}

// NewRegistry returns a registry for at most capacity rooms of up to
// roomCapacity members each.
func NewRegistry(capacity, roomCapacity int) *Registry {
	return &Registry{
		rooms:        make(map[string]*Room, capacity),
		capacity:     capacity,
		roomCapacity: roomCapacity,
	}
}

// Find returns the live room named name, or nil.
func (g *Registry) Find(name string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[name]
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Join moves s into the room named name, creating the room if absent.
// Any prior membership is withdrawn first, so a session is in at most
// one room at any instant.
func (g *Registry) Join(name string, s *Session) (*Room, error) {
	g.Leave(s)

	g.mu.Lock()
	room, ok := g.rooms[name]
	created := false
	if !ok {
		if len(g.rooms) >= g.capacity {
			g.mu.Unlock()
			metrics.RoomJoinRejected("registry_full")
			return nil, ErrRegistryFull
		}
		room = &Room{name: name}
		g.rooms[name] = room
		created = true
		metrics.RoomCreated()
	}

	room.mu.Lock()
	if len(room.members) >= g.roomCapacity {
		room.mu.Unlock()
		g.mu.Unlock()
		metrics.RoomJoinRejected("room_full")
		return nil, ErrRoomFull
	}
	if !s.attachRoom(room) {
		// Session tore down between command dispatch and here; undo the
		// lazy creation so no empty room lingers.
		room.mu.Unlock()
		if created {
			delete(g.rooms, name)
			metrics.RoomDestroyed()
		}
		g.mu.Unlock()
		return nil, ErrSessionClosed
	}
	room.members = append(room.members, s)
	room.mu.Unlock()
	g.mu.Unlock()

	metrics.RoomJoined()
	return room, nil
}

// Leave withdraws s from its current room, if any, and reaps the room
// when the withdrawal empties it. Returns the room left, or nil.
func (g *Registry) Leave(s *Session) *Room {
	for {
		room := s.currentRoom()
		if room == nil {
			return nil
		}

		room.mu.Lock()
		if s.currentRoom() != room {
			// Lost a race with another mutation; re-read.
			room.mu.Unlock()
			continue
		}
		for i, m := range room.members {
			if m == s {
				room.members = append(room.members[:i], room.members[i+1:]...)
				break
			}
		}
		s.detachRoom()
		empty := len(room.members) == 0
		room.mu.Unlock()

		if empty {
			g.reap(room)
		}
		return room
	}
}

// reap clears the registry slot of an emptied room. The member count is
// rechecked under both locks: a concurrent join may have revived the
// room between the leave and the reap.
func (g *Registry) reap(room *Room) {
	g.mu.Lock()
	room.mu.Lock()
	if len(room.members) == 0 && g.rooms[room.name] == room {
		delete(g.rooms, room.name)
		metrics.RoomDestroyed()
	}
	room.mu.Unlock()
	g.mu.Unlock()
}
