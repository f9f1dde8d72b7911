package coordinator

import (
	"errors"
	"sync"

	"github.com/convergence/peerlink/pkg/com"
)

var (
	ErrEmptyRoom = errors.New("empty room id")
	ErrRoomFull  = errors.New("room is full")
)

type RolePolicy int

const (
	// PromoteRole hands the initiator role to the earliest remaining member.
	PromoteRole RolePolicy = iota
	// KeepRole never changes roles after a join.
	KeepRole
)

// Peer is a room member with its role.
type Peer struct {
	Id        com.Uid
	Initiator bool
}

type room struct {
	id        string
	members   []com.Uid // in arrival order
	initiator com.Uid
}

func (r *room) has(id com.Uid) bool { return r.index(id) >= 0 }

func (r *room) index(id com.Uid) int {
	for i, m := range r.members {
		if m == id {
			return i
		}
	}
	return -1
}

func (r *room) others(id com.Uid) []com.Uid {
	out := make([]com.Uid, 0, len(r.members))
	for _, m := range r.members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func (r *room) peers() []Peer {
	out := make([]Peer, len(r.members))
	for i, m := range r.members {
		out[i] = Peer{Id: m, Initiator: m == r.initiator}
	}
	return out
}

// JoinResult describes what a join has changed.
type JoinResult struct {
	// Left is the departure from the previous room of the member, if any.
	Left      *LeaveResult
	Count     int
	Initiator bool
	// Others are the members who should be told about the newcomer.
	Others []com.Uid
	// All are the members when the room became ready.
	All    []com.Uid
	Ready  bool
	Rejoin bool
}

// LeaveResult describes what a leave has changed.
type LeaveResult struct {
	RoomID    string
	Remaining []Peer
	Destroyed bool
	// Promoted is the new initiator or the nil id.
	Promoted com.Uid
}

// Rooms is the room table of the coordinator.
// Every operation is a single transaction under one lock, so concurrent
// joins, leaves and disconnects can't observe a room half-changed.
type Rooms struct {
	mu      sync.Mutex
	rooms   map[string]*room
	members map[com.Uid]string

	capacity int
	policy   RolePolicy
}

func NewRooms(capacity int, policy RolePolicy) *Rooms {
	return &Rooms{
		rooms:    make(map[string]*room),
		members:  make(map[com.Uid]string),
		capacity: capacity,
		policy:   policy,
	}
}

// Join places the member into the room leaving its previous room first.
// With a capacity, a full room returns ErrRoomFull, though the previous
// room is left anyway.
func (r *Rooms) Join(member com.Uid, roomID string) (res JoinResult, err error) {
	if roomID == "" {
		return res, ErrEmptyRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.members[member]; ok {
		if current == roomID {
			rm := r.rooms[roomID]
			res.Rejoin = true
			res.Count = len(rm.members)
			res.Initiator = rm.initiator == member
			return res, nil
		}
		left := r.leave(member, current)
		res.Left = &left
	}

	rm, ok := r.rooms[roomID]
	if ok && r.capacity > 0 && len(rm.members) >= r.capacity {
		return res, ErrRoomFull
	}
	if !ok {
		rm = &room{id: roomID}
		r.rooms[roomID] = rm
	}

	res.Initiator = len(rm.members) == 0
	if res.Initiator {
		rm.initiator = member
	}
	rm.members = append(rm.members, member)
	r.members[member] = roomID

	res.Count = len(rm.members)
	res.Others = rm.others(member)
	if res.Count == 2 {
		res.Ready = true
		res.All = append([]com.Uid(nil), rm.members...)
	}
	return res, nil
}

// Leave removes the member from the room if it's there.
func (r *Rooms) Leave(member com.Uid, roomID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.members[member]; !ok || current != roomID {
		return LeaveResult{}, false
	}
	return r.leave(member, roomID), true
}

// Disconnect removes the member from whatever room it's in.
func (r *Rooms) Disconnect(member com.Uid) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.members[member]
	if !ok {
		return LeaveResult{}, false
	}
	return r.leave(member, current), true
}

func (r *Rooms) leave(member com.Uid, roomID string) (res LeaveResult) {
	res.RoomID = roomID
	delete(r.members, member)
	rm, ok := r.rooms[roomID]
	if !ok {
		res.Destroyed = true
		return
	}
	if i := rm.index(member); i >= 0 {
		rm.members = append(rm.members[:i], rm.members[i+1:]...)
	}
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		res.Destroyed = true
		return
	}
	if rm.initiator == member {
		rm.initiator = com.NilUid
		if r.policy == PromoteRole {
			rm.initiator = rm.members[0]
			res.Promoted = rm.initiator
		}
	}
	res.Remaining = rm.peers()
	return
}

// Relay returns the members the sender may relay to.
// A sender outside of the room gets false.
func (r *Rooms) Relay(sender com.Uid, roomID string) ([]com.Uid, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok || !rm.has(sender) {
		return nil, false
	}
	return rm.others(sender), true
}

// RoomOf returns the room of the member.
func (r *Rooms) RoomOf(member com.Uid) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.members[member]
	return id, ok
}

// Peers returns a copy of the room members with their roles.
func (r *Rooms) Peers(roomID string) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[roomID]; ok {
		return rm.peers()
	}
	return nil
}

// Len returns the number of live rooms.
func (r *Rooms) Len() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.rooms) }
