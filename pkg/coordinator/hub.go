package coordinator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/convergence/peerlink/pkg/api"
	"github.com/convergence/peerlink/pkg/com"
	"github.com/convergence/peerlink/pkg/config"
	"github.com/convergence/peerlink/pkg/logger"
	"github.com/goccy/go-json"
)

// Member is one websocket connection of the coordinator.
type Member struct {
	*com.Client
}

func newMember(c *com.Client) *Member { return &Member{Client: c} }

// Notify sends a packet and only logs failures,
// the other side may be gone already.
func (m *Member) Notify(t api.PT, payload any) {
	if err := m.Send(t, payload); err != nil {
		m.Log().Warn().Err(err).Msgf("%v not delivered", t)
	}
}

type Hub struct {
	rooms   *Rooms
	members com.NetMap[com.Uid, *Member]
	wire    *com.Connector
	log     *logger.Logger
}

var errUnexpected = errors.New("unexpected packet")

func NewHub(conf config.Coordinator, log *logger.Logger) *Hub {
	policy := PromoteRole
	if conf.Room.RolePolicy == config.RoleKeep {
		policy = KeepRole
	}
	return &Hub{
		rooms:   NewRooms(conf.Room.Capacity, policy),
		members: com.NewNetMap[com.Uid, *Member](),
		wire:    com.NewConnector(com.WithOrigin(conf.Origin)),
		log:     log,
	}
}

// handleWebsocket serves one member until its connection is gone.
func (h *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			h.log.Error().Msgf("Something wrong. Recovered in %v", err)
		}
	}()

	conn, err := h.wire.NewServer(w, r, h.log)
	if err != nil {
		h.log.Error().Err(err).Msg("member connection fail")
		return
	}
	m := newMember(conn)
	h.members.Add(m)
	membersGauge.Inc()
	m.OnPacket(func(in api.In) error { return h.route(m, in) })

	<-m.Listen()
	h.disconnect(m)
}

func (h *Hub) route(m *Member, in api.In) error {
	switch in.T {
	case api.JoinRoom:
		rq, err := api.Unwrap[api.JoinRoomRequest](in.Payload)
		if err != nil {
			return err
		}
		h.join(m, rq.Rid)
	case api.LeaveRoom:
		rq, err := api.Unwrap[api.LeaveRoomRequest](in.Payload)
		if err != nil {
			return err
		}
		if res, ok := h.rooms.Leave(m.Id(), rq.Rid); ok {
			h.notifyLeft(m.Id(), res)
		}
	case api.Offer, api.Answer:
		rq, err := api.Unwrap[api.SdpRequest](in.Payload)
		if err != nil {
			return err
		}
		h.relay(m, in.T, rq.Rid, api.SdpRelay{Sdp: rq.Sdp, From: m.Id().String()})
	case api.Candidate:
		rq, err := api.Unwrap[api.CandidateRequest](in.Payload)
		if err != nil {
			return err
		}
		h.relay(m, in.T, rq.Rid, api.CandidateRelay{Candidate: rq.Candidate, From: m.Id().String()})
	default:
		return fmt.Errorf("%w: %v", errUnexpected, in.T)
	}
	return nil
}

func (h *Hub) join(m *Member, roomID string) {
	res, err := h.rooms.Join(m.Id(), roomID)
	if res.Left != nil {
		h.notifyLeft(m.Id(), *res.Left)
	}
	switch {
	case errors.Is(err, ErrEmptyRoom):
		m.Log().Warn().Msg("Join without a room id")
		joinsTotal.WithLabelValues("empty").Inc()
		return
	case errors.Is(err, ErrRoomFull):
		m.Log().Info().Str(logger.RoomField, roomID).Msg("Room is full")
		joinsTotal.WithLabelValues("full").Inc()
		m.Notify(api.RoomFull, api.RoomFullEvent{Rid: roomID})
		return
	case err != nil:
		m.Log().Error().Err(err).Msg("join fail")
		return
	}
	joinsTotal.WithLabelValues("ok").Inc()
	roomsGauge.Set(float64(h.rooms.Len()))

	m.Log().Info().Str(logger.RoomField, roomID).
		Int("count", res.Count).
		Bool("initiator", res.Initiator).
		Msg("Joined")

	m.Notify(api.RoomInfo, api.RoomInfoResponse{Count: res.Count, Initiator: res.Initiator})
	for _, id := range res.Others {
		h.notify(id, api.Joined, api.JoinedEvent{Id: m.Id().String()})
	}
	for _, id := range res.All {
		h.notify(id, api.RoomReady, api.RoomReadyEvent{Rid: roomID})
	}
}

// relay forwards a negotiation message to the other members of the room,
// messages from outside the room are dropped.
func (h *Hub) relay(m *Member, t api.PT, roomID string, payload any) {
	to, ok := h.rooms.Relay(m.Id(), roomID)
	if !ok {
		droppedTotal.WithLabelValues(t.String()).Inc()
		m.Log().Debug().Str(logger.RoomField, roomID).Msgf("Drop %v from a non-member", t)
		return
	}
	for _, id := range to {
		h.notify(id, t, payload)
	}
	relayedTotal.WithLabelValues(t.String()).Inc()
}

func (h *Hub) disconnect(m *Member) {
	if res, ok := h.rooms.Disconnect(m.Id()); ok {
		h.notifyLeft(m.Id(), res)
	}
	h.members.Remove(m)
	membersGauge.Dec()
	m.Log().Info().Msg("Disconnect")
}

func (h *Hub) notifyLeft(id com.Uid, res LeaveResult) {
	roomsGauge.Set(float64(h.rooms.Len()))
	if !res.Promoted.IsNil() {
		h.log.Info().Str(logger.RoomField, res.RoomID).Msgf("%v is the new initiator", res.Promoted.Short())
	}
	for _, p := range res.Remaining {
		h.notify(p.Id, api.Left, api.LeftEvent{Id: id.String(), Initiator: p.Initiator})
	}
}

func (h *Hub) notify(id com.Uid, t api.PT, payload any) {
	m, err := h.members.Find(id)
	if err != nil {
		return
	}
	m.Notify(t, payload)
}

// Close drops all the members.
func (h *Hub) Close() {
	for _, m := range h.members.Values() {
		m.Disconnect()
	}
}

type health struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{Rooms: h.rooms.Len(), Members: h.members.Len()})
}
