// Package hub is the server side of the realtime channel: a group-scoped
// multiplexer that accepts mutation and presence frames from one
// participant and fans them out to the other members of the same board
// group. It holds no durable state beyond the live connection-to-board
// mapping.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/drawsync/drawsync/collab"
	"github.com/drawsync/drawsync/wire"
)

type HubSettings struct {
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		PingTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: 64,
	}
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *HubSettings
	// nil disables share token checks
	tokens *TokenIssuer

	// joins, leaves and relays run concurrently across participants.
	// The group map is the only shared mutable state; fan-out iterates a
	// snapshot so relays never hold the lock across sends.
	stateLock sync.Mutex
	groups    map[collab.Id]map[collab.Id]*participant
}

func NewHubWithDefaults(ctx context.Context) *Hub {
	return NewHub(ctx, nil, DefaultHubSettings())
}

func NewHub(ctx context.Context, tokens *TokenIssuer, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		tokens:   tokens,
		groups:   map[collab.Id]map[collab.Id]*participant{},
	}
}

// AddConnection takes ownership of an upgraded websocket and serves it
// until the transport closes. Blocks for the lifetime of the connection.
func (self *Hub) AddConnection(ws *websocket.Conn) {
	p := newParticipant(self.ctx, self, ws)
	glog.V(1).Infof("[h]connection %s\n", p.connectionId)
	p.run()
}

func (self *Hub) Close() {
	self.cancel()
}

// BoardParticipantCount is the live group size, for monitoring.
func (self *Hub) BoardParticipantCount(boardId collab.Id) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.groups[boardId])
}

func (self *Hub) handleFrame(p *participant, frame *wire.Frame) {
	switch frame.Method {
	case wire.MethodJoinBoard:
		self.handleJoin(p, frame)
	case wire.MethodLeaveBoard:
		self.handleLeave(p, frame)
	case wire.MethodUpdateCursor:
		args := &wire.UpdateCursorArgs{}
		if !self.decodeGroupArgs(p, frame, args, func() collab.Id { return args.BoardId }) {
			return
		}
		self.relay(p, args.BoardId, wire.EventCursorMoved, &wire.CursorMovedEvent{
			ConnectionId: p.connectionId,
			X:            args.X,
			Y:            args.Y,
		})
		p.ack(frame, nil)
	case wire.MethodCreateElement:
		args := &wire.CreateElementArgs{}
		if !self.decodeGroupArgs(p, frame, args, func() collab.Id { return args.BoardId }) {
			return
		}
		self.relay(p, args.BoardId, wire.EventElementCreated, &wire.ElementCreatedEvent{
			Element: args.Element,
		})
		p.ack(frame, nil)
	case wire.MethodUpdateElement:
		args := &wire.UpdateElementArgs{}
		if !self.decodeGroupArgs(p, frame, args, func() collab.Id { return args.BoardId }) {
			return
		}
		self.relay(p, args.BoardId, wire.EventElementUpdated, &wire.ElementUpdatedEvent{
			ElementId: args.ElementId,
			Payload:   args.Payload,
		})
		p.ack(frame, nil)
	case wire.MethodDeleteElements:
		args := &wire.DeleteElementsArgs{}
		if !self.decodeGroupArgs(p, frame, args, func() collab.Id { return args.BoardId }) {
			return
		}
		self.pruneSelections(args.BoardId, args.ElementIds)
		self.relay(p, args.BoardId, wire.EventElementsDeleted, &wire.ElementsDeletedEvent{
			ElementIds: args.ElementIds,
		})
		p.ack(frame, nil)
	case wire.MethodUpdateSelection:
		args := &wire.UpdateSelectionArgs{}
		if !self.decodeGroupArgs(p, frame, args, func() collab.Id { return args.BoardId }) {
			return
		}
		p.selection.Clear()
		p.selection.Append(args.ElementIds...)
		self.relay(p, args.BoardId, wire.EventSelectionChanged, &wire.SelectionChangedEvent{
			ConnectionId: p.connectionId,
			ElementIds:   args.ElementIds,
		})
		p.ack(frame, nil)
	default:
		p.ackError(frame, "unknown method")
	}
}

func (self *Hub) handleJoin(p *participant, frame *wire.Frame) {
	args := &wire.JoinBoardArgs{}
	if err := json.Unmarshal(frame.Params, args); err != nil {
		p.ackError(frame, "bad args")
		return
	}
	if args.BoardId.IsZero() {
		p.ackError(frame, "board required")
		return
	}
	if self.tokens != nil {
		if err := self.tokens.VerifyShareToken(args.ShareToken, args.BoardId); err != nil {
			glog.Infof("[h]join %s denied = %s\n", p.connectionId, err)
			p.ackError(frame, "share token invalid")
			return
		}
	}

	// leaving any previous group keeps one group per connection
	if previousBoardId := p.board(); !previousBoardId.IsZero() && previousBoardId != args.BoardId {
		self.leave(p, previousBoardId)
	}

	p.setBoard(args.BoardId, args.DisplayName)

	self.stateLock.Lock()
	group, ok := self.groups[args.BoardId]
	if !ok {
		group = map[collab.Id]*participant{}
		self.groups[args.BoardId] = group
	}
	group[p.connectionId] = p
	members := maps.Values(group)
	self.stateLock.Unlock()

	roster := []wire.Participant{}
	for _, member := range members {
		roster = append(roster, wire.Participant{
			ConnectionId: member.connectionId,
			DisplayName:  member.name(),
		})
	}
	p.ack(frame, &wire.JoinBoardResult{
		ConnectionId: p.connectionId,
		Participants: roster,
	})

	self.relay(p, args.BoardId, wire.EventParticipantJoined, &wire.ParticipantJoinedEvent{
		ConnectionId: p.connectionId,
		DisplayName:  args.DisplayName,
	})
	glog.V(1).Infof("[h]join %s board=%s\n", p.connectionId, args.BoardId)
}

func (self *Hub) handleLeave(p *participant, frame *wire.Frame) {
	args := &wire.LeaveBoardArgs{}
	if err := json.Unmarshal(frame.Params, args); err != nil {
		p.ackError(frame, "bad args")
		return
	}
	self.leave(p, args.BoardId)
	p.setBoard(collab.Id{}, p.name())
	p.ack(frame, nil)
}

// transport disconnect produces the same participant-left notification as
// an explicit leave
func (self *Hub) disconnect(p *participant) {
	if boardId := p.board(); !boardId.IsZero() {
		self.leave(p, boardId)
	}
	glog.V(1).Infof("[h]disconnect %s\n", p.connectionId)
}

func (self *Hub) leave(p *participant, boardId collab.Id) {
	self.stateLock.Lock()
	group, ok := self.groups[boardId]
	if ok {
		delete(group, p.connectionId)
		if len(group) == 0 {
			delete(self.groups, boardId)
		}
	}
	self.stateLock.Unlock()
	if !ok {
		return
	}

	// the selection is scoped to the group that was left; ids must not
	// leak into the next board's selection bookkeeping
	p.selection.Clear()

	self.relay(p, boardId, wire.EventParticipantLeft, &wire.ParticipantLeftEvent{
		ConnectionId: p.connectionId,
	})
	glog.V(1).Infof("[h]leave %s board=%s\n", p.connectionId, boardId)
}

// relay fans an event out to the other members of the board group, never
// echoing to the sender. Delivery is at-most-once per connected recipient.
func (self *Hub) relay(sender *participant, boardId collab.Id, event string, params any) {
	frame, err := wire.NewEvent(event, params)
	if err != nil {
		glog.Errorf("[h]event encode = %s\n", err)
		return
	}
	frameJson, err := json.Marshal(frame)
	if err != nil {
		glog.Errorf("[h]event encode = %s\n", err)
		return
	}

	self.stateLock.Lock()
	members := maps.Values(self.groups[boardId])
	self.stateLock.Unlock()

	for _, member := range members {
		if sender != nil && member.connectionId == sender.connectionId {
			continue
		}
		member.trySend(frameJson)
	}
	glog.V(2).Infof("[h]relay %s board=%s n=%d\n", event, boardId, len(members))
}

// decodeGroupArgs unmarshals invoke args and enforces that the caller is
// a member of the target board group.
func (self *Hub) decodeGroupArgs(p *participant, frame *wire.Frame, args any, boardId func() collab.Id) bool {
	if err := json.Unmarshal(frame.Params, args); err != nil {
		p.ackError(frame, "bad args")
		return false
	}
	targetBoardId := boardId()
	self.stateLock.Lock()
	_, member := self.groups[targetBoardId][p.connectionId]
	self.stateLock.Unlock()
	if !member {
		p.ackError(frame, "not in board group")
		return false
	}
	return true
}

// a relayed delete prunes the deleted ids from every member's tracked
// selection, so stale selections do not outlive their elements
func (self *Hub) pruneSelections(boardId collab.Id, elementIds []collab.Id) {
	self.stateLock.Lock()
	members := maps.Values(self.groups[boardId])
	self.stateLock.Unlock()

	for _, member := range members {
		member.selection.RemoveAll(elementIds...)
	}
}
