package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/drawsync/drawsync/collab"
	"github.com/drawsync/drawsync/wire"
)

// participant is one live connection. It exists only for the lifetime of
// the websocket and is removed on disconnect.
type participant struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub          *Hub
	connectionId collab.Id
	ws           *websocket.Conn
	send         chan []byte

	stateLock   sync.Mutex
	boardId     collab.Id
	displayName string

	// live selection of this participant, pruned when relayed deletes
	// remove the selected elements
	selection mapset.Set[collab.Id]
}

func newParticipant(ctx context.Context, hub *Hub, ws *websocket.Conn) *participant {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &participant{
		ctx:          cancelCtx,
		cancel:       cancel,
		hub:          hub,
		connectionId: collab.NewId(),
		ws:           ws,
		send:         make(chan []byte, hub.settings.SendBufferSize),
		selection:    mapset.NewSet[collab.Id](),
	}
}

func (self *participant) run() {
	go self.writePump()
	self.readPump()
	// read pump exit means the transport is gone. Deregister so a crashed
	// or closed client never leaves a phantom collaborator.
	self.cancel()
	self.hub.disconnect(self)
}

func (self *participant) board() collab.Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.boardId
}

func (self *participant) setBoard(boardId collab.Id, displayName string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.boardId = boardId
	self.displayName = displayName
}

func (self *participant) name() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.displayName
}

// at-most-once delivery: a full send buffer or a dead connection drops
// the frame for this recipient
func (self *participant) trySend(frameJson []byte) {
	select {
	case self.send <- frameJson:
	case <-self.ctx.Done():
	default:
		glog.Infof("[h]drop ->%s (backpressure)\n", self.connectionId)
	}
}

func (self *participant) writePump() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.send:
			if !ok {
				return
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.V(1).Infof("[h]->%s error = %s\n", self.connectionId, err)
				return
			}
		case <-time.After(self.hub.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.hub.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *participant) readPump() {
	self.ws.SetReadDeadline(time.Now().Add(self.hub.settings.ReadTimeout))
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.hub.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.hub.settings.ReadTimeout))
		_, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[h]<-%s closed = %s\n", self.connectionId, err)
			return
		}

		frame := &wire.Frame{}
		if err := json.Unmarshal(message, frame); err != nil {
			glog.Infof("[h]<-%s bad frame = %s\n", self.connectionId, err)
			continue
		}
		self.hub.handleFrame(self, frame)
	}
}

// ack helpers. An invoke without a correlation id is a notify and gets no
// reply.

func (self *participant) ack(frame *wire.Frame, result any) {
	if frame.Id == 0 {
		return
	}
	ackFrame, err := wire.NewAck(frame.Id, result)
	if err != nil {
		glog.Errorf("[h]ack encode = %s\n", err)
		return
	}
	self.sendFrame(ackFrame)
}

func (self *participant) ackError(frame *wire.Frame, message string) {
	if frame.Id == 0 {
		return
	}
	self.sendFrame(wire.NewErrorAck(frame.Id, message))
}

func (self *participant) sendFrame(frame *wire.Frame) {
	frameJson, err := json.Marshal(frame)
	if err != nil {
		glog.Errorf("[h]frame encode = %s\n", err)
		return
	}
	self.trySend(frameJson)
}
