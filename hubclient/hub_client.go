// Package hubclient is the client side of the realtime channel: it dials
// the broadcast hub, exposes invoke/ack and event subscription over one
// websocket, and implements the mutation pipeline's Relay.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/drawsync/drawsync/collab"
	"github.com/drawsync/drawsync/wire"
)

type HubClientSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	AckTimeout         time.Duration
	SendBufferSize     int
}

func DefaultHubClientSettings() *HubClientSettings {
	return &HubClientSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		AckTimeout:         5 * time.Second,
		SendBufferSize:     32,
	}
}

type EventFunc func(params json.RawMessage)

// one live websocket. Replaced wholesale on reconnect.
type clientConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn
	send   chan []byte
}

type HubClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	hubUrl   string
	settings *HubClientSettings

	stateLock sync.Mutex
	conn      *clientConn
	acks      map[uint64]chan *wire.Frame

	// join parameters, kept for rejoin after reconnect
	boardId     collab.Id
	displayName string
	shareToken  string

	nextFrameId atomic.Uint64

	eventLock      sync.Mutex
	eventCallbacks map[string]*collab.CallbackList[EventFunc]

	closeCallbacks *collab.CallbackList[func()]
}

func NewHubClientWithDefaults(ctx context.Context, hubUrl string) *HubClient {
	return NewHubClient(ctx, hubUrl, DefaultHubClientSettings())
}

func NewHubClient(ctx context.Context, hubUrl string, settings *HubClientSettings) *HubClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HubClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		hubUrl:         hubUrl,
		settings:       settings,
		acks:           map[uint64]chan *wire.Frame{},
		eventCallbacks: map[string]*collab.CallbackList[EventFunc]{},
		closeCallbacks: collab.NewCallbackList[func()](),
	}
}

// Connect dials the hub and starts the send/receive pumps. Returns once
// the websocket handshake completes.
func (self *HubClient) Connect(ctx context.Context) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.hubUrl, nil)
	if err != nil {
		return collab.Disconnected(err)
	}

	connCtx, connCancel := context.WithCancel(self.ctx)
	conn := &clientConn{
		ctx:    connCtx,
		cancel: connCancel,
		ws:     ws,
		send:   make(chan []byte, self.settings.SendBufferSize),
	}

	self.stateLock.Lock()
	if self.conn != nil {
		self.conn.cancel()
	}
	self.conn = conn
	self.stateLock.Unlock()

	go self.writePump(conn)
	go self.readPump(conn)
	go func() {
		<-connCtx.Done()
		ws.Close()
		self.failPendingAcks()
		for _, callback := range self.closeCallbacks.Get() {
			callback := callback
			go callback()
		}
	}()

	glog.V(1).Infof("[hc]connected %s\n", self.hubUrl)
	return nil
}

// AddCloseCallback registers a hook fired when the live connection drops,
// e.g. the connection machine's Disconnected.
func (self *HubClient) AddCloseCallback(callback func()) func() {
	return self.closeCallbacks.Add(callback)
}

// On subscribes to a hub event. Returns a function to unsubscribe.
func (self *HubClient) On(event string, callback EventFunc) func() {
	self.eventLock.Lock()
	callbacks, ok := self.eventCallbacks[event]
	if !ok {
		callbacks = collab.NewCallbackList[EventFunc]()
		self.eventCallbacks[event] = callbacks
	}
	self.eventLock.Unlock()
	return callbacks.Add(callback)
}

// Invoke sends a method frame and awaits the correlated ack.
func (self *HubClient) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	frameId := self.nextFrameId.Add(1)
	frame, err := wire.NewInvoke(frameId, method, params)
	if err != nil {
		return nil, err
	}

	ack := make(chan *wire.Frame, 1)
	self.stateLock.Lock()
	self.acks[frameId] = ack
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		delete(self.acks, frameId)
		self.stateLock.Unlock()
	}()

	if err := self.sendFrame(frame); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, collab.Disconnected(errors.New("client closed"))
	case <-time.After(self.settings.AckTimeout):
		return nil, collab.Disconnected(fmt.Errorf("%s ack timeout", method))
	case ackFrame, ok := <-ack:
		if !ok {
			return nil, collab.Disconnected(errors.New("connection lost"))
		}
		if ackFrame.Error != "" {
			return nil, errors.New(ackFrame.Error)
		}
		return ackFrame.Params, nil
	}
}

// Notify sends a method frame without awaiting an ack, for high-frequency
// cosmetic events like cursor moves.
func (self *HubClient) Notify(method string, params any) error {
	frame, err := wire.NewInvoke(0, method, params)
	if err != nil {
		return err
	}
	return self.sendFrame(frame)
}

func (self *HubClient) JoinBoard(ctx context.Context, boardId collab.Id, displayName string, shareToken string) (*wire.JoinBoardResult, error) {
	self.stateLock.Lock()
	self.boardId = boardId
	self.displayName = displayName
	self.shareToken = shareToken
	self.stateLock.Unlock()

	resultJson, err := self.Invoke(ctx, wire.MethodJoinBoard, &wire.JoinBoardArgs{
		BoardId:     boardId,
		DisplayName: displayName,
		ShareToken:  shareToken,
	})
	if err != nil {
		return nil, err
	}
	result := &wire.JoinBoardResult{}
	if err := json.Unmarshal(resultJson, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (self *HubClient) LeaveBoard(ctx context.Context) error {
	self.stateLock.Lock()
	boardId := self.boardId
	self.boardId = collab.Id{}
	self.stateLock.Unlock()

	_, err := self.Invoke(ctx, wire.MethodLeaveBoard, &wire.LeaveBoardArgs{
		BoardId: boardId,
	})
	return err
}

// ConnectAndJoin is the reconnect handshake for the connection machine:
// dial, then rejoin the board group that was joined before the link loss.
func (self *HubClient) ConnectAndJoin(ctx context.Context) error {
	if err := self.Connect(ctx); err != nil {
		return err
	}
	self.stateLock.Lock()
	boardId := self.boardId
	displayName := self.displayName
	shareToken := self.shareToken
	self.stateLock.Unlock()
	if boardId.IsZero() {
		return nil
	}
	_, err := self.JoinBoard(ctx, boardId, displayName, shareToken)
	return err
}

func (self *HubClient) UpdateCursor(x float64, y float64) error {
	self.stateLock.Lock()
	boardId := self.boardId
	self.stateLock.Unlock()
	return self.Notify(wire.MethodUpdateCursor, &wire.UpdateCursorArgs{
		BoardId: boardId,
		X:       x,
		Y:       y,
	})
}

func (self *HubClient) UpdateSelection(ctx context.Context, elementIds []collab.Id) error {
	self.stateLock.Lock()
	boardId := self.boardId
	self.stateLock.Unlock()
	_, err := self.Invoke(ctx, wire.MethodUpdateSelection, &wire.UpdateSelectionArgs{
		BoardId:    boardId,
		ElementIds: elementIds,
	})
	return err
}

// collab.Relay

func (self *HubClient) RelayCreateElement(ctx context.Context, element *collab.Element) error {
	_, err := self.Invoke(ctx, wire.MethodCreateElement, &wire.CreateElementArgs{
		BoardId: element.BoardId,
		Element: element,
	})
	return err
}

func (self *HubClient) RelayUpdateElement(ctx context.Context, elementId collab.Id, payload collab.ElementPayload) error {
	self.stateLock.Lock()
	boardId := self.boardId
	self.stateLock.Unlock()
	_, err := self.Invoke(ctx, wire.MethodUpdateElement, &wire.UpdateElementArgs{
		BoardId:   boardId,
		ElementId: elementId,
		Payload:   payload,
	})
	return err
}

func (self *HubClient) RelayDeleteElements(ctx context.Context, elementIds []collab.Id) error {
	self.stateLock.Lock()
	boardId := self.boardId
	self.stateLock.Unlock()
	_, err := self.Invoke(ctx, wire.MethodDeleteElements, &wire.DeleteElementsArgs{
		BoardId:    boardId,
		ElementIds: elementIds,
	})
	return err
}

// BindBoardClient applies relayed element events from other participants
// to the local pipeline without re-persisting them. Returns a function to
// unbind.
func (self *HubClient) BindBoardClient(client *collab.BoardClient) func() {
	removeCreated := self.On(wire.EventElementCreated, func(params json.RawMessage) {
		event := &wire.ElementCreatedEvent{}
		if err := json.Unmarshal(params, event); err != nil || event.Element == nil {
			return
		}
		client.ApplyRemoteCreate(event.Element)
	})
	removeUpdated := self.On(wire.EventElementUpdated, func(params json.RawMessage) {
		event := &wire.ElementUpdatedEvent{}
		if err := json.Unmarshal(params, event); err != nil {
			return
		}
		client.ApplyRemoteUpdate(event.ElementId, event.Payload)
	})
	removeDeleted := self.On(wire.EventElementsDeleted, func(params json.RawMessage) {
		event := &wire.ElementsDeletedEvent{}
		if err := json.Unmarshal(params, event); err != nil {
			return
		}
		client.ApplyRemoteDelete(event.ElementIds)
	})
	return func() {
		removeCreated()
		removeUpdated()
		removeDeleted()
	}
}

func (self *HubClient) Close() {
	self.cancel()
	self.stateLock.Lock()
	if self.conn != nil {
		self.conn.cancel()
		self.conn = nil
	}
	self.stateLock.Unlock()
}

func (self *HubClient) sendFrame(frame *wire.Frame) error {
	frameJson, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()
	if conn == nil {
		return collab.Disconnected(errors.New("not connected"))
	}

	select {
	case conn.send <- frameJson:
		return nil
	case <-conn.ctx.Done():
		return collab.Disconnected(errors.New("connection lost"))
	case <-time.After(self.settings.WriteTimeout):
		return collab.Disconnected(errors.New("send backpressure"))
	}
}

func (self *HubClient) writePump(conn *clientConn) {
	defer conn.cancel()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case message, ok := <-conn.send:
			if !ok {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.V(1).Infof("[hc]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[hc]->\n")
		case <-time.After(self.settings.PingTimeout):
			conn.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *HubClient) readPump(conn *clientConn) {
	defer conn.cancel()

	conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-conn.ctx.Done():
			return
		default:
		}

		conn.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[hc]<- error = %s\n", err)
			return
		}

		frame := &wire.Frame{}
		if err := json.Unmarshal(message, frame); err != nil {
			glog.Infof("[hc]<- bad frame = %s\n", err)
			continue
		}

		switch frame.Type {
		case wire.FrameAck:
			self.dispatchAck(frame)
		case wire.FrameEvent:
			self.dispatchEvent(frame)
		default:
			glog.V(2).Infof("[hc]<- unexpected frame type %s\n", frame.Type)
		}
	}
}

func (self *HubClient) dispatchEvent(frame *wire.Frame) {
	self.eventLock.Lock()
	callbacks, ok := self.eventCallbacks[frame.Method]
	self.eventLock.Unlock()
	if !ok {
		return
	}
	for _, callback := range callbacks.Get() {
		callback(frame.Params)
	}
	glog.V(2).Infof("[hc]<- %s\n", frame.Method)
}

// the send must happen under stateLock: failPendingAcks closes the
// channels under the same lock, and a send racing the close would panic.
// The channel is buffered and the send non-blocking, so the lock is never
// held across a wait.
func (self *HubClient) dispatchAck(frame *wire.Frame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if ack, ok := self.acks[frame.Id]; ok {
		select {
		case ack <- frame:
		default:
		}
	}
}

// unblock all pending invokes when the connection drops
func (self *HubClient) failPendingAcks() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, ack := range self.acks {
		close(ack)
	}
	self.acks = map[uint64]chan *wire.Frame{}
}
