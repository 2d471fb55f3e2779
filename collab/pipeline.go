package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Relay fans a confirmed local mutation out to the other participants in
// the board group. Relay failures are dropped, never retried: the
// broadcast layer is best-effort.
type Relay interface {
	RelayCreateElement(ctx context.Context, element *Element) error
	RelayUpdateElement(ctx context.Context, elementId Id, payload ElementPayload) error
	RelayDeleteElements(ctx context.Context, elementIds []Id) error
}

type BoardClientSettings struct {
	HistoryLimit     int
	AutosaveInterval time.Duration
}

func DefaultBoardClientSettings() *BoardClientSettings {
	return &BoardClientSettings{
		HistoryLimit:     DefaultHistoryLimit,
		AutosaveInterval: 5 * time.Second,
	}
}

// one element on the local canvas. ref is the stable local handle;
// element.ElementId is the authoritative store identity, zero until the
// create is confirmed.
type canvasElement struct {
	ref     Id
	element *Element
}

// BoardClient is the per-board mutation pipeline: it applies a local edit
// immediately, persists it, reconciles the authoritative result, and
// defers the edit to the offline queue when the link is down.
//
// Local elements are addressed by a stable local handle. The handle to
// authoritative-id mapping is a separate indirection updated when the
// store confirms a create, so identity is never mutated in place and the
// handle survives undo/redo re-creation cycles.
//
// All canvas mutation is synchronous under stateLock; the suspension
// points are exactly the store and relay calls. In-flight persistence is
// tracked by an atomic pending counter, not a lock: two in-flight writes
// for the same element are allowed to race, and the store's
// last-write-wins semantics are the only consistency guarantee.
type BoardClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	boardId Id
	creator CreatorRef

	store    Store
	relay    Relay
	queue    *OperationQueue
	history  *HistoryManager
	settings *BoardClientSettings

	stateLock sync.Mutex
	// local handle -> canvas element
	elements map[Id]*canvasElement
	// local handle -> authoritative store id
	authoritativeIds map[Id]Id
	// authoritative store id -> local handle
	localRefs map[Id]Id
	// authoritative ids of elements removed locally whose delete is
	// still queued, keyed by local handle
	pendingDeleteIds map[Id]Id
	lastSaveTime     time.Time

	pendingCount atomic.Int64

	saveMonitor   *Monitor
	canvasMonitor *Monitor
}

func NewBoardClientWithDefaults(ctx context.Context, boardId Id, creator CreatorRef, store Store) *BoardClient {
	return NewBoardClient(ctx, boardId, creator, store, nil, DefaultBoardClientSettings())
}

// relay may be nil for a client that is not joined to a board group
func NewBoardClient(ctx context.Context, boardId Id, creator CreatorRef, store Store, relay Relay, settings *BoardClientSettings) *BoardClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &BoardClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		boardId:          boardId,
		creator:          creator,
		store:            store,
		relay:            relay,
		queue:            NewOperationQueue(),
		history:          NewHistoryManager(settings.HistoryLimit),
		settings:         settings,
		elements:         map[Id]*canvasElement{},
		authoritativeIds: map[Id]Id{},
		localRefs:        map[Id]Id{},
		pendingDeleteIds: map[Id]Id{},
		saveMonitor:      NewMonitor(),
		canvasMonitor:    NewMonitor(),
	}
}

func (self *BoardClient) SetRelay(relay Relay) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.relay = relay
}

func (self *BoardClient) BoardId() Id {
	return self.boardId
}

func (self *BoardClient) Queue() *OperationQueue {
	return self.queue
}

func (self *BoardClient) History() *HistoryManager {
	return self.history
}

// replays the offline queue whenever the machine reconnects
func (self *BoardClient) BindConnectionMachine(machine *ConnectionMachine) func() {
	return machine.AddStatusCallback(func(state ConnectionState) {
		if state.Status == StatusConnected {
			go func() {
				if err := self.ReplayQueued(self.ctx); err != nil {
					glog.Infof("[p]replay interrupted = %s\n", err)
				}
			}()
		}
	})
}

// ApplyCreate paints the element immediately under a provisional local
// handle and attempts persistence. On success the handle is remapped to
// the authoritative identity, a create history entry is recorded, and the
// change is relayed. On connectivity failure the create is queued and the
// local paint stays as-is, to be reconciled when connectivity returns.
// Returns the local handle.
func (self *BoardClient) ApplyCreate(ctx context.Context, payload ElementPayload, zIndex int) Id {
	ref := NewId()
	now := time.Now().UTC()

	self.stateLock.Lock()
	self.elements[ref] = &canvasElement{
		ref: ref,
		element: &Element{
			BoardId:    self.boardId,
			Payload:    payload,
			ZIndex:     zIndex,
			CreatedBy:  self.creator,
			CreateTime: now,
			UpdateTime: now,
		},
	}
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()

	err := self.persistCreate(ctx, ref, payload, zIndex)
	switch {
	case IsConnectivityError(err):
		self.queue.Enqueue(OperationCreate, self.boardId, ref, &payload, zIndex)
	case err != nil:
		// persistence rejection. The optimistic local state is
		// intentionally left as-is (no rollback).
		glog.Infof("[p]create %s rejected = %s\n", ref, err)
	}
	return ref
}

// ApplyUpdate mutates local state immediately; persistence is
// fire-and-forget, tracked by the pending counter. A second update to the
// same element before the first completes is allowed: both are sent and
// the store's last-applied write wins.
func (self *BoardClient) ApplyUpdate(ctx context.Context, ref Id, payload ElementPayload) {
	self.stateLock.Lock()
	ce := self.resolve(ref)
	if ce == nil {
		self.stateLock.Unlock()
		glog.V(1).Infof("[p]update unknown element %s\n", ref)
		return
	}
	ref = ce.ref
	ce.element.Payload = payload
	ce.element.UpdateTime = time.Now().UTC()
	zIndex := ce.element.ZIndex
	authoritativeId, confirmed := self.authoritativeIds[ref]
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()

	self.pendingCount.Add(1)
	self.saveMonitor.NotifyAll()
	go func() {
		defer func() {
			self.pendingCount.Add(-1)
			self.saveMonitor.NotifyAll()
		}()

		if !confirmed {
			// the element's create has not been persisted, so there is
			// nothing to address at the store. Queue the update; it
			// replays after the queued create.
			self.queue.Enqueue(OperationUpdate, self.boardId, ref, &payload, zIndex)
			return
		}

		_, err := self.store.UpdateElement(ctx, self.boardId, authoritativeId, payload)
		switch {
		case IsConnectivityError(err):
			self.queue.Enqueue(OperationUpdate, self.boardId, ref, &payload, zIndex)
		case err != nil:
			glog.Infof("[p]update %s rejected = %s\n", ref, err)
		default:
			self.markSaved()
			self.relayUpdate(ctx, authoritativeId, payload)
		}
	}()
}

// ApplyDelete removes the elements locally and issues a batched delete.
// Each id that fails to persist for connectivity is individually queued.
func (self *BoardClient) ApplyDelete(ctx context.Context, refs []Id) {
	type deleted struct {
		ref             Id
		authoritativeId Id
		confirmed       bool
		payload         ElementPayload
		zIndex          int
	}

	self.stateLock.Lock()
	removed := []*deleted{}
	for _, ref := range refs {
		ce := self.resolve(ref)
		if ce == nil {
			continue
		}
		authoritativeId, confirmed := self.authoritativeIds[ce.ref]
		removed = append(removed, &deleted{
			ref:             ce.ref,
			authoritativeId: authoritativeId,
			confirmed:       confirmed,
			payload:         ce.element.Payload,
			zIndex:          ce.element.ZIndex,
		})
		self.removeLocked(ce.ref)
	}
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()

	persistIds := []Id{}
	for _, d := range removed {
		if d.confirmed {
			persistIds = append(persistIds, d.authoritativeId)
		} else {
			// the create never reached the store. Queueing the delete
			// purges the queued create; the remaining delete replays as
			// a store no-op.
			self.queue.Enqueue(OperationDelete, self.boardId, d.ref, nil, 0)
		}
	}
	if len(persistIds) == 0 {
		return
	}

	self.pendingCount.Add(1)
	self.saveMonitor.NotifyAll()
	err := self.store.DeleteElements(ctx, self.boardId, persistIds)
	self.pendingCount.Add(-1)
	self.saveMonitor.NotifyAll()

	switch {
	case IsConnectivityError(err):
		for _, d := range removed {
			if d.confirmed {
				self.queueDelete(d.ref, d.authoritativeId, &d.payload, d.zIndex)
			}
		}
	case err != nil:
		glog.Infof("[p]delete rejected = %s\n", err)
	default:
		self.markSaved()
		for _, d := range removed {
			if d.confirmed {
				self.history.Record(&HistoryEntry{
					Kind:      HistoryDelete,
					ElementId: d.ref,
					Payload:   d.payload,
					ZIndex:    d.zIndex,
				})
			}
		}
		self.relayDelete(ctx, persistIds)
	}
}

// ReplayQueued replays the offline queue oldest first through the same
// persistence paths as live edits, so replay reuses the identical
// success and failure handling. Replay stops at the first connectivity
// failure, leaving the remaining operations queued.
func (self *BoardClient) ReplayQueued(ctx context.Context) error {
	for _, op := range self.queue.OperationsForSync() {
		var err error
		switch op.Kind {
		case OperationCreate:
			err = self.persistCreate(ctx, op.ElementId, *op.Payload, op.ZIndex)
		case OperationUpdate:
			err = self.persistUpdate(ctx, op.ElementId, *op.Payload)
		case OperationDelete:
			err = self.persistDelete(ctx, op)
		}
		if IsConnectivityError(err) {
			return err
		}
		if err != nil {
			glog.Infof("[p]replay %s %s rejected = %s\n", op.Kind, op.ElementId, err)
		}
		self.queue.Dequeue(op.OperationId)
		glog.V(2).Infof("[p]replayed %s %s\n", op.Kind, op.ElementId)
	}
	return nil
}

// apply a change relayed from another participant, without re-persisting

func (self *BoardClient) ApplyRemoteCreate(element *Element) {
	self.stateLock.Lock()
	if ref, ok := self.localRefs[element.ElementId]; ok {
		// already known, treat as an update
		self.elements[ref].element = element.Copy()
		self.stateLock.Unlock()
		self.canvasMonitor.NotifyAll()
		return
	}
	ref := NewId()
	self.elements[ref] = &canvasElement{
		ref:     ref,
		element: element.Copy(),
	}
	self.authoritativeIds[ref] = element.ElementId
	self.localRefs[element.ElementId] = ref
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()
}

func (self *BoardClient) ApplyRemoteUpdate(elementId Id, payload ElementPayload) {
	self.stateLock.Lock()
	ref, ok := self.localRefs[elementId]
	if !ok {
		self.stateLock.Unlock()
		glog.V(1).Infof("[p]remote update unknown element %s\n", elementId)
		return
	}
	ce := self.elements[ref]
	ce.element.Payload = payload
	ce.element.UpdateTime = time.Now().UTC()
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()
}

func (self *BoardClient) ApplyRemoteDelete(elementIds []Id) {
	self.stateLock.Lock()
	for _, elementId := range elementIds {
		if ref, ok := self.localRefs[elementId]; ok {
			self.removeLocked(ref)
		}
	}
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()
}

// observables

// saving indicator: derived from the pending counter, > 0 means saving
func (self *BoardClient) Saving() bool {
	return 0 < self.pendingCount.Load()
}

func (self *BoardClient) PendingCount() int {
	return int(self.pendingCount.Load())
}

func (self *BoardClient) LastSaveTime() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSaveTime
}

func (self *BoardClient) SaveMonitor() *Monitor {
	return self.saveMonitor
}

func (self *BoardClient) CanvasMonitor() *Monitor {
	return self.canvasMonitor
}

func (self *BoardClient) CanUndo() bool {
	return self.history.CanUndo()
}

func (self *BoardClient) CanRedo() bool {
	return self.history.CanRedo()
}

func (self *BoardClient) Undo(ctx context.Context) error {
	return self.history.Undo(ctx, self)
}

func (self *BoardClient) Redo(ctx context.Context) error {
	return self.history.Redo(ctx, self)
}

// Elements returns the live collection in paint order.
func (self *BoardClient) Elements() []*Element {
	self.stateLock.Lock()
	elements := make([]*Element, 0, len(self.elements))
	for _, ce := range self.elements {
		elements = append(elements, ce.element.Copy())
	}
	self.stateLock.Unlock()

	SortForPaint(elements)
	return elements
}

func (self *BoardClient) ElementCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.elements)
}

// Element returns the element for a local handle or authoritative id.
func (self *BoardClient) Element(ref Id) *Element {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	ce := self.resolve(ref)
	if ce == nil {
		return nil
	}
	return ce.element.Copy()
}

// AuthoritativeId returns the confirmed store identity for a local handle.
func (self *BoardClient) AuthoritativeId(ref Id) (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	authoritativeId, ok := self.authoritativeIds[ref]
	return authoritativeId, ok
}

func (self *BoardClient) Close() {
	self.cancel()
}

// internal

// must be called with stateLock held. Accepts a local handle or an
// authoritative id.
func (self *BoardClient) resolve(ref Id) *canvasElement {
	if ce, ok := self.elements[ref]; ok {
		return ce
	}
	if localRef, ok := self.localRefs[ref]; ok {
		return self.elements[localRef]
	}
	return nil
}

// must be called with stateLock held
func (self *BoardClient) removeLocked(ref Id) {
	if authoritativeId, ok := self.authoritativeIds[ref]; ok {
		delete(self.localRefs, authoritativeId)
		delete(self.authoritativeIds, ref)
	}
	delete(self.elements, ref)
}

// persist a create for an element already painted under ref, then confirm
// the authoritative identity, record history and relay. Shared by the
// live path, queue replay and history restore; during undo/redo the
// history record is a no-op by the manager's execution state.
func (self *BoardClient) persistCreate(ctx context.Context, ref Id, payload ElementPayload, zIndex int) error {
	self.pendingCount.Add(1)
	self.saveMonitor.NotifyAll()
	defer func() {
		self.pendingCount.Add(-1)
		self.saveMonitor.NotifyAll()
	}()

	element, err := self.store.CreateElement(ctx, self.boardId, payload, zIndex, self.creator)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if ce, ok := self.elements[ref]; ok {
		// replace the provisional identity with the authoritative one
		ce.element.ElementId = element.ElementId
		ce.element.CreateTime = element.CreateTime
		ce.element.UpdateTime = element.UpdateTime
		self.authoritativeIds[ref] = element.ElementId
		self.localRefs[element.ElementId] = ref
	}
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()

	self.markSaved()
	self.history.Record(&HistoryEntry{
		Kind:      HistoryCreate,
		ElementId: ref,
		Payload:   payload,
		ZIndex:    zIndex,
	})
	self.relayCreate(ctx, element)
	glog.V(1).Infof("[p]create %s confirmed as %s\n", ref, element.ElementId)
	return nil
}

func (self *BoardClient) persistUpdate(ctx context.Context, ref Id, payload ElementPayload) error {
	self.stateLock.Lock()
	authoritativeId, confirmed := self.authoritativeIds[ref]
	self.stateLock.Unlock()
	if !confirmed {
		// the create was dequeued by a rejection; nothing to address
		return ErrElementNotFound
	}

	self.pendingCount.Add(1)
	self.saveMonitor.NotifyAll()
	defer func() {
		self.pendingCount.Add(-1)
		self.saveMonitor.NotifyAll()
	}()

	_, err := self.store.UpdateElement(ctx, self.boardId, authoritativeId, payload)
	if err != nil {
		return err
	}
	self.markSaved()
	self.relayUpdate(ctx, authoritativeId, payload)
	return nil
}

func (self *BoardClient) persistDelete(ctx context.Context, op *QueuedOperation) error {
	ref := op.ElementId

	self.stateLock.Lock()
	authoritativeId, confirmed := self.authoritativeIds[ref]
	if !confirmed {
		// the element is already gone locally; the store identity was
		// pinned when the delete was queued
		authoritativeId, confirmed = self.pendingDeleteIds[ref]
	}
	self.stateLock.Unlock()
	if !confirmed {
		// the element never reached the store; the delete is a no-op
		return nil
	}

	self.pendingCount.Add(1)
	self.saveMonitor.NotifyAll()
	defer func() {
		self.pendingCount.Add(-1)
		self.saveMonitor.NotifyAll()
	}()

	err := self.store.DeleteElements(ctx, self.boardId, []Id{authoritativeId})
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.removeLocked(ref)
	delete(self.pendingDeleteIds, ref)
	self.stateLock.Unlock()

	self.markSaved()
	if op.Payload != nil {
		// a replayed delete is as undoable as one persisted live.
		// Reversal-driven deletes carry no snapshot and are not recorded.
		self.history.Record(&HistoryEntry{
			Kind:      HistoryDelete,
			ElementId: ref,
			Payload:   *op.Payload,
			ZIndex:    op.ZIndex,
		})
	}
	self.relayDelete(ctx, []Id{authoritativeId})
	return nil
}

// pin the store identity for a delete that will replay after reconnect,
// then queue it. The local element is gone by now, so the queue entry's
// local handle is resolved through pendingDeleteIds at replay time.
// payload is the history snapshot; nil for a reversal-driven delete,
// which is never recorded.
func (self *BoardClient) queueDelete(ref Id, authoritativeId Id, payload *ElementPayload, zIndex int) {
	self.stateLock.Lock()
	self.pendingDeleteIds[ref] = authoritativeId
	self.stateLock.Unlock()
	self.queue.Enqueue(OperationDelete, self.boardId, ref, payload, zIndex)
}

// historyTarget

// re-add the element locally under its original handle and persist a new
// create. The store assigns a new authoritative identity; the handle
// indirection keeps the history entry's element reference valid, so an
// undo followed immediately by a redo restores the exact identity mapping.
func (self *BoardClient) restoreElement(ctx context.Context, entry *HistoryEntry) error {
	now := time.Now().UTC()

	self.stateLock.Lock()
	self.elements[entry.ElementId] = &canvasElement{
		ref: entry.ElementId,
		element: &Element{
			BoardId:    self.boardId,
			Payload:    entry.Payload,
			ZIndex:     entry.ZIndex,
			CreatedBy:  self.creator,
			CreateTime: now,
			UpdateTime: now,
		},
	}
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()

	err := self.persistCreate(ctx, entry.ElementId, entry.Payload, entry.ZIndex)
	if IsConnectivityError(err) {
		// reconciled on reconnect, same as a live create
		self.queue.Enqueue(OperationCreate, self.boardId, entry.ElementId, &entry.Payload, entry.ZIndex)
		return nil
	}
	return err
}

// remove the element locally and persist the delete
func (self *BoardClient) discardElement(ctx context.Context, ref Id) error {
	self.stateLock.Lock()
	ce := self.resolve(ref)
	if ce == nil {
		self.stateLock.Unlock()
		return nil
	}
	ref = ce.ref
	authoritativeId, confirmed := self.authoritativeIds[ref]
	self.removeLocked(ref)
	self.stateLock.Unlock()
	self.canvasMonitor.NotifyAll()

	if !confirmed {
		self.queue.Enqueue(OperationDelete, self.boardId, ref, nil, 0)
		return nil
	}

	self.pendingCount.Add(1)
	self.saveMonitor.NotifyAll()
	err := self.store.DeleteElements(ctx, self.boardId, []Id{authoritativeId})
	self.pendingCount.Add(-1)
	self.saveMonitor.NotifyAll()

	if IsConnectivityError(err) {
		self.queueDelete(ref, authoritativeId, nil, 0)
		return nil
	}
	if err != nil {
		return err
	}

	self.markSaved()
	self.relayDelete(ctx, []Id{authoritativeId})
	return nil
}

// relay helpers. Relay errors are logged and dropped.

func (self *BoardClient) currentRelay() Relay {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.relay
}

func (self *BoardClient) relayCreate(ctx context.Context, element *Element) {
	if relay := self.currentRelay(); relay != nil {
		if err := relay.RelayCreateElement(ctx, element); err != nil {
			glog.V(1).Infof("[p]relay create dropped = %s\n", err)
		}
	}
}

func (self *BoardClient) relayUpdate(ctx context.Context, elementId Id, payload ElementPayload) {
	if relay := self.currentRelay(); relay != nil {
		if err := relay.RelayUpdateElement(ctx, elementId, payload); err != nil {
			glog.V(1).Infof("[p]relay update dropped = %s\n", err)
		}
	}
}

func (self *BoardClient) relayDelete(ctx context.Context, elementIds []Id) {
	if relay := self.currentRelay(); relay != nil {
		if err := relay.RelayDeleteElements(ctx, elementIds); err != nil {
			glog.V(1).Infof("[p]relay delete dropped = %s\n", err)
		}
	}
}

// every completed persistence cycle stamps the last-saved time
func (self *BoardClient) markSaved() {
	self.stateLock.Lock()
	self.lastSaveTime = time.Now().UTC()
	self.stateLock.Unlock()
	self.saveMonitor.NotifyAll()
}
