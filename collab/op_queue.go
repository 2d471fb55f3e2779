package collab

import (
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// QueuedOperation is a mutation captured while the store was unreachable.
// ElementId is the stable local handle for the element, which for a queued
// create is the provisional identity that replay remaps to the store id.
type QueuedOperation struct {
	OperationId Id              `json:"operationId"`
	Kind        OperationKind   `json:"kind"`
	BoardId     Id              `json:"boardId"`
	ElementId   Id              `json:"elementId,omitempty"`
	Payload     *ElementPayload `json:"payload,omitempty"`
	ZIndex      int             `json:"zIndex,omitempty"`
	EnqueueTime time.Time       `json:"enqueueTime"`
}

// OperationQueue holds mutations attempted while disconnected, in enqueue
// order. Coalescing rules:
//   - at most one queued update per (board, element). A newer update
//     replaces the prior one in place, keeping the original queue position
//     so that replay order equals origination order.
//   - a delete purges every other queued operation for that element first.
type OperationQueue struct {
	stateLock sync.Mutex
	ops       []*QueuedOperation
}

func NewOperationQueue() *OperationQueue {
	return &OperationQueue{
		ops: []*QueuedOperation{},
	}
}

func (self *OperationQueue) Enqueue(kind OperationKind, boardId Id, elementId Id, payload *ElementPayload, zIndex int) *QueuedOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch kind {
	case OperationUpdate:
		for _, op := range self.ops {
			if op.Kind == OperationUpdate && op.BoardId == boardId && op.ElementId == elementId {
				// last write wins
				op.Payload = payload
				op.ZIndex = zIndex
				glog.V(2).Infof("[q]coalesce update %s\n", elementId)
				return op
			}
		}
	case OperationDelete:
		self.ops = slices.DeleteFunc(self.ops, func(op *QueuedOperation) bool {
			return op.BoardId == boardId && op.ElementId == elementId
		})
	}

	op := &QueuedOperation{
		OperationId: NewId(),
		Kind:        kind,
		BoardId:     boardId,
		ElementId:   elementId,
		Payload:     payload,
		ZIndex:      zIndex,
		EnqueueTime: time.Now().UTC(),
	}
	self.ops = append(self.ops, op)
	glog.V(1).Infof("[q]enqueue %s %s (%d queued)\n", kind, elementId, len(self.ops))
	return op
}

// removes a single operation once its replay succeeds
func (self *OperationQueue) Dequeue(operationId Id) *QueuedOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, op := range self.ops {
		if op.OperationId == operationId {
			self.ops = slices.Delete(self.ops, i, i+1)
			return op
		}
	}
	return nil
}

// enqueue order ascending. Replay order must equal origination order:
// a create must replay before a later update to the same element.
func (self *OperationQueue) OperationsForSync() []*QueuedOperation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.ops)
}

func (self *OperationQueue) ClearForBoard(boardId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.ops = slices.DeleteFunc(self.ops, func(op *QueuedOperation) bool {
		return op.BoardId == boardId
	})
}

func (self *OperationQueue) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.ops = []*QueuedOperation{}
}

func (self *OperationQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.ops)
}
