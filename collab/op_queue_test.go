package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOperationQueueCoalescesUpdates(t *testing.T) {
	queue := NewOperationQueue()
	boardId := NewId()
	elementId := NewId()

	first := &ElementPayload{Type: ElementRectangle, Width: 10}
	second := &ElementPayload{Type: ElementRectangle, Width: 20}

	queue.Enqueue(OperationUpdate, boardId, elementId, first, 1)
	queue.Enqueue(OperationUpdate, boardId, elementId, second, 1)

	ops := queue.OperationsForSync()
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, OperationUpdate, ops[0].Kind)
	assert.Equal(t, float64(20), ops[0].Payload.Width)
}

func TestOperationQueueUpdatesForDistinctElementsDoNotCoalesce(t *testing.T) {
	queue := NewOperationQueue()
	boardId := NewId()

	queue.Enqueue(OperationUpdate, boardId, NewId(), &ElementPayload{Type: ElementCircle}, 0)
	queue.Enqueue(OperationUpdate, boardId, NewId(), &ElementPayload{Type: ElementCircle}, 0)

	assert.Equal(t, 2, queue.Size())
}

func TestOperationQueueOrdering(t *testing.T) {
	queue := NewOperationQueue()
	boardId := NewId()
	elementId := NewId()

	op1 := queue.Enqueue(OperationCreate, boardId, elementId, &ElementPayload{Type: ElementStroke}, 0)
	op2 := queue.Enqueue(OperationUpdate, boardId, elementId, &ElementPayload{Type: ElementStroke}, 0)
	op3 := queue.Enqueue(OperationCreate, boardId, NewId(), &ElementPayload{Type: ElementText}, 1)

	ops := queue.OperationsForSync()
	assert.Equal(t, 3, len(ops))
	assert.Equal(t, op1.OperationId, ops[0].OperationId)
	assert.Equal(t, op2.OperationId, ops[1].OperationId)
	assert.Equal(t, op3.OperationId, ops[2].OperationId)
}

// a coalesced update must keep its original position so a create for the
// same element still replays first
func TestOperationQueueCoalescedUpdateKeepsPosition(t *testing.T) {
	queue := NewOperationQueue()
	boardId := NewId()
	elementId := NewId()

	queue.Enqueue(OperationCreate, boardId, elementId, &ElementPayload{Type: ElementStroke}, 0)
	queue.Enqueue(OperationUpdate, boardId, elementId, &ElementPayload{Type: ElementStroke, StrokeWidth: 1}, 0)
	queue.Enqueue(OperationDelete, boardId, NewId(), nil, 0)
	queue.Enqueue(OperationUpdate, boardId, elementId, &ElementPayload{Type: ElementStroke, StrokeWidth: 2}, 0)

	ops := queue.OperationsForSync()
	assert.Equal(t, 3, len(ops))
	assert.Equal(t, OperationCreate, ops[0].Kind)
	assert.Equal(t, OperationUpdate, ops[1].Kind)
	assert.Equal(t, float64(2), ops[1].Payload.StrokeWidth)
	assert.Equal(t, OperationDelete, ops[2].Kind)
}

func TestOperationQueueDeletePurgesPendingOps(t *testing.T) {
	queue := NewOperationQueue()
	boardId := NewId()
	elementId := NewId()

	queue.Enqueue(OperationCreate, boardId, elementId, &ElementPayload{Type: ElementRectangle}, 0)
	queue.Enqueue(OperationUpdate, boardId, elementId, &ElementPayload{Type: ElementRectangle, Width: 5}, 0)
	queue.Enqueue(OperationDelete, boardId, elementId, nil, 0)

	ops := queue.OperationsForSync()
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, OperationDelete, ops[0].Kind)
	assert.Equal(t, elementId, ops[0].ElementId)
}

func TestOperationQueueDequeue(t *testing.T) {
	queue := NewOperationQueue()
	boardId := NewId()

	op := queue.Enqueue(OperationCreate, boardId, NewId(), &ElementPayload{Type: ElementCircle}, 0)
	queue.Enqueue(OperationCreate, boardId, NewId(), &ElementPayload{Type: ElementCircle}, 0)

	removed := queue.Dequeue(op.OperationId)
	assert.Equal(t, op.OperationId, removed.OperationId)
	assert.Equal(t, 1, queue.Size())

	missing := queue.Dequeue(op.OperationId)
	assert.Equal(t, missing, nil)
}

func TestOperationQueueClearForBoard(t *testing.T) {
	queue := NewOperationQueue()
	boardA := NewId()
	boardB := NewId()

	queue.Enqueue(OperationCreate, boardA, NewId(), &ElementPayload{Type: ElementStroke}, 0)
	queue.Enqueue(OperationCreate, boardA, NewId(), &ElementPayload{Type: ElementStroke}, 0)
	queue.Enqueue(OperationCreate, boardB, NewId(), &ElementPayload{Type: ElementStroke}, 0)

	queue.ClearForBoard(boardA)
	ops := queue.OperationsForSync()
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, boardB, ops[0].BoardId)

	queue.Clear()
	assert.Equal(t, 0, queue.Size())
}
