package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testBoardClient(store Store) *BoardClient {
	return NewBoardClient(
		context.Background(),
		NewId(),
		GuestCreator("guest-test"),
		store,
		nil,
		DefaultBoardClientSettings(),
	)
}

func waitFor(t *testing.T, condition func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPipelineCreatePersistsAndRemaps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementRectangle, X: 10, Y: 10, Width: 50, Height: 50, Color: "#000000"}, 0)

	// painted and confirmed
	assert.Equal(t, 1, client.ElementCount())
	authoritativeId, confirmed := client.AuthoritativeId(ref)
	assert.Equal(t, true, confirmed)
	assert.Equal(t, false, authoritativeId.IsZero())

	// the element can be addressed by either identity
	assert.NotEqual(t, client.Element(ref), nil)
	assert.NotEqual(t, client.Element(authoritativeId), nil)

	// nothing queued, history records the create
	assert.Equal(t, 0, client.Queue().Size())
	assert.Equal(t, true, client.CanUndo())

	stored, err := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(stored))
	assert.Equal(t, authoritativeId, stored[0].ElementId)
}

func TestPipelineOfflineCreateQueuesAndReplays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.SetOffline(true)
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementRectangle, X: 10, Y: 10, Width: 50, Height: 50, Color: "#000000"}, 0)

	// local state shows the rectangle immediately
	assert.Equal(t, 1, client.ElementCount())
	element := client.Element(ref)
	assert.Equal(t, ElementRectangle, element.Payload.Type)
	// not yet confirmed by the store
	assert.Equal(t, true, element.ElementId.IsZero())

	// queue holds exactly one create
	ops := client.Queue().OperationsForSync()
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, OperationCreate, ops[0].Kind)

	// on reconnect, replay produces a store-assigned id and the
	// provisional handle is remapped to it
	store.SetOffline(false)
	assert.Equal(t, nil, client.ReplayQueued(ctx))
	assert.Equal(t, 0, client.Queue().Size())

	authoritativeId, confirmed := client.AuthoritativeId(ref)
	assert.Equal(t, true, confirmed)
	stored, err := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(stored))
	assert.Equal(t, authoritativeId, stored[0].ElementId)
	// still exactly one local element, addressable by the old handle
	assert.Equal(t, 1, client.ElementCount())
	assert.NotEqual(t, client.Element(ref), nil)
}

func TestPipelineOfflineReplayPreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.SetOffline(true)
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementCircle, Radius: 5}, 0)
	client.ApplyUpdate(ctx, ref, ElementPayload{Type: ElementCircle, Radius: 9})
	waitFor(t, func() bool { return client.Queue().Size() == 2 })

	store.SetOffline(false)
	assert.Equal(t, nil, client.ReplayQueued(ctx))

	// the create replayed before the update, so the store has the
	// updated payload
	stored, err := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(stored))
	assert.Equal(t, float64(9), stored[0].Payload.Radius)
}

func TestPipelineUpdateIsOptimistic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementText, Text: "a"}, 0)
	client.ApplyUpdate(ctx, ref, ElementPayload{Type: ElementText, Text: "b"})

	// local state mutates immediately
	assert.Equal(t, "b", client.Element(ref).Payload.Text)

	// persistence completes in the background
	waitFor(t, func() bool { return !client.Saving() })
	authoritativeId, _ := client.AuthoritativeId(ref)
	stored, err := store.UpdateElement(ctx, client.BoardId(), authoritativeId, ElementPayload{Type: ElementText, Text: "b"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "b", stored.Payload.Text)
}

func TestPipelineOfflineUpdateCoalesces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementText, Text: "a"}, 0)
	waitFor(t, func() bool { return !client.Saving() })

	store.SetOffline(true)
	client.ApplyUpdate(ctx, ref, ElementPayload{Type: ElementText, Text: "b"})
	waitFor(t, func() bool { return client.Queue().Size() == 1 })
	client.ApplyUpdate(ctx, ref, ElementPayload{Type: ElementText, Text: "c"})
	waitFor(t, func() bool {
		ops := client.Queue().OperationsForSync()
		return len(ops) == 1 && ops[0].Payload.Text == "c"
	})
}

func TestPipelineDeleteOfflineQueuesPerElement(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	ref1 := client.ApplyCreate(ctx, ElementPayload{Type: ElementStroke}, 0)
	ref2 := client.ApplyCreate(ctx, ElementPayload{Type: ElementStroke}, 1)

	store.SetOffline(true)
	client.ApplyDelete(ctx, []Id{ref1, ref2})

	// removed locally right away
	assert.Equal(t, 0, client.ElementCount())

	ops := client.Queue().OperationsForSync()
	assert.Equal(t, 2, len(ops))
	assert.Equal(t, OperationDelete, ops[0].Kind)
	assert.Equal(t, OperationDelete, ops[1].Kind)

	store.SetOffline(false)
	assert.Equal(t, nil, client.ReplayQueued(ctx))
	stored, err := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(stored))
}

func TestPipelineDeleteOfflineUnpersistedElementPurgesCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.SetOffline(true)
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementStroke}, 0)
	assert.Equal(t, 1, client.Queue().Size())

	client.ApplyDelete(ctx, []Id{ref})
	// the queued create is gone; the remaining delete replays as a
	// store no-op
	ops := client.Queue().OperationsForSync()
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, OperationDelete, ops[0].Kind)

	store.SetOffline(false)
	assert.Equal(t, nil, client.ReplayQueued(ctx))
	stored, err := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(stored))
}

func TestPipelineOfflineDeleteIsUndoableAfterReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementText, Text: "offline victim"}, 3)
	waitFor(t, func() bool { return !client.Saving() })

	store.SetOffline(true)
	client.ApplyDelete(ctx, []Id{ref})
	assert.Equal(t, 0, client.ElementCount())
	// not yet undoable: the delete has not been persisted
	assert.Equal(t, 1, client.History().UndoDepth())

	store.SetOffline(false)
	assert.Equal(t, nil, client.ReplayQueued(ctx))

	// the replayed delete records history, same as a delete persisted live
	assert.Equal(t, 2, client.History().UndoDepth())
	assert.Equal(t, nil, client.Undo(ctx))
	assert.Equal(t, 1, client.ElementCount())
	element := client.Element(ref)
	assert.NotEqual(t, element, nil)
	assert.Equal(t, "offline victim", element.Payload.Text)
	assert.Equal(t, 3, element.ZIndex)
}

// an undo of a create that falls back to the offline queue is a reversal,
// not a new action: its replayed delete must not be recorded
func TestPipelineOfflineUndoReplayRecordsNoHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	_ = client.ApplyCreate(ctx, ElementPayload{Type: ElementCircle, Radius: 2}, 0)
	waitFor(t, func() bool { return !client.Saving() })

	store.SetOffline(true)
	assert.Equal(t, nil, client.Undo(ctx))
	assert.Equal(t, 0, client.ElementCount())
	assert.Equal(t, 0, client.History().UndoDepth())
	assert.Equal(t, 1, client.History().RedoDepth())

	store.SetOffline(false)
	assert.Equal(t, nil, client.ReplayQueued(ctx))
	stored, _ := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, 0, len(stored))
	// the redo of the create survives the replay
	assert.Equal(t, 0, client.History().UndoDepth())
	assert.Equal(t, 1, client.History().RedoDepth())

	assert.Equal(t, nil, client.Redo(ctx))
	assert.Equal(t, 1, client.ElementCount())
}

func TestPipelineUndoRedoRestoresIdentityMapping(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementCircle, Radius: 4}, 0)
	firstId, _ := client.AuthoritativeId(ref)

	// undo removes the element locally and from the store
	assert.Equal(t, nil, client.Undo(ctx))
	assert.Equal(t, 0, client.ElementCount())
	stored, _ := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, 0, len(stored))
	assert.Equal(t, true, client.CanRedo())

	// redo re-creates under the same local handle with a new
	// store-assigned identity
	assert.Equal(t, nil, client.Redo(ctx))
	assert.Equal(t, 1, client.ElementCount())
	secondId, confirmed := client.AuthoritativeId(ref)
	assert.Equal(t, true, confirmed)
	assert.NotEqual(t, firstId, secondId)

	// subsequent operations through the original handle still work
	client.ApplyUpdate(ctx, ref, ElementPayload{Type: ElementCircle, Radius: 8})
	waitFor(t, func() bool { return !client.Saving() })
	stored, _ = store.ListElements(ctx, client.BoardId())
	assert.Equal(t, 1, len(stored))
	assert.Equal(t, float64(8), stored[0].Payload.Radius)

	// and undo is available again for the re-created element
	assert.Equal(t, true, client.CanUndo())
	assert.Equal(t, nil, client.Undo(ctx))
	assert.Equal(t, 0, client.ElementCount())
}

func TestPipelineUndoDeleteRestoresElement(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementText, Text: "keep me"}, 2)
	client.ApplyDelete(ctx, []Id{ref})
	assert.Equal(t, 0, client.ElementCount())

	// the delete recorded history; undo restores the element
	assert.Equal(t, nil, client.Undo(ctx))
	assert.Equal(t, 1, client.ElementCount())
	element := client.Element(ref)
	assert.NotEqual(t, element, nil)
	assert.Equal(t, "keep me", element.Payload.Text)
	assert.Equal(t, 2, element.ZIndex)

	stored, _ := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, 1, len(stored))
}

func TestPipelineRemoteApplyDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	remote := &Element{
		ElementId:  NewId(),
		BoardId:    client.BoardId(),
		Payload:    ElementPayload{Type: ElementStroke, StrokeWidth: 2},
		ZIndex:     1,
		CreatedBy:  GuestCreator("guest-other"),
		CreateTime: time.Now().UTC(),
		UpdateTime: time.Now().UTC(),
	}
	client.ApplyRemoteCreate(remote)
	assert.Equal(t, 1, client.ElementCount())
	// relayed changes are never re-persisted
	stored, _ := store.ListElements(ctx, client.BoardId())
	assert.Equal(t, 0, len(stored))
	// and never recorded in local history
	assert.Equal(t, false, client.CanUndo())

	client.ApplyRemoteUpdate(remote.ElementId, ElementPayload{Type: ElementStroke, StrokeWidth: 7})
	assert.Equal(t, float64(7), client.Element(remote.ElementId).Payload.StrokeWidth)

	client.ApplyRemoteDelete([]Id{remote.ElementId})
	assert.Equal(t, 0, client.ElementCount())
}

func TestPipelineRejectionLeavesLocalState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	client := testBoardClient(store)
	defer client.Close()

	// update an element the store does not know: a rejection, not a
	// connectivity failure
	ref := client.ApplyCreate(ctx, ElementPayload{Type: ElementText, Text: "x"}, 0)
	authoritativeId, _ := client.AuthoritativeId(ref)
	assert.Equal(t, nil, store.DeleteElements(ctx, client.BoardId(), []Id{authoritativeId}))

	client.ApplyUpdate(ctx, ref, ElementPayload{Type: ElementText, Text: "y"})
	waitFor(t, func() bool { return !client.Saving() })

	// optimistic local state is intentionally left as-is, nothing queued
	assert.Equal(t, "y", client.Element(ref).Payload.Text)
	assert.Equal(t, 0, client.Queue().Size())
}

func TestPipelinePendingCounterTracksInFlightSaves(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: NewMemoryStore(), gate: make(chan struct{})}
	client := testBoardClient(store)
	defer client.Close()

	go client.ApplyCreate(ctx, ElementPayload{Type: ElementStroke}, 0)
	waitFor(t, func() bool { return client.Saving() })
	assert.Equal(t, 1, client.PendingCount())

	close(store.gate)
	waitFor(t, func() bool { return !client.Saving() })
	assert.Equal(t, 0, client.PendingCount())
	assert.Equal(t, false, client.LastSaveTime().IsZero())
}

// a Store whose writes block until the gate opens
type gatedStore struct {
	Store
	gate chan struct{}
}

func (self *gatedStore) CreateElement(ctx context.Context, boardId Id, payload ElementPayload, zIndex int, createdBy CreatorRef) (*Element, error) {
	<-self.gate
	return self.Store.CreateElement(ctx, boardId, payload, zIndex, createdBy)
}
