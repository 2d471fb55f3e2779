package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/drawsync/drawsync/collab"
)

func testStore(t *testing.T) *SqliteStore {
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %s", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestSqliteCreateList(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	boardId := collab.NewId()

	created, err := store.CreateElement(
		ctx,
		boardId,
		collab.ElementPayload{Type: collab.ElementRectangle, X: 1, Y: 2, Width: 3, Height: 4, Color: "#ff0000"},
		5,
		collab.GuestCreator("guest-1"),
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, created.ElementId.IsZero())
	assert.Equal(t, boardId, created.BoardId)

	elements, err := store.ListElements(ctx, boardId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, created.ElementId, elements[0].ElementId)
	assert.Equal(t, collab.ElementRectangle, elements[0].Payload.Type)
	assert.Equal(t, "#ff0000", elements[0].Payload.Color)
	assert.Equal(t, 5, elements[0].ZIndex)
	assert.Equal(t, "guest-1", elements[0].CreatedBy.GuestSessionId)
	assert.Equal(t, created.CreateTime, elements[0].CreateTime)
}

func TestSqliteListOrder(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	boardId := collab.NewId()

	back, err := store.CreateElement(ctx, boardId, collab.ElementPayload{Type: collab.ElementStroke}, 0, collab.GuestCreator("g"))
	assert.Equal(t, nil, err)
	front, err := store.CreateElement(ctx, boardId, collab.ElementPayload{Type: collab.ElementCircle}, 2, collab.GuestCreator("g"))
	assert.Equal(t, nil, err)
	middle, err := store.CreateElement(ctx, boardId, collab.ElementPayload{Type: collab.ElementText, Text: "hi"}, 1, collab.GuestCreator("g"))
	assert.Equal(t, nil, err)

	elements, err := store.ListElements(ctx, boardId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(elements))
	assert.Equal(t, back.ElementId, elements[0].ElementId)
	assert.Equal(t, middle.ElementId, elements[1].ElementId)
	assert.Equal(t, front.ElementId, elements[2].ElementId)
}

func TestSqliteBoardsIsolated(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	boardA := collab.NewId()
	boardB := collab.NewId()

	_, err := store.CreateElement(ctx, boardA, collab.ElementPayload{Type: collab.ElementStroke}, 0, collab.GuestCreator("g"))
	assert.Equal(t, nil, err)

	elements, err := store.ListElements(ctx, boardB)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(elements))
}

func TestSqliteUpdate(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	boardId := collab.NewId()

	created, err := store.CreateElement(ctx, boardId, collab.ElementPayload{Type: collab.ElementRectangle, Width: 10}, 0, collab.GuestCreator("g"))
	assert.Equal(t, nil, err)

	updated, err := store.UpdateElement(ctx, boardId, created.ElementId, collab.ElementPayload{Type: collab.ElementRectangle, Width: 20})
	assert.Equal(t, nil, err)
	assert.Equal(t, created.ElementId, updated.ElementId)
	assert.Equal(t, float64(20), updated.Payload.Width)
	// creator and create time survive payload updates
	assert.Equal(t, created.CreatedBy, updated.CreatedBy)
	assert.Equal(t, created.CreateTime, updated.CreateTime)
}

func TestSqliteUpdateMissing(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)

	_, err := store.UpdateElement(ctx, collab.NewId(), collab.NewId(), collab.ElementPayload{Type: collab.ElementStroke})
	assert.Equal(t, collab.ErrElementNotFound, err)
}

func TestSqliteDelete(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	boardId := collab.NewId()

	a, err := store.CreateElement(ctx, boardId, collab.ElementPayload{Type: collab.ElementStroke}, 0, collab.GuestCreator("g"))
	assert.Equal(t, nil, err)
	b, err := store.CreateElement(ctx, boardId, collab.ElementPayload{Type: collab.ElementStroke}, 0, collab.GuestCreator("g"))
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, store.DeleteElements(ctx, boardId, []collab.Id{a.ElementId}))

	elements, err := store.ListElements(ctx, boardId)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, b.ElementId, elements[0].ElementId)

	// deleting an already-deleted id is a no-op
	assert.Equal(t, nil, store.DeleteElements(ctx, boardId, []collab.Id{a.ElementId}))
	// as is an empty batch
	assert.Equal(t, nil, store.DeleteElements(ctx, boardId, []collab.Id{}))
}
