package collab

import (
	"context"
	"slices"
	"sync"

	"github.com/golang/glog"
)

type HistoryActionKind string

const (
	HistoryCreate HistoryActionKind = "create"
	HistoryDelete HistoryActionKind = "delete"
	HistoryModify HistoryActionKind = "modify"
)

// HistoryEntry carries the snapshot needed to reverse one action.
// ElementId is the stable local handle, so the entry stays valid across
// re-creation even though the store assigns a new authoritative identity
// each time (the handle to store-id remap lives in the pipeline).
type HistoryEntry struct {
	Kind      HistoryActionKind
	ElementId Id
	Payload   ElementPayload
	ZIndex    int
}

// execution state as an explicit enum so that an undo or redo in progress
// cannot be recorded as a new action
type historyState int

const (
	historyIdle historyState = iota
	historyUndoing
	historyRedoing
)

const DefaultHistoryLimit = 50

// reversal hooks implemented by the mutation pipeline.
// restoreElement re-adds the element locally under its original handle and
// persists a new create. discardElement removes the element locally and
// persists a delete. Connectivity failures are absorbed by the pipeline's
// offline queue and are not surfaced here.
type historyTarget interface {
	restoreElement(ctx context.Context, entry *HistoryEntry) error
	discardElement(ctx context.Context, elementId Id) error
}

// HistoryManager is a bounded linear undo/redo stack. Recording a new
// action after an undo clears the redo stack. Pushing past the limit
// evicts the oldest entry. Undo and redo on an empty stack are no-ops.
type HistoryManager struct {
	stateLock sync.Mutex
	undoStack []*HistoryEntry
	redoStack []*HistoryEntry
	state     historyState
	limit     int
}

func NewHistoryManager(limit int) *HistoryManager {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryManager{
		undoStack: []*HistoryEntry{},
		redoStack: []*HistoryEntry{},
		state:     historyIdle,
		limit:     limit,
	}
}

// Record pushes a reversible action. It is a no-op while an undo or redo
// is executing, so reversals are never recorded as new actions.
// Returns whether the entry was recorded.
func (self *HistoryManager) Record(entry *HistoryEntry) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != historyIdle {
		return false
	}

	self.undoStack = append(self.undoStack, entry)
	if self.limit < len(self.undoStack) {
		// evict oldest
		self.undoStack = slices.Delete(self.undoStack, 0, len(self.undoStack)-self.limit)
	}
	self.redoStack = self.redoStack[:0]
	return true
}

func (self *HistoryManager) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.undoStack)
}

func (self *HistoryManager) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.redoStack)
}

func (self *HistoryManager) UndoDepth() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.undoStack)
}

func (self *HistoryManager) RedoDepth() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.redoStack)
}

func (self *HistoryManager) Undo(ctx context.Context, target historyTarget) error {
	entry, ok := self.begin(historyUndoing, &self.undoStack)
	if !ok {
		return nil
	}

	var err error
	switch entry.Kind {
	case HistoryCreate:
		err = target.discardElement(ctx, entry.ElementId)
	case HistoryDelete:
		err = target.restoreElement(ctx, entry)
	default:
		// modify is not reversible in the current behavior
		glog.V(1).Infof("[u]skip non-reversible %s %s\n", entry.Kind, entry.ElementId)
	}

	self.finish(entry, err, &self.undoStack, &self.redoStack)
	return err
}

func (self *HistoryManager) Redo(ctx context.Context, target historyTarget) error {
	entry, ok := self.begin(historyRedoing, &self.redoStack)
	if !ok {
		return nil
	}

	var err error
	switch entry.Kind {
	case HistoryCreate:
		// re-apply the original create
		err = target.restoreElement(ctx, entry)
	case HistoryDelete:
		err = target.discardElement(ctx, entry.ElementId)
	default:
		glog.V(1).Infof("[u]skip non-reversible %s %s\n", entry.Kind, entry.ElementId)
	}

	self.finish(entry, err, &self.redoStack, &self.undoStack)
	return err
}

func (self *HistoryManager) begin(state historyState, from *[]*HistoryEntry) (*HistoryEntry, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state != historyIdle || len(*from) == 0 {
		return nil, false
	}
	entry := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]
	self.state = state
	return entry, true
}

// on success the entry moves to the opposite stack; on failure it is
// pushed back where it came from so the action stays reversible
func (self *HistoryManager) finish(entry *HistoryEntry, err error, from *[]*HistoryEntry, to *[]*HistoryEntry) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err == nil {
		*to = append(*to, entry)
	} else {
		*from = append(*from, entry)
	}
	self.state = historyIdle
}
