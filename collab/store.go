package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrElementNotFound is a persistence rejection, not a connectivity failure.
var ErrElementNotFound = errors.New("element not found")

// ConnectivityError marks a store or transport call that failed because the
// link is down. The mutation pipeline routes these to the offline queue;
// every other error is a persistence rejection and is logged, not retried.
type ConnectivityError struct {
	Err error
}

func (self *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s", self.Err)
}

func (self *ConnectivityError) Unwrap() error {
	return self.Err
}

func Disconnected(err error) error {
	return &ConnectivityError{Err: err}
}

func IsConnectivityError(err error) bool {
	var connectivityError *ConnectivityError
	return errors.As(err, &connectivityError)
}

// Store is the authoritative persistence layer for elements.
// Writes resolve last-write-wins at element granularity: the state the
// store keeps is whichever write it applied most recently, with no merge.
// Create and update are safe to retry, at the cost of a possible duplicate
// create (retried creates are not idempotency-keyed). Delete is naturally
// idempotent: deleting an already-deleted id is a no-op.
type Store interface {
	CreateElement(ctx context.Context, boardId Id, payload ElementPayload, zIndex int, createdBy CreatorRef) (*Element, error)
	UpdateElement(ctx context.Context, boardId Id, elementId Id, payload ElementPayload) (*Element, error)
	DeleteElements(ctx context.Context, boardId Id, elementIds []Id) error
	ListElements(ctx context.Context, boardId Id) ([]*Element, error)
}

// MemoryStore is an in-memory Store with the reference last-write-wins
// semantics. SetOffline simulates connectivity loss for tests and local use.
type MemoryStore struct {
	stateLock sync.Mutex
	elements  map[Id]map[Id]*Element
	offline   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		elements: map[Id]map[Id]*Element{},
	}
}

func (self *MemoryStore) SetOffline(offline bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.offline = offline
}

func (self *MemoryStore) checkOnline() error {
	if self.offline {
		return Disconnected(errors.New("store offline"))
	}
	return nil
}

func (self *MemoryStore) CreateElement(ctx context.Context, boardId Id, payload ElementPayload, zIndex int, createdBy CreatorRef) (*Element, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.checkOnline(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	element := &Element{
		ElementId:  NewId(),
		BoardId:    boardId,
		Payload:    payload,
		ZIndex:     zIndex,
		CreatedBy:  createdBy,
		CreateTime: now,
		UpdateTime: now,
	}

	boardElements, ok := self.elements[boardId]
	if !ok {
		boardElements = map[Id]*Element{}
		self.elements[boardId] = boardElements
	}
	boardElements[element.ElementId] = element

	return element.Copy(), nil
}

func (self *MemoryStore) UpdateElement(ctx context.Context, boardId Id, elementId Id, payload ElementPayload) (*Element, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.checkOnline(); err != nil {
		return nil, err
	}

	element, ok := self.elements[boardId][elementId]
	if !ok {
		return nil, ErrElementNotFound
	}
	element.Payload = payload
	element.UpdateTime = time.Now().UTC()

	return element.Copy(), nil
}

func (self *MemoryStore) DeleteElements(ctx context.Context, boardId Id, elementIds []Id) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.checkOnline(); err != nil {
		return err
	}

	for _, elementId := range elementIds {
		delete(self.elements[boardId], elementId)
	}
	return nil
}

func (self *MemoryStore) ListElements(ctx context.Context, boardId Id) ([]*Element, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.checkOnline(); err != nil {
		return nil, err
	}

	elements := []*Element{}
	for _, element := range self.elements[boardId] {
		elements = append(elements, element.Copy())
	}
	SortForPaint(elements)
	return elements, nil
}
