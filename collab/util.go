package collab

import (
	"slices"
	"sync"
)

// makes a copy of the list on update, so that getting the callbacks
// never blocks behind a dispatch
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []Id
	callbacks   map[Id]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []Id{},
		callbacks:   map[Id]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks[callbackId] = callback
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, callbackId)
}

// edge-triggered notification. The notify channel is closed and replaced
// on each NotifyAll, so waiters never miss an update between snapshots.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}
