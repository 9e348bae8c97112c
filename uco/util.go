package uco

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// Monitor notifies waiters of a state change by closing the current
// notify channel and replacing it with a new one.
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

// CallbackList makes a copy of the list on update,
// so that iteration never races registration.
type CallbackList[T any] struct {
	mutex   sync.Mutex
	nextId  int
	entries []*callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// Add registers the callback and returns a remove function.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbackId := self.nextId
	self.nextId += 1
	nextEntries := slices.Clone(self.entries)
	self.entries = append(nextEntries, &callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	i := slices.IndexFunc(self.entries, func(entry *callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	self.entries = slices.Delete(nextEntries, i, i+1)
}

// all callbacks are wrapped to recover from errors, so that one bad
// consumer cannot take down the dispatch pipeline
func safeCallback(callback func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[uco]callback recovered = %v\n", r)
		}
	}()
	callback()
}
