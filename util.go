package mirror

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// ordered callback registry. Callbacks are dispatched in registration
// order and removed by the stable handle id returned from `Add`.
// makes a copy of the list on update so `Get` is safe to iterate
// while callbacks add or remove entries.
type callbackList[T any] struct {
	stateLock sync.Mutex

	nextHandleId int64
	handleIds    []int64
	callbacks    map[int64]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		handleIds: []int64{},
		callbacks: map[int64]T{},
	}
}

func (self *callbackList[T]) Add(callback T) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextHandleId += 1
	handleId := self.nextHandleId

	nextHandleIds := slices.Clone(self.handleIds)
	self.handleIds = append(nextHandleIds, handleId)
	self.callbacks[handleId] = callback
	return handleId
}

func (self *callbackList[T]) Remove(handleId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.handleIds, handleId)
	if i < 0 {
		// not present
		return
	}
	nextHandleIds := slices.Clone(self.handleIds)
	self.handleIds = slices.Delete(nextHandleIds, i, i+1)
	delete(self.callbacks, handleId)
}

// snapshot in registration order
func (self *callbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks := make([]T, 0, len(self.handleIds))
	for _, handleId := range self.handleIds {
		callbacks = append(callbacks, self.callbacks[handleId])
	}
	return callbacks
}

func (self *callbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.handleIds)
}

// notify-all broadcast. Waiters select on `NotifyChannel`, which is
// closed and replaced on each `NotifyAll`.
type monitor struct {
	stateLock sync.Mutex
	update    chan struct{}
}

func newMonitor() *monitor {
	return &monitor{
		update: make(chan struct{}),
	}
}

func (self *monitor) NotifyChannel() chan struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.update
}

func (self *monitor) NotifyAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

type reconnect struct {
	timeout time.Duration
	start   time.Time
}

func newReconnect(timeout time.Duration) *reconnect {
	return &reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	return time.After(remaining)
}

// all user callbacks are wrapped to recover from errors so that one
// misbehaving observer cannot take down dispatch
func safeInvoke(do func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[mirror]callback panic = %s\n", r)
		}
	}()
	do()
}
