package mirror

import (
	"sync"

	"golang.org/x/exp/slices"
)

type FieldState string

const (
	FieldStateAdded   FieldState = "added"
	FieldStateChanged FieldState = "changed"
	FieldStateCleared FieldState = "cleared"
)

// one change notification. Which fields are set depends on the diff kind
// and on whether the listener carries a filter:
//
//	added, no filter:    Added (deep copy)
//	added, filter:       Prev=nil, Next (deep copy), Fields flagged added.
//	                     this is the changed payload shape, kept for
//	                     compatibility with observed behavior
//	changed:             Prev, Next (deep copies), Fields, FieldsChanged,
//	                     FieldsRemoved; filtered listeners also get
//	                     PrevMatch/NextMatch so an observer can tell
//	                     entering the filtered set from leaving it
//	removed, no filter:  Removed (live reference, not a copy — an
//	                     intentional asymmetry with the other paths)
//	removed, filter:     Prev (live reference), Next=nil
type Change struct {
	Added   *Document
	Removed *Document
	Prev    *Document
	Next    *Document

	Fields        map[string]FieldState
	FieldsChanged map[string]any
	FieldsRemoved []string

	PrevMatch bool
	NextMatch bool
}

type ChangeFunc func(change *Change)

// filter predicate over a document, its index, and the collection array
type FilterFunc func(doc *Document, index int, docs []*Document) bool

// a registered change observer. Removed only by an explicit `Stop`.
type Listener struct {
	handleId   int64
	collection string
	callback   ChangeFunc
	filter     FilterFunc

	registry *ListenerRegistry
}

// removal is synchronous. A stopped listener receives no further
// notifications because dispatch and removal share one execution context.
func (self *Listener) Stop() {
	self.registry.remove(self.handleId)
}

// ordered list of registered listeners keyed by a stable handle id.
// listeners for a given diff are invoked in registration order.
type ListenerRegistry struct {
	stateLock sync.Mutex

	nextHandleId int64
	handleIds    []int64
	listeners    map[int64]*Listener
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{
		handleIds: []int64{},
		listeners: map[int64]*Listener{},
	}
}

func (self *ListenerRegistry) Add(collection string, callback ChangeFunc, filter FilterFunc) *Listener {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextHandleId += 1
	listener := &Listener{
		handleId:   self.nextHandleId,
		collection: collection,
		callback:   callback,
		filter:     filter,
		registry:   self,
	}
	self.handleIds = append(slices.Clone(self.handleIds), listener.handleId)
	self.listeners[listener.handleId] = listener
	return listener
}

func (self *ListenerRegistry) remove(handleId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.handleIds, handleId)
	if i < 0 {
		return
	}
	self.handleIds = slices.Delete(slices.Clone(self.handleIds), i, i+1)
	delete(self.listeners, handleId)
}

// snapshot of the listeners for one collection, in registration order
func (self *ListenerRegistry) listenersFor(collection string) []*Listener {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	listeners := []*Listener{}
	for _, handleId := range self.handleIds {
		listener := self.listeners[handleId]
		if listener.collection == collection {
			listeners = append(listeners, listener)
		}
	}
	return listeners
}

func (self *ListenerRegistry) invoke(listener *Listener, change *Change) {
	safeInvoke(func() {
		listener.callback(change)
	})
}

func (self *ListenerRegistry) evalFilter(listener *Listener, doc *Document, index int, docs []*Document) bool {
	match := false
	safeInvoke(func() {
		match = listener.filter(doc, index, docs)
	})
	return match
}
