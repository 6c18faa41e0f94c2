package mirror

import (
	"sync"
)

type QueryUpdateFunc func(docs []*Document)

// a materialized fetch that stays current: every dispatched change on
// the collection triggers a full re-fetch through the fixed
// filter/sort/skip/limit pipeline
type LiveQuery struct {
	client     *Client
	collection string
	opts       *FetchOptions

	stateLock sync.Mutex
	results   []*Document

	updateCallbacks *callbackList[QueryUpdateFunc]

	listener *Listener
}

func (self *Client) LiveQuery(collection string, opts *FetchOptions) *LiveQuery {
	query := &LiveQuery{
		client:          self,
		collection:      collection,
		opts:            opts,
		updateCallbacks: newCallbackList[QueryUpdateFunc](),
	}
	query.results = self.store.Fetch(collection, opts)
	query.listener = self.listeners.Add(collection, func(change *Change) {
		query.update()
	}, nil)
	return query
}

func (self *LiveQuery) update() {
	results := self.client.store.Fetch(self.collection, self.opts)

	self.stateLock.Lock()
	self.results = results
	self.stateLock.Unlock()

	for _, callback := range self.updateCallbacks.Get() {
		callback := callback
		safeInvoke(func() {
			callback(results)
		})
	}
}

// current materialized results (deep copies)
func (self *LiveQuery) Results() []*Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return copyDocuments(self.results)
}

func (self *LiveQuery) OnUpdate(callback QueryUpdateFunc) *QueryUpdateSub {
	handleId := self.updateCallbacks.Add(callback)
	return &QueryUpdateSub{
		query:    self,
		handleId: handleId,
	}
}

func (self *LiveQuery) Stop() {
	self.listener.Stop()
}

type QueryUpdateSub struct {
	query    *LiveQuery
	handleId int64
}

func (self *QueryUpdateSub) Stop() {
	self.query.updateCallbacks.Remove(self.handleId)
}

// single-kind observer handles over the change stream

func (self *Client) ObserveAdded(collection string, callback func(doc *Document)) *Listener {
	return self.listeners.Add(collection, func(change *Change) {
		if change.Added != nil {
			callback(change.Added)
		}
	}, nil)
}

func (self *Client) ObserveChanged(collection string, callback func(prev *Document, next *Document)) *Listener {
	return self.listeners.Add(collection, func(change *Change) {
		if change.Prev != nil && change.Next != nil {
			callback(change.Prev, change.Next)
		}
	}, nil)
}

func (self *Client) ObserveRemoved(collection string, callback func(doc *Document)) *Listener {
	return self.listeners.Add(collection, func(change *Change) {
		if change.Removed != nil {
			callback(change.Removed)
		}
	}, nil)
}
