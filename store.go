package mirror

import (
	"sync"

	"golang.org/x/exp/slices"
)

// stable, comparator-based
type SortFunc func(a *Document, b *Document) int

// point-in-time query options. The pipeline order is fixed:
// filter, then sort, then skip, then limit.
type FetchOptions struct {
	Filter FilterFunc
	Sort   SortFunc
	Skip   int
	Limit  int
}

// per-collection ordered set of documents keyed by id. Sole mutator of
// mirrored state. Insertion order is arrival order; the store never
// re-sorts. Diff application also drives listener dispatch, so that a
// listener always observes the collection in the state that produced
// its notification.
type Store struct {
	stateLock sync.Mutex

	collections map[string][]*Document

	listeners *ListenerRegistry
}

func NewStore(listeners *ListenerRegistry) *Store {
	return &Store{
		collections: map[string][]*Document{},
		listeners:   listeners,
	}
}

func indexOfDoc(docs []*Document, docId string) int {
	return slices.IndexFunc(docs, func(doc *Document) bool {
		return doc.DocId == docId
	})
}

// append a new document built from id+fields. An existing document with
// the same id is evicted first without notification — it is a stale
// replacement from a prior subscription, not a user-visible deletion.
func (self *Store) ApplyAdded(collection string, docId string, fields map[string]any) {
	self.stateLock.Lock()
	docs := self.collections[collection]
	if i := indexOfDoc(docs, docId); 0 <= i {
		docs = slices.Delete(docs, i, i+1)
	}
	doc := NewDocument(docId, copyFields(fields))
	docs = append(docs, doc)
	self.collections[collection] = docs
	index := len(docs) - 1
	self.stateLock.Unlock()

	for _, listener := range self.listeners.listenersFor(collection) {
		if listener.filter == nil {
			self.listeners.invoke(listener, &Change{
				Added: doc.Copy(),
			})
		} else if self.listeners.evalFilter(listener, doc, index, docs) {
			// filtered adds deliver the changed payload shape,
			// with every field flagged as added
			fieldStates := map[string]FieldState{}
			for field := range doc.Fields {
				fieldStates[field] = FieldStateAdded
			}
			self.listeners.invoke(listener, &Change{
				Next:      doc.Copy(),
				Fields:    fieldStates,
				NextMatch: true,
			})
		}
	}
}

// merge `fields` into the live document and delete every key in
// `cleared`. A change for an unknown id falls back to ApplyAdded.
func (self *Store) ApplyChanged(collection string, docId string, fields map[string]any, cleared []string) {
	self.stateLock.Lock()
	docs := self.collections[collection]
	index := indexOfDoc(docs, docId)
	if index < 0 {
		self.stateLock.Unlock()
		self.ApplyAdded(collection, docId, fields)
		return
	}
	doc := docs[index]
	prev := doc.Copy()

	fieldStates := map[string]FieldState{}
	fieldsChanged := map[string]any{}
	for field, value := range fields {
		doc.Fields[field] = copyValue(value)
		fieldStates[field] = FieldStateChanged
		fieldsChanged[field] = value
	}
	fieldsRemoved := []string{}
	for _, field := range cleared {
		delete(doc.Fields, field)
		fieldStates[field] = FieldStateCleared
		fieldsRemoved = append(fieldsRemoved, field)
	}
	self.stateLock.Unlock()

	for _, listener := range self.listeners.listenersFor(collection) {
		if listener.filter == nil {
			self.listeners.invoke(listener, &Change{
				Prev:          prev,
				Next:          doc.Copy(),
				Fields:        fieldStates,
				FieldsChanged: fieldsChanged,
				FieldsRemoved: fieldsRemoved,
			})
		} else {
			prevMatch := self.listeners.evalFilter(listener, prev, index, docs)
			nextMatch := self.listeners.evalFilter(listener, doc.Copy(), index, docs)
			if prevMatch || nextMatch {
				self.listeners.invoke(listener, &Change{
					Prev:          prev,
					Next:          doc.Copy(),
					Fields:        fieldStates,
					FieldsChanged: fieldsChanged,
					FieldsRemoved: fieldsRemoved,
					PrevMatch:     prevMatch,
					NextMatch:     nextMatch,
				})
			}
		}
	}
}

// remove the document. A removal for an unknown id is a no-op.
func (self *Store) ApplyRemoved(collection string, docId string) {
	self.stateLock.Lock()
	docs := self.collections[collection]
	index := indexOfDoc(docs, docId)
	if index < 0 {
		self.stateLock.Unlock()
		return
	}
	doc := docs[index]
	docs = slices.Delete(docs, index, index+1)
	self.collections[collection] = docs
	self.stateLock.Unlock()

	for _, listener := range self.listeners.listenersFor(collection) {
		if listener.filter == nil {
			// the removed document itself, not a copy.
			// kept for compatibility with observed behavior
			self.listeners.invoke(listener, &Change{
				Removed: doc,
			})
		} else if self.listeners.evalFilter(listener, doc, index, docs) {
			self.listeners.invoke(listener, &Change{
				Prev:      doc,
				PrevMatch: true,
			})
		}
	}
}

// point-in-time query over a deep copy of the stored sequence
func (self *Store) Fetch(collection string, opts *FetchOptions) []*Document {
	self.stateLock.Lock()
	docs := copyDocuments(self.collections[collection])
	self.stateLock.Unlock()

	if opts == nil {
		return docs
	}

	if opts.Filter != nil {
		filtered := []*Document{}
		for i, doc := range docs {
			if opts.Filter(doc, i, docs) {
				filtered = append(filtered, doc)
			}
		}
		docs = filtered
	}
	if opts.Sort != nil {
		slices.SortStableFunc(docs, opts.Sort)
	}
	if 0 < opts.Skip {
		if len(docs) <= opts.Skip {
			docs = []*Document{}
		} else {
			docs = docs[opts.Skip:]
		}
	}
	if 0 < opts.Limit && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs
}

// deep copy of every collection
func (self *Store) Snapshot() map[string][]*Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := map[string][]*Document{}
	for collection, docs := range self.collections {
		snapshot[collection] = copyDocuments(docs)
	}
	return snapshot
}

func (self *Store) Collections() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collections := []string{}
	for collection, docs := range self.collections {
		if 0 < len(docs) {
			collections = append(collections, collection)
		}
	}
	slices.Sort(collections)
	return collections
}

func (self *Store) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, docs := range self.collections {
		count += len(docs)
	}
	return count
}
