package mirror

import (
	"fmt"
	"sync/atomic"

	"github.com/golang/glog"
)

// bulk operations synthesize one transport-level diff per affected
// document, tagged with a per-operation id, and resolve once the
// expected number of tagged acknowledgements has round-tripped through
// dispatch. The tag is the instance id plus a monotonic per-instance
// counter, never reused across calls.

func (self *Client) nextOpTag() string {
	seq := atomic.AddInt64(&self.opSeq, 1)
	return fmt.Sprintf("%s-%d", self.instanceId, seq)
}

// remove every stored document across every collection. Idempotent:
// an empty store resolves immediately with no round trip.
func (self *Client) ClearData() {
	snapshot := self.store.Snapshot()
	count := 0
	for _, docs := range snapshot {
		count += len(docs)
	}
	if count == 0 {
		return
	}

	tag := self.nextOpTag()
	done := make(chan struct{})
	remaining := int64(count)
	eventSub := self.transport.On(EventRemoved, func(event *Event) {
		if event.Tag != tag {
			return
		}
		if atomic.AddInt64(&remaining, -1) == 0 {
			close(done)
		}
	})
	defer eventSub.Stop()

	for collection, docs := range snapshot {
		for _, doc := range docs {
			self.transport.Emit(&Event{
				Name:       EventRemoved,
				Collection: collection,
				DocId:      doc.DocId,
				Tag:        tag,
			})
		}
	}

	select {
	case <-self.ctx.Done():
	case <-done:
	}
}

// load documents into the store as if each had arrived as an added
// diff, with the full notification stream. Accepts codec text, a raw
// snapshot, or the decoded map shape.
func (self *Client) ImportData(data any) error {
	collections, err := self.normalizeImport(data)
	if err != nil {
		return err
	}

	count := 0
	for _, docs := range collections {
		count += len(docs)
	}
	if count == 0 {
		return nil
	}

	tag := self.nextOpTag()
	done := make(chan struct{})
	remaining := int64(count)
	eventSub := self.transport.On(EventAdded, func(event *Event) {
		if event.Tag != tag {
			return
		}
		if atomic.AddInt64(&remaining, -1) == 0 {
			close(done)
		}
	})
	defer eventSub.Stop()

	for collection, docs := range collections {
		for _, doc := range docs {
			self.transport.Emit(&Event{
				Name:       EventAdded,
				Collection: collection,
				DocId:      doc.DocId,
				Fields:     doc.Fields,
				Tag:        tag,
			})
		}
	}

	select {
	case <-self.ctx.Done():
	case <-done:
	}
	return nil
}

func (self *Client) normalizeImport(data any) (map[string][]*Document, error) {
	switch v := data.(type) {
	case string:
		decoded, err := self.codec.Decode(v)
		if err != nil {
			return nil, err
		}
		return self.normalizeImport(decoded)
	case []byte:
		return self.normalizeImport(string(v))
	case map[string][]*Document:
		out := map[string][]*Document{}
		for collection, docs := range v {
			out[collection] = copyDocuments(docs)
		}
		return out, nil
	case map[string][]map[string]any:
		out := map[string][]*Document{}
		for collection, docMaps := range v {
			for _, docMap := range docMaps {
				out[collection] = append(out[collection], parseDocMap(collection, docMap))
			}
		}
		return out, nil
	case map[string]any:
		// decoded JSON shape: collection -> []any of objects
		out := map[string][]*Document{}
		for collection, value := range v {
			docValues, ok := value.([]any)
			if !ok {
				return nil, &DecodeError{cause: fmt.Errorf("collection %s is not a list", collection)}
			}
			for _, docValue := range docValues {
				docMap, ok := docValue.(map[string]any)
				if !ok {
					return nil, &DecodeError{cause: fmt.Errorf("collection %s has a non-object document", collection)}
				}
				out[collection] = append(out[collection], parseDocMap(collection, docMap))
			}
		}
		return out, nil
	default:
		return nil, &DecodeError{cause: fmt.Errorf("unsupported import type %T", data)}
	}
}

// a flattened document carries its identifier under "id"
func parseDocMap(collection string, docMap map[string]any) *Document {
	fields := copyFields(docMap)
	docId, ok := fields["id"].(string)
	if !ok {
		docId = NewId().String()
		glog.Infof("[bulk]%s document missing id, assigned %s\n", collection, docId)
	}
	delete(fields, "id")
	return NewDocument(docId, fields)
}

// codec-encoded text of every collection, importable by ImportData
func (self *Client) ExportData() (string, error) {
	flattened := map[string][]map[string]any{}
	for collection, docs := range self.store.Snapshot() {
		docMaps := []map[string]any{}
		for _, doc := range docs {
			docMap := copyFields(doc.Fields)
			docMap["id"] = doc.DocId
			docMaps = append(docMaps, docMap)
		}
		flattened[collection] = docMaps
	}
	return self.codec.Encode(flattened)
}

// deep-copied mapping of collection name to document sequence
func (self *Client) ExportDataRaw() map[string][]*Document {
	return self.store.Snapshot()
}

// mark the given subscriptions ready locally, resolving on the first
// matching tagged acknowledgement
func (self *Client) MarkReady(subs ...*Subscription) {
	if len(subs) == 0 {
		return
	}

	subIds := []string{}
	for _, sub := range subs {
		subIds = append(subIds, sub.SubId())
	}

	tag := self.nextOpTag()
	done := make(chan struct{})
	var once atomic.Bool
	eventSub := self.transport.On(EventReady, func(event *Event) {
		if event.Tag != tag {
			return
		}
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	})
	defer eventSub.Stop()

	self.transport.Emit(&Event{
		Name: EventReady,
		Subs: subIds,
		Tag:  tag,
	})

	select {
	case <-self.ctx.Done():
	case <-done:
	}
}
