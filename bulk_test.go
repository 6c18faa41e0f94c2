package mirror

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestClearDataEmptyStoreResolvesImmediately(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	removed := 0
	eventSub := transport.On(EventRemoved, func(event *Event) {
		removed += 1
	})
	defer eventSub.Stop()

	// zero round trips on an empty store
	client.ClearData()
	assert.Equal(t, removed, 0)
}

func TestClearDataRemovesEveryDocument(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	transport.Emit(&Event{Name: EventAdded, Collection: "tasks", DocId: "a", Fields: map[string]any{"v": 1}})
	transport.Emit(&Event{Name: EventAdded, Collection: "tasks", DocId: "b", Fields: map[string]any{"v": 2}})
	transport.Emit(&Event{Name: EventAdded, Collection: "users", DocId: "u", Fields: map[string]any{"n": "x"}})

	removed := 0
	eventSub := transport.On(EventRemoved, func(event *Event) {
		removed += 1
	})
	defer eventSub.Stop()

	client.ClearData()

	assert.Equal(t, removed, 3)
	assert.Equal(t, client.store.Count(), 0)

	// idempotent
	client.ClearData()
	assert.Equal(t, removed, 3)
}

func TestImportDataText(t *testing.T) {
	client, _ := newTestClient(t, nil)
	defer client.Close()

	err := client.ImportData(`{"tasks":[{"id":"a","v":1},{"id":"b","v":2}]}`)
	assert.Equal(t, err, nil)

	docs := client.Fetch("tasks", nil)
	assert.Equal(t, len(docs), 2)
	assert.Equal(t, docs[0].DocId, "a")
	assert.Equal(t, docs[0].Fields["v"], float64(1))
	assert.Equal(t, docs[1].DocId, "b")
}

func TestImportDataMalformedText(t *testing.T) {
	client, _ := newTestClient(t, nil)
	defer client.Close()

	err := client.ImportData(`{not json`)
	assert.NotEqual(t, err, nil)
	_, ok := err.(*DecodeError)
	assert.Equal(t, ok, true)
}

func TestImportDataNotifiesListeners(t *testing.T) {
	client, _ := newTestClient(t, nil)
	defer client.Close()

	added := 0
	listener := client.OnChange("tasks", func(change *Change) {
		if change.Added != nil {
			added += 1
		}
	})
	defer listener.Stop()

	err := client.ImportData(map[string][]map[string]any{
		"tasks": {
			{"id": "a", "v": 1},
			{"id": "b", "v": 2},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, added, 2)
}

func TestExportImportRoundTrip(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	transport.Emit(&Event{Name: EventAdded, Collection: "tasks", DocId: "a", Fields: map[string]any{"v": float64(1)}})
	transport.Emit(&Event{Name: EventAdded, Collection: "users", DocId: "u", Fields: map[string]any{"name": "x"}})

	text, err := client.ExportData()
	assert.Equal(t, err, nil)

	other, _ := newTestClient(t, nil)
	defer other.Close()

	err = other.ImportData(text)
	assert.Equal(t, err, nil)

	assert.Equal(t, other.store.Count(), 2)
	docs := other.Fetch("tasks", nil)
	assert.Equal(t, len(docs), 1)
	assert.Equal(t, docs[0].DocId, "a")
	assert.Equal(t, docs[0].Fields["v"], float64(1))
}

func TestExportDataRaw(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	transport.Emit(&Event{Name: EventAdded, Collection: "tasks", DocId: "a", Fields: map[string]any{"v": 1}})

	raw := client.ExportDataRaw()
	assert.Equal(t, len(raw["tasks"]), 1)

	// deep copy: mutation does not reach the store
	raw["tasks"][0].Fields["v"] = 99
	assert.Equal(t, client.Fetch("tasks", nil)[0].Fields["v"], 1)

	// the raw form is importable as is
	other, _ := newTestClient(t, nil)
	defer other.Close()
	err := other.ImportData(client.ExportDataRaw())
	assert.Equal(t, err, nil)
	assert.Equal(t, other.store.Count(), 1)
}

func TestMarkReady(t *testing.T) {
	client, _ := newTestClient(t, nil)
	defer client.Close()

	feed := client.Subscribe("feed")
	other := client.Subscribe("other")
	assert.Equal(t, feed.IsReady(), false)

	client.MarkReady(feed)
	assert.Equal(t, feed.IsReady(), true)
	assert.Equal(t, other.IsReady(), false)
}

func TestOpTagsNeverRepeat(t *testing.T) {
	client, _ := newTestClient(t, nil)
	defer client.Close()

	seen := map[string]bool{}
	for i := 0; i < 100; i += 1 {
		tag := client.nextOpTag()
		assert.Equal(t, seen[tag], false)
		seen[tag] = true
	}
}
