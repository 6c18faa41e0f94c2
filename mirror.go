package mirror

import (
	"bytes"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// mirror maintains a local copy of server-published collections over a
// persistent message connection. The server streams added/changed/removed
// diffs per document, the client applies them to the local store and
// re-runs registered listeners to decide what observers see.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", self.String())), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id json: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// a single mirrored record. `DocId` is unique within its collection.
// the local store is the sole mutator of `Fields` once stored.
type Document struct {
	DocId  string
	Fields map[string]any
}

func NewDocument(docId string, fields map[string]any) *Document {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Document{
		DocId:  docId,
		Fields: fields,
	}
}

func (self *Document) Get(field string) (any, bool) {
	value, ok := self.Fields[field]
	return value, ok
}

// deep copy with JSON-shaped values (maps, slices, scalars)
func (self *Document) Copy() *Document {
	return &Document{
		DocId:  self.DocId,
		Fields: copyFields(self.Fields),
	}
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return copyFields(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func copyDocuments(docs []*Document) []*Document {
	out := make([]*Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Copy()
	}
	return out
}
