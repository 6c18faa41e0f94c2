package mirror

import (
	"encoding/json"
)

// structured-value codec used by textual import/export
type Codec interface {
	Encode(value any) (string, error)
	Decode(text string) (any, error)
}

type JsonCodec struct {
}

func NewJsonCodec() *JsonCodec {
	return &JsonCodec{}
}

func (self *JsonCodec) Encode(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (self *JsonCodec) Decode(text string) (any, error) {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, &DecodeError{cause: err}
	}
	return value, nil
}
