package mirror

import (
	"errors"
	"fmt"
)

// maximum wait elapsed before the matching lifecycle event
var ErrConnectTimeout = errors.New("connect timeout")

// maximum wait elapsed before a matching result message
var ErrMethodTimeout = errors.New("method timeout")

// server-supplied error payload on a result or error message,
// propagated verbatim to the pending call
type RemoteError struct {
	Err     string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

func (self *RemoteError) Error() string {
	if self.Reason != "" {
		return fmt.Sprintf("remote error %s: %s", self.Err, self.Reason)
	}
	return fmt.Sprintf("remote error %s", self.Err)
}

// malformed textual input to import/decode. Surfaced synchronously.
type DecodeError struct {
	cause error
}

func (self *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", self.cause)
}

func (self *DecodeError) Unwrap() error {
	return self.cause
}
