package mirror

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

type callResult struct {
	result json.RawMessage
	err    error
}

// invoke a remote method and wait for the matching result message.
// queued at the back of the outgoing queue.
func (self *Client) Call(method string, params ...any) (json.RawMessage, error) {
	return self.call(method, params, false)
}

// like Call but queued at the front, ahead of anything pending
func (self *Client) CallAtBeginning(method string, params ...any) (json.RawMessage, error) {
	return self.call(method, params, true)
}

// the transient result listener is registered before the call is queued
// and removed the moment the call settles, so a call resolves exactly
// once and no listener leaks. A call is not failed by disconnection: it
// stays pending until its own timeout or a late result after reconnect.
func (self *Client) call(method string, params []any, atBeginning bool) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	callId := NewId().String()
	resultChan := make(chan callResult, 1)
	var settled atomic.Bool

	eventSub := self.transport.On(EventResult, func(event *Event) {
		if event.CallId != callId {
			return
		}
		if !settled.CompareAndSwap(false, true) {
			// lost the race against the timeout
			return
		}
		if event.Error != nil {
			resultChan <- callResult{err: event.Error}
		} else {
			resultChan <- callResult{result: event.Result}
		}
	})
	defer eventSub.Stop()

	self.transport.Call(callId, method, params, atBeginning)

	maxTimeout := self.settings.MaxTimeout
	if maxTimeout <= 0 {
		select {
		case <-self.ctx.Done():
			return nil, self.ctx.Err()
		case r := <-resultChan:
			return r.result, r.err
		}
	}
	select {
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case r := <-resultChan:
		return r.result, r.err
	case <-time.After(maxTimeout):
		if settled.CompareAndSwap(false, true) {
			return nil, ErrMethodTimeout
		}
		// a result arrived as the timer fired
		r := <-resultChan
		return r.result, r.err
	}
}
