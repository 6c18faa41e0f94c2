package mirror

import (
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type testCall struct {
	callId      string
	method      string
	params      []any
	atBeginning bool
}

type testSub struct {
	subId  string
	name   string
	params []any
}

// in-memory transport scripted by tests
type testTransport struct {
	*eventDispatcher

	stateLock    sync.Mutex
	connectCount int
	calls        []*testCall
	subs         []*testSub
	unsubs       []string

	connectFn    func()
	disconnectFn func()
}

func newTestTransport() *testTransport {
	return &testTransport{
		eventDispatcher: newEventDispatcher(),
	}
}

func (self *testTransport) Connect() {
	self.stateLock.Lock()
	self.connectCount += 1
	connectFn := self.connectFn
	self.stateLock.Unlock()

	if connectFn != nil {
		connectFn()
	}
}

func (self *testTransport) Disconnect() {
	self.stateLock.Lock()
	disconnectFn := self.disconnectFn
	self.stateLock.Unlock()

	if disconnectFn != nil {
		disconnectFn()
		return
	}
	self.Emit(&Event{
		Name: EventDisconnected,
	})
}

func (self *testTransport) Call(callId string, method string, params []any, atBeginning bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.calls = append(self.calls, &testCall{
		callId:      callId,
		method:      method,
		params:      params,
		atBeginning: atBeginning,
	})
}

func (self *testTransport) Sub(subId string, name string, params []any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.subs = append(self.subs, &testSub{
		subId:  subId,
		name:   name,
		params: params,
	})
}

func (self *testTransport) Unsub(subId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.unsubs = append(self.unsubs, subId)
}

func (self *testTransport) ConnectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connectCount
}

func (self *testTransport) Calls() []*testCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	calls := make([]*testCall, len(self.calls))
	copy(calls, self.calls)
	return calls
}

func (self *testTransport) Subs() []*testSub {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subs := make([]*testSub, len(self.subs))
	copy(subs, self.subs)
	return subs
}

func (self *testTransport) Unsubs() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	unsubs := make([]string, len(self.unsubs))
	copy(unsubs, self.unsubs)
	return unsubs
}

func (self *testTransport) waitForCall(t *testing.T) *testCall {
	endTime := time.Now().Add(5 * time.Second)
	for time.Now().Before(endTime) {
		calls := self.Calls()
		if 0 < len(calls) {
			return calls[len(calls)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no call before timeout")
	return nil
}

func newTestClient(t *testing.T, adjust func(settings *ClientSettings)) (*Client, *testTransport) {
	transport := newTestTransport()
	settings := DefaultClientSettings("ws://test")
	settings.AutoConnect = false
	settings.ReconnectInterval = 10 * time.Millisecond
	settings.Transport = func(ctx context.Context, clientSettings *ClientSettings) Transport {
		return transport
	}
	if adjust != nil {
		adjust(settings)
	}
	client, err := NewClient(settings)
	assert.Equal(t, err, nil)
	return client, transport
}

func TestConnectResolvesOnConnectedEvent(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	transport.connectFn = func() {
		go func() {
			time.Sleep(10 * time.Millisecond)
			transport.Emit(&Event{
				Name:    EventConnected,
				Session: "s1",
			})
		}()
	}

	err := client.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, client.IsConnected(), true)
	assert.Equal(t, client.Session(), "s1")
	assert.Equal(t, transport.ConnectCount(), 1)

	// already connected resolves immediately without contacting the
	// transport again
	err = client.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, transport.ConnectCount(), 1)
}

func TestConnectTimeout(t *testing.T) {
	client, _ := newTestClient(t, func(settings *ClientSettings) {
		settings.MaxTimeout = 50 * time.Millisecond
		settings.AutoReconnect = false
	})
	defer client.Close()

	err := client.Connect()
	assert.Equal(t, err, ErrConnectTimeout)
}

func TestDisconnectClearsAutoReconnect(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	transport.connectFn = func() {
		transport.Emit(&Event{
			Name: EventConnected,
		})
	}

	err := client.Connect()
	assert.Equal(t, err, nil)

	client.Disconnect()
	assert.Equal(t, client.State(), ConnectionStateDisconnected)

	// no reconnect is scheduled after an explicit disconnect
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, transport.ConnectCount(), 1)

	// disconnect again resolves immediately
	client.Disconnect()
}

// a connected dispatch already in flight when Connect is called still
// resolves the wait: the wait tracks connection state, not the event
func TestConnectObservesInFlightConnectedEvent(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	client, transport := newTestClient(t, func(settings *ClientSettings) {
		settings.MaxTimeout = 200 * time.Millisecond
		settings.Plugins = []*Plugin{
			{
				BeforeConnected: func(client *Client) {
					close(entered)
					<-release
				},
			},
		}
	})
	defer client.Close()

	go transport.Emit(&Event{
		Name: EventConnected,
	})
	<-entered

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	err := client.Connect()
	assert.Equal(t, err, nil)
	assert.Equal(t, client.IsConnected(), true)
}

func TestDisconnectObservesInFlightDisconnectedEvent(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	client, transport := newTestClient(t, func(settings *ClientSettings) {
		settings.Plugins = []*Plugin{
			{
				BeforeDisconnected: func(client *Client) {
					select {
					case entered <- struct{}{}:
					default:
					}
					<-release
				},
			},
		}
	})
	defer client.Close()

	transport.connectFn = func() {
		transport.Emit(&Event{
			Name: EventConnected,
		})
	}
	err := client.Connect()
	assert.Equal(t, err, nil)

	// the connection is already tearing down on its own, so an explicit
	// transport disconnect produces no further event
	transport.stateLock.Lock()
	transport.disconnectFn = func() {}
	transport.stateLock.Unlock()

	go transport.Emit(&Event{
		Name: EventDisconnected,
	})
	<-entered

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	client.Disconnect()
	assert.Equal(t, client.State(), ConnectionStateDisconnected)
}

func TestReconnectRestartsActiveSubscriptions(t *testing.T) {
	client, transport := newTestClient(t, func(settings *ClientSettings) {
		settings.ClearDataOnReconnection = false
	})
	defer client.Close()

	transport.connectFn = func() {
		transport.Emit(&Event{
			Name: EventConnected,
		})
	}

	err := client.Connect()
	assert.Equal(t, err, nil)

	feed := client.Subscribe("feed", 1)
	stopped := client.Subscribe("other")
	stopped.Stop()

	// one sub message each so far
	assert.Equal(t, len(transport.Subs()), 2)

	// unexpected drop schedules a reconnect
	transport.Emit(&Event{
		Name: EventDisconnected,
	})

	endTime := time.Now().Add(5 * time.Second)
	for time.Now().Before(endTime) && !client.IsConnected() {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, client.IsConnected(), true)
	assert.Equal(t, transport.ConnectCount(), 2)

	// only the active subscription was resumed
	subs := transport.Subs()
	assert.Equal(t, len(subs), 3)
	assert.Equal(t, subs[2].subId, feed.SubId())
	assert.Equal(t, feed.IsReady(), false)
}

func TestReconnectClearsData(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	transport.connectFn = func() {
		transport.Emit(&Event{
			Name: EventConnected,
		})
	}

	err := client.Connect()
	assert.Equal(t, err, nil)

	transport.Emit(&Event{
		Name:       EventAdded,
		Collection: "tasks",
		DocId:      "1",
		Fields:     map[string]any{"title": "a"},
	})
	assert.Equal(t, len(client.Fetch("tasks", nil)), 1)

	transport.Emit(&Event{
		Name: EventDisconnected,
	})

	endTime := time.Now().Add(5 * time.Second)
	for time.Now().Before(endTime) && !client.IsConnected() {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, client.IsConnected(), true)
	assert.Equal(t, len(client.Fetch("tasks", nil)), 0)
}

func TestSubscribeBeforeConnectDefersWireSend(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	feed := client.Subscribe("feed")
	assert.Equal(t, len(transport.Subs()), 0)

	transport.connectFn = func() {
		transport.Emit(&Event{
			Name: EventConnected,
		})
	}
	err := client.Connect()
	assert.Equal(t, err, nil)

	subs := transport.Subs()
	assert.Equal(t, len(subs), 1)
	assert.Equal(t, subs[0].subId, feed.SubId())
}

func TestPluginHookOrder(t *testing.T) {
	order := []string{}
	record := func(name string) HookFunc {
		return func(client *Client) {
			order = append(order, name)
		}
	}

	client, transport := newTestClient(t, func(settings *ClientSettings) {
		settings.ClearDataOnReconnection = false
		settings.Plugins = []*Plugin{
			{
				Init:              record("init"),
				BeforeConnected:   record("beforeConnected"),
				AfterConnected:    record("afterConnected"),
				BeforeSubsRestart: record("beforeSubsRestart"),
				AfterSubsRestart:  record("afterSubsRestart"),
				After:             record("after"),
			},
		}
	})
	defer client.Close()

	assert.Equal(t, order, []string{"init", "after"})

	order = []string{}
	transport.Emit(&Event{
		Name: EventConnected,
	})
	assert.Equal(t, order, []string{
		"beforeConnected",
		"beforeSubsRestart",
		"afterSubsRestart",
		"afterConnected",
	})
}

func TestClientReadyEmittedOnConnect(t *testing.T) {
	client, transport := newTestClient(t, nil)
	defer client.Close()

	clientReady := 0
	eventSub := transport.On(EventClientReady, func(event *Event) {
		clientReady += 1
	})
	defer eventSub.Stop()

	transport.Emit(&Event{
		Name: EventConnected,
	})
	assert.Equal(t, clientReady, 1)
}
