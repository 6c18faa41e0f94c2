package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionStateDisconnected  ConnectionState = "disconnected"
	ConnectionStateConnecting    ConnectionState = "connecting"
	ConnectionStateConnected     ConnectionState = "connected"
	ConnectionStateDisconnecting ConnectionState = "disconnecting"
)

// client-side engine that mirrors server-published collections and
// notifies observers as the mirror changes. All mirrored state lives in
// the local store; all mutation flows through diff application on the
// transport's dispatch context.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	// scopes bulk-operation tags to this instance
	instanceId Id
	opSeq      int64

	settings  *ClientSettings
	transport Transport
	codec     Codec

	listeners *ListenerRegistry
	store     *Store
	subs      *SubscriptionRegistry

	stateLock     sync.Mutex
	state         ConnectionState
	session       string
	autoReconnect bool
	stateMonitor  *monitor

	eventSubs []*EventSub
}

func NewClient(settings *ClientSettings) (*Client, error) {
	return NewClientWithContext(context.Background(), settings)
}

func NewClientWithContext(ctx context.Context, settings *ClientSettings) (*Client, error) {
	if settings.Url == "" && settings.Transport == nil {
		return nil, errors.New("endpoint address required")
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	client := &Client{
		ctx:        cancelCtx,
		cancel:     cancel,
		instanceId:   NewId(),
		settings:     settings,
		state:        ConnectionStateDisconnected,
		stateMonitor: newMonitor(),
	}

	if settings.Codec != nil {
		client.codec = settings.Codec
	} else {
		client.codec = NewJsonCodec()
	}

	if settings.Transport != nil {
		client.transport = settings.Transport(cancelCtx, settings)
	} else {
		client.transport = NewWebSocketTransport(
			cancelCtx,
			settings.Url,
			settings.webSocketTransportSettings(),
		)
	}

	client.listeners = NewListenerRegistry()
	client.store = NewStore(client.listeners)
	client.subs = NewSubscriptionRegistry(client.transport, func() bool {
		return client.State() == ConnectionStateConnected
	})

	client.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.Init
	})

	on := func(eventName string, callback EventFunc) {
		client.eventSubs = append(client.eventSubs, client.transport.On(eventName, callback))
	}
	on(EventConnected, client.handleConnected)
	on(EventDisconnected, client.handleDisconnected)
	on(EventAdded, client.handleAdded)
	on(EventChanged, client.handleChanged)
	on(EventRemoved, client.handleRemoved)
	on(EventReady, client.handleReady)
	on(EventNosub, client.handleNosub)
	on(EventError, client.handleError)

	client.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.After
	})

	if settings.AutoConnect {
		go func() {
			if err := client.Connect(); err != nil {
				glog.Infof("[c]auto connect %s = %s\n", client.instanceId, err)
			}
		}()
	}

	return client, nil
}

func (self *Client) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *Client) Session() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.session
}

func (self *Client) IsConnected() bool {
	return self.State() == ConnectionStateConnected
}

// connect and wait for the connected state. Resolves immediately if
// already connected. With a configured MaxTimeout, fails with
// ErrConnectTimeout once the wait elapses; retries keep running in the
// background if auto reconnect is on.
// the wait polls the state under the state monitor rather than
// listening for the connected event, so a connected dispatch already in
// flight when Connect is called cannot be missed.
func (self *Client) Connect() error {
	self.stateLock.Lock()
	if self.state == ConnectionStateConnected {
		self.stateLock.Unlock()
		return nil
	}
	self.autoReconnect = self.settings.AutoReconnect
	alreadyConnecting := self.state == ConnectionStateConnecting
	self.state = ConnectionStateConnecting
	self.stateLock.Unlock()

	if !alreadyConnecting {
		self.transport.Connect()
	}

	// a nil timeout channel waits indefinitely
	var timeout <-chan time.Time
	if 0 < self.settings.MaxTimeout {
		timeout = time.After(self.settings.MaxTimeout)
	}
	for {
		self.stateLock.Lock()
		if self.state == ConnectionStateConnected {
			self.stateLock.Unlock()
			return nil
		}
		notify := self.stateMonitor.NotifyChannel()
		self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return self.ctx.Err()
		case <-notify:
		case <-timeout:
			return ErrConnectTimeout
		}
	}
}

// clear the auto-reconnect flag so the transport will not retry, then
// disconnect and wait for the disconnected state. Resolves immediately
// if already disconnected.
func (self *Client) Disconnect() {
	self.stateLock.Lock()
	self.autoReconnect = false
	if self.state == ConnectionStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.state = ConnectionStateDisconnecting
	self.stateLock.Unlock()

	self.transport.Disconnect()

	for {
		self.stateLock.Lock()
		if self.state == ConnectionStateDisconnected {
			self.stateLock.Unlock()
			return
		}
		notify := self.stateMonitor.NotifyChannel()
		self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}
	}
}

func (self *Client) handleConnected(event *Event) {
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.BeforeConnected
	})

	self.stateLock.Lock()
	self.state = ConnectionStateConnected
	self.session = event.Session
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()

	glog.V(2).Infof("[c]connected %s session=%s\n", self.instanceId, event.Session)

	// clear first so listeners observe the clean slate before the
	// resumed subscriptions repopulate it
	if self.settings.ClearDataOnReconnection {
		self.ClearData()
	}

	self.transport.Emit(&Event{
		Name: EventClientReady,
	})

	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.BeforeSubsRestart
	})
	self.subs.RestartAllActive()
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.AfterSubsRestart
	})

	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.AfterConnected
	})
}

func (self *Client) handleDisconnected(event *Event) {
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.BeforeDisconnected
	})

	self.stateLock.Lock()
	self.state = ConnectionStateDisconnected
	self.session = ""
	autoReconnect := self.autoReconnect
	self.stateLock.Unlock()
	self.stateMonitor.NotifyAll()

	glog.V(2).Infof("[c]disconnected %s\n", self.instanceId)

	if autoReconnect {
		go self.scheduleReconnect()
	}

	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.AfterDisconnected
	})
}

func (self *Client) scheduleReconnect() {
	r := newReconnect(self.settings.ReconnectInterval)
	select {
	case <-self.ctx.Done():
		return
	case <-r.After():
	}

	self.stateLock.Lock()
	if !self.autoReconnect || self.state != ConnectionStateDisconnected {
		self.stateLock.Unlock()
		return
	}
	self.state = ConnectionStateConnecting
	self.stateLock.Unlock()

	self.transport.Connect()
}

func (self *Client) handleAdded(event *Event) {
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.BeforeAdded
	})
	self.store.ApplyAdded(event.Collection, event.DocId, event.Fields)
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.AfterAdded
	})
}

func (self *Client) handleChanged(event *Event) {
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.BeforeChanged
	})
	self.store.ApplyChanged(event.Collection, event.DocId, event.Fields, event.Cleared)
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.AfterChanged
	})
}

func (self *Client) handleRemoved(event *Event) {
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.BeforeRemoved
	})
	self.store.ApplyRemoved(event.Collection, event.DocId)
	self.runHooks(func(plugin *Plugin) HookFunc {
		return plugin.AfterRemoved
	})
}

func (self *Client) handleReady(event *Event) {
	self.subs.markReady(event.Subs)
}

func (self *Client) handleNosub(event *Event) {
	if event.Error != nil {
		glog.Infof("[c]nosub %s = %s\n", event.CallId, event.Error)
	}
	self.subs.markStopped(event.CallId)
}

func (self *Client) handleError(event *Event) {
	if event.Error != nil {
		glog.Infof("[c]server error %s = %s\n", self.instanceId, event.Error)
	}
}

// subscribe, or share the existing subscription with the same name and
// deep-equal args. A stopped match is resumed rather than re-created.
func (self *Client) Subscribe(name string, args ...any) *Subscription {
	return self.subs.Subscribe(name, args)
}

// register a change listener on a collection
func (self *Client) OnChange(collection string, callback ChangeFunc) *Listener {
	return self.listeners.Add(collection, callback, nil)
}

// register a change listener guarded by a filter predicate.
// see Change for the filtered payload shapes
func (self *Client) OnChangeWhere(collection string, callback ChangeFunc, filter FilterFunc) *Listener {
	return self.listeners.Add(collection, callback, filter)
}

// point-in-time query over the mirrored collection
func (self *Client) Fetch(collection string, opts *FetchOptions) []*Document {
	return self.store.Fetch(collection, opts)
}

func (self *Client) Close() {
	self.Disconnect()
	for _, eventSub := range self.eventSubs {
		eventSub.Stop()
	}
	self.cancel()
}
