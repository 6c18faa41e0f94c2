package mirror

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"
	"golang.org/x/net/proxy"
)

// protocol and lifecycle event names surfaced by a transport
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventAdded        = "added"
	EventChanged      = "changed"
	EventRemoved      = "removed"
	EventReady        = "ready"
	EventNosub        = "nosub"
	EventResult       = "result"
	EventError        = "error"
	EventPing         = "ping"
	EventPong         = "pong"
	// emitted by the client toward the transport once the local side
	// is ready after a (re)connection. Not consumed by the transport.
	EventClientReady = "clientReady"
)

// one transport event. Which fields are set depends on `Name`.
// `Tag` is set only on locally injected events (bulk operations).
type Event struct {
	Name       string
	Session    string
	Collection string
	DocId      string
	Fields     map[string]any
	Cleared    []string
	Subs       []string
	CallId     string
	Result     json.RawMessage
	Error      *RemoteError
	Tag        string
}

type EventFunc func(event *Event)

// persistent connection abstraction. A transport runs one connection
// attempt per `Connect` and signals the outcome with connected/disconnected
// events. Outgoing messages are queued and survive reconnects unless the
// transport is configured to clean its queue.
type Transport interface {
	Connect()
	Disconnect()
	// queue a method call, at the front or back of the outgoing queue.
	// the caller supplies the correlation id so it can register its
	// result listener before the message can possibly be sent.
	Call(callId string, method string, params []any, atBeginning bool)
	Sub(subId string, name string, params []any)
	Unsub(subId string)
	// inject a synthetic event into local dispatch
	Emit(event *Event)
	On(eventName string, callback EventFunc) *EventSub
}

type EventSub struct {
	dispatcher *eventDispatcher
	eventName  string
	handleId   int64
}

func (self *EventSub) Stop() {
	self.dispatcher.remove(self.eventName, self.handleId)
}

// ordered, handle-keyed event registry shared by transport implementations
type eventDispatcher struct {
	stateLock      sync.Mutex
	eventCallbacks map[string]*callbackList[EventFunc]
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		eventCallbacks: map[string]*callbackList[EventFunc]{},
	}
}

func (self *eventDispatcher) On(eventName string, callback EventFunc) *EventSub {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[eventName]
	if !ok {
		callbacks = newCallbackList[EventFunc]()
		self.eventCallbacks[eventName] = callbacks
	}
	self.stateLock.Unlock()

	handleId := callbacks.Add(callback)
	return &EventSub{
		dispatcher: self,
		eventName:  eventName,
		handleId:   handleId,
	}
}

func (self *eventDispatcher) remove(eventName string, handleId int64) {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[eventName]
	self.stateLock.Unlock()
	if ok {
		callbacks.Remove(handleId)
	}
}

func (self *eventDispatcher) callbackCount(eventName string) int {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[eventName]
	self.stateLock.Unlock()
	if !ok {
		return 0
	}
	return callbacks.Len()
}

// dispatch in registration order on the calling goroutine
func (self *eventDispatcher) Emit(event *Event) {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[event.Name]
	self.stateLock.Unlock()
	if !ok {
		return
	}
	for _, callback := range callbacks.Get() {
		callback := callback
		safeInvoke(func() {
			callback(event)
		})
	}
}

// wire message, one JSON object per websocket text frame
type wireMessage struct {
	Msg        string          `json:"msg,omitempty"`
	Id         string          `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Method     string          `json:"method,omitempty"`
	Name       string          `json:"name,omitempty"`
	Params     []any           `json:"params,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     map[string]any  `json:"fields,omitempty"`
	Cleared    []string        `json:"cleared,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *RemoteError    `json:"error,omitempty"`
}

type WebSocketTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// idle interval after which a protocol ping is written
	PingTimeout     time.Duration
	ProtocolVersion string
	// drop queued outgoing messages when a connection ends
	CleanQueueOnDisconnect bool
	// optional socks5 proxy address for the dial
	ProxyUrl string
	// optional auth token attached to the dial headers
	Auth *ClientAuth
}

func DefaultWebSocketTransportSettings() *WebSocketTransportSettings {
	return &WebSocketTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingTimeout:        10 * time.Second,
		ProtocolVersion:    "1",
	}
}

// websocket transport. One `run` per connection attempt: dial,
// session handshake, then read/write pumps until the connection drops
// or `Disconnect` cancels it.
type WebSocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *WebSocketTransportSettings

	*eventDispatcher

	stateLock     sync.Mutex
	queue         []*wireMessage
	queueMonitor  *monitor
	connectCancel context.CancelFunc
}

func NewWebSocketTransportWithDefaults(ctx context.Context, url string) *WebSocketTransport {
	return NewWebSocketTransport(ctx, url, DefaultWebSocketTransportSettings())
}

func NewWebSocketTransport(ctx context.Context, url string, settings *WebSocketTransportSettings) *WebSocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebSocketTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             url,
		settings:        settings,
		eventDispatcher: newEventDispatcher(),
		queue:           []*wireMessage{},
		queueMonitor:    newMonitor(),
	}
}

func (self *WebSocketTransport) logTag() string {
	if self.settings.Auth != nil {
		if clientId, err := self.settings.Auth.ClientId(); err == nil {
			return clientId.String()
		}
	}
	return self.url
}

func (self *WebSocketTransport) Connect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.connectCancel != nil {
		// attempt already in progress
		return
	}
	connectCtx, connectCancel := context.WithCancel(self.ctx)
	self.connectCancel = connectCancel
	go self.run(connectCtx)
}

func (self *WebSocketTransport) Disconnect() {
	self.stateLock.Lock()
	connectCancel := self.connectCancel
	self.stateLock.Unlock()

	if connectCancel != nil {
		connectCancel()
	}
}

func (self *WebSocketTransport) run(ctx context.Context) {
	defer func() {
		self.stateLock.Lock()
		self.connectCancel = nil
		if self.settings.CleanQueueOnDisconnect {
			self.queue = []*wireMessage{}
		}
		self.stateLock.Unlock()

		self.Emit(&Event{
			Name: EventDisconnected,
		})
	}()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	if self.settings.ProxyUrl != "" {
		socksDialer, err := proxy.SOCKS5("tcp", self.settings.ProxyUrl, nil, proxy.Direct)
		if err != nil {
			glog.Infof("[t]proxy error %s = %s\n", self.logTag(), err)
			return
		}
		dialer.NetDialContext = func(dialCtx context.Context, network string, addr string) (net.Conn, error) {
			if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
				return contextDialer.DialContext(dialCtx, network, addr)
			}
			return socksDialer.Dial(network, addr)
		}
	}
	header := http.Header{}
	if self.settings.Auth != nil && self.settings.Auth.ByJwt != "" {
		header.Set("Authorization", "Bearer "+self.settings.Auth.ByJwt)
	}

	ws, _, err := dialer.DialContext(ctx, self.url, header)
	if err != nil {
		glog.Infof("[t]dial error %s = %s\n", self.logTag(), err)
		return
	}
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	// session handshake before anything queued
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = ws.WriteJSON(&wireMessage{
		Msg:     "connect",
		Version: self.settings.ProtocolVersion,
		Support: []string{self.settings.ProtocolVersion},
	})
	if err != nil {
		glog.Infof("[t]handshake error %s = %s\n", self.logTag(), err)
		return
	}

	// write pump
	go func() {
		defer handleCancel()

		for {
			message := self.popFront()
			if message == nil {
				select {
				case <-handleCtx.Done():
					return
				case <-self.queueMonitor.NotifyChannel():
					continue
				case <-time.After(self.settings.PingTimeout):
					self.pushFront(&wireMessage{
						Msg: "ping",
					})
					continue
				}
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteJSON(message); err != nil {
				// requeue so the message survives the reconnect
				self.pushFront(message)
				glog.Infof("[ts]%s-> error = %s\n", self.logTag(), err)
				return
			}
			glog.V(2).Infof("[ts]%s-> %s\n", self.logTag(), message.Msg)
		}
	}()

	// read pump
	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			message := &wireMessage{}
			if err := ws.ReadJSON(message); err != nil {
				glog.Infof("[tr]%s<- error = %s\n", self.logTag(), err)
				return
			}
			glog.V(2).Infof("[tr]%s<- %s\n", self.logTag(), message.Msg)
			self.handleMessage(message)
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *WebSocketTransport) handleMessage(message *wireMessage) {
	switch message.Msg {
	case "connected":
		self.Emit(&Event{
			Name:    EventConnected,
			Session: message.Session,
		})
	case "failed":
		glog.Infof("[t]version rejected %s, server wants %s\n", self.logTag(), message.Version)
		self.Emit(&Event{
			Name: EventError,
			Error: &RemoteError{
				Err:    "version-not-supported",
				Reason: message.Version,
			},
		})
		self.Disconnect()
	case "ping":
		self.pushFront(&wireMessage{
			Msg: "pong",
			Id:  message.Id,
		})
		self.Emit(&Event{
			Name:   EventPing,
			CallId: message.Id,
		})
	case "pong":
		self.Emit(&Event{
			Name:   EventPong,
			CallId: message.Id,
		})
	case "added", "changed", "removed":
		self.Emit(&Event{
			Name:       message.Msg,
			Collection: message.Collection,
			DocId:      message.Id,
			Fields:     message.Fields,
			Cleared:    message.Cleared,
		})
	case "ready":
		self.Emit(&Event{
			Name: EventReady,
			Subs: message.Subs,
		})
	case "nosub":
		self.Emit(&Event{
			Name:   EventNosub,
			CallId: message.Id,
			Error:  message.Error,
		})
	case "result":
		self.Emit(&Event{
			Name:   EventResult,
			CallId: message.Id,
			Result: message.Result,
			Error:  message.Error,
		})
	case "error":
		self.Emit(&Event{
			Name:  EventError,
			Error: message.Error,
		})
	default:
		glog.V(2).Infof("[tr]other=%s %s<-\n", message.Msg, self.logTag())
	}
}

func (self *WebSocketTransport) Call(callId string, method string, params []any, atBeginning bool) {
	message := &wireMessage{
		Msg:    "method",
		Id:     callId,
		Method: method,
		Params: params,
	}
	if atBeginning {
		self.pushFront(message)
	} else {
		self.pushBack(message)
	}
}

func (self *WebSocketTransport) Sub(subId string, name string, params []any) {
	self.pushBack(&wireMessage{
		Msg:    "sub",
		Id:     subId,
		Name:   name,
		Params: params,
	})
}

func (self *WebSocketTransport) Unsub(subId string) {
	self.pushBack(&wireMessage{
		Msg: "unsub",
		Id:  subId,
	})
}

func (self *WebSocketTransport) pushBack(message *wireMessage) {
	self.stateLock.Lock()
	self.queue = append(self.queue, message)
	self.stateLock.Unlock()
	self.queueMonitor.NotifyAll()
}

func (self *WebSocketTransport) pushFront(message *wireMessage) {
	self.stateLock.Lock()
	self.queue = slices.Insert(self.queue, 0, message)
	self.stateLock.Unlock()
	self.queueMonitor.NotifyAll()
}

func (self *WebSocketTransport) popFront() *wireMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.queue) == 0 {
		return nil
	}
	message := self.queue[0]
	self.queue = self.queue[1:]
	return message
}

func (self *WebSocketTransport) Close() {
	self.cancel()
}
