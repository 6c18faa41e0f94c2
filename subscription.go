package mirror

import (
	"context"
	"reflect"
	"sync"

	"golang.org/x/exp/slices"
)

// a named, parameterized request for a live view of published documents.
// subscriptions are interned by (name, args): deep-equal calls share one
// instance and one server registration. A subscription is destroyed only
// by an explicit `Remove`.
type Subscription struct {
	subId string
	name  string
	args  []any

	registry *SubscriptionRegistry

	stateLock    sync.Mutex
	active       bool
	ready        bool
	readyMonitor *monitor
}

func (self *Subscription) SubId() string {
	return self.subId
}

func (self *Subscription) Name() string {
	return self.name
}

func (self *Subscription) Args() []any {
	return slices.Clone(self.args)
}

func (self *Subscription) IsActive() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.active
}

func (self *Subscription) IsReady() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.ready
}

// wait until the server acknowledges the subscription
func (self *Subscription) Ready(ctx context.Context) error {
	for {
		self.stateLock.Lock()
		if self.ready {
			self.stateLock.Unlock()
			return nil
		}
		notify := self.readyMonitor.NotifyChannel()
		self.stateLock.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// resume a stopped subscription, reusing the same correlation id
func (self *Subscription) Start() {
	self.stateLock.Lock()
	if self.active {
		self.stateLock.Unlock()
		return
	}
	self.active = true
	self.ready = false
	self.stateLock.Unlock()

	self.registry.send(self)
}

func (self *Subscription) Stop() {
	self.stateLock.Lock()
	if !self.active {
		self.stateLock.Unlock()
		return
	}
	self.active = false
	self.ready = false
	self.stateLock.Unlock()

	self.registry.transport.Unsub(self.subId)
}

func (self *Subscription) Restart() {
	self.Stop()
	self.Start()
}

// stop and drop from the registry. The next Subscribe with the same
// name and args creates a fresh instance.
func (self *Subscription) Remove() {
	self.Stop()
	self.registry.remove(self)
}

func (self *Subscription) markReady() {
	self.stateLock.Lock()
	self.ready = true
	self.stateLock.Unlock()
	self.readyMonitor.NotifyAll()
}

func (self *Subscription) markStopped() {
	self.stateLock.Lock()
	self.active = false
	self.ready = false
	self.stateLock.Unlock()
	self.readyMonitor.NotifyAll()
}

// interns subscriptions by (name, args) and restarts the active ones
// after a reconnection
type SubscriptionRegistry struct {
	transport Transport
	// whether a sub message can go out now. When false, the wire send
	// is deferred to the restart that follows the next connected event
	sendNow func() bool

	stateLock     sync.Mutex
	subscriptions []*Subscription
}

func NewSubscriptionRegistry(transport Transport, sendNow func() bool) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		transport:     transport,
		sendNow:       sendNow,
		subscriptions: []*Subscription{},
	}
}

func (self *SubscriptionRegistry) Subscribe(name string, args []any) *Subscription {
	if args == nil {
		args = []any{}
	}

	self.stateLock.Lock()
	for _, sub := range self.subscriptions {
		if sub.name == name && reflect.DeepEqual(sub.args, args) {
			self.stateLock.Unlock()
			// resume if stopped, otherwise share as is
			sub.Start()
			return sub
		}
	}
	sub := &Subscription{
		subId:        NewId().String(),
		name:         name,
		args:         args,
		registry:     self,
		active:       true,
		readyMonitor: newMonitor(),
	}
	self.subscriptions = append(self.subscriptions, sub)
	self.stateLock.Unlock()

	self.send(sub)
	return sub
}

func (self *SubscriptionRegistry) send(sub *Subscription) {
	if self.sendNow() {
		self.transport.Sub(sub.subId, sub.name, sub.args)
	}
}

// resume every subscription currently marked active, skipping stopped
// ones. Invoked after reconnection.
func (self *SubscriptionRegistry) RestartAllActive() {
	self.stateLock.Lock()
	subscriptions := slices.Clone(self.subscriptions)
	self.stateLock.Unlock()

	for _, sub := range subscriptions {
		sub.stateLock.Lock()
		active := sub.active
		sub.ready = false
		sub.stateLock.Unlock()
		if active {
			self.transport.Sub(sub.subId, sub.name, sub.args)
		}
	}
}

func (self *SubscriptionRegistry) markReady(subIds []string) {
	self.stateLock.Lock()
	subscriptions := slices.Clone(self.subscriptions)
	self.stateLock.Unlock()

	for _, sub := range subscriptions {
		if slices.Contains(subIds, sub.subId) {
			sub.markReady()
		}
	}
}

func (self *SubscriptionRegistry) markStopped(subId string) {
	self.stateLock.Lock()
	subscriptions := slices.Clone(self.subscriptions)
	self.stateLock.Unlock()

	for _, sub := range subscriptions {
		if sub.subId == subId {
			sub.markStopped()
		}
	}
}

func (self *SubscriptionRegistry) remove(sub *Subscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.subscriptions, sub)
	if 0 <= i {
		self.subscriptions = slices.Delete(slices.Clone(self.subscriptions), i, i+1)
	}
}
