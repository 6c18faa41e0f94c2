package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestRegistry() (*SubscriptionRegistry, *testTransport) {
	transport := newTestTransport()
	registry := NewSubscriptionRegistry(transport, func() bool {
		return true
	})
	return registry, transport
}

func TestSubscribeInternsByNameAndArgs(t *testing.T) {
	registry, _ := newTestRegistry()

	a := registry.Subscribe("feed", []any{1, 2})
	b := registry.Subscribe("feed", []any{1, 2})
	c := registry.Subscribe("feed", []any{1, 3})
	d := registry.Subscribe("other", []any{1, 2})

	// identical (name, args) share one instance
	assert.Equal(t, a == b, true)
	assert.Equal(t, a == c, false)
	assert.Equal(t, a == d, false)
}

func TestSubscribeNilArgsEqualsEmptyArgs(t *testing.T) {
	registry, _ := newTestRegistry()

	a := registry.Subscribe("feed", nil)
	b := registry.Subscribe("feed", []any{})
	assert.Equal(t, a == b, true)
}

func TestSubscribeResumesStopped(t *testing.T) {
	registry, transport := newTestRegistry()

	a := registry.Subscribe("feed", nil)
	assert.Equal(t, a.IsActive(), true)

	a.Stop()
	assert.Equal(t, a.IsActive(), false)
	assert.Equal(t, transport.Unsubs(), []string{a.SubId()})

	// a deep-equal subscribe resumes the stopped instance
	b := registry.Subscribe("feed", nil)
	assert.Equal(t, a == b, true)
	assert.Equal(t, a.IsActive(), true)

	// resumed with the same correlation id
	subs := transport.Subs()
	assert.Equal(t, len(subs), 2)
	assert.Equal(t, subs[0].subId, subs[1].subId)
}

func TestRestartAllActiveSkipsStopped(t *testing.T) {
	registry, transport := newTestRegistry()

	active := registry.Subscribe("feed", nil)
	stopped := registry.Subscribe("other", nil)
	stopped.Stop()

	registry.markReady([]string{active.SubId()})
	assert.Equal(t, active.IsReady(), true)

	registry.RestartAllActive()

	subs := transport.Subs()
	assert.Equal(t, len(subs), 3)
	assert.Equal(t, subs[2].subId, active.SubId())
	// readiness resets until the server acknowledges again
	assert.Equal(t, active.IsReady(), false)
}

func TestSubscriptionReadyWait(t *testing.T) {
	registry, _ := newTestRegistry()

	sub := registry.Subscribe("feed", nil)
	assert.Equal(t, sub.IsReady(), false)

	go func() {
		time.Sleep(10 * time.Millisecond)
		registry.markReady([]string{sub.SubId()})
	}()

	err := sub.Ready(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, sub.IsReady(), true)
}

func TestSubscriptionReadyWaitCancel(t *testing.T) {
	registry, _ := newTestRegistry()

	sub := registry.Subscribe("feed", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sub.Ready(ctx)
	assert.NotEqual(t, err, nil)
}

func TestSubscriptionMarkStopped(t *testing.T) {
	registry, _ := newTestRegistry()

	sub := registry.Subscribe("feed", nil)
	registry.markReady([]string{sub.SubId()})

	// server-side termination
	registry.markStopped(sub.SubId())
	assert.Equal(t, sub.IsActive(), false)
	assert.Equal(t, sub.IsReady(), false)
}

func TestSubscriptionRemove(t *testing.T) {
	registry, transport := newTestRegistry()

	a := registry.Subscribe("feed", nil)
	a.Remove()
	assert.Equal(t, transport.Unsubs(), []string{a.SubId()})

	// a fresh instance is created after removal
	b := registry.Subscribe("feed", nil)
	assert.Equal(t, a == b, false)
}
