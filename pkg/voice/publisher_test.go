package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherOrder(t *testing.T) {
	p := NewPublisher()
	rec := &eventRecorder{}
	p.Attach(rec.record)

	p.publish(LifecycleEvent{State: LifecycleRinging, CallID: "a"})
	p.publish(LifecycleEvent{State: LifecycleConnecting, CallID: "a"})
	p.publish(LifecycleEvent{State: LifecycleConnected, CallID: "a"})

	assert.Equal(t,
		[]LifecycleState{LifecycleRinging, LifecycleConnecting, LifecycleConnected},
		rec.states())
}

func TestPublisherMultipleSubscribers(t *testing.T) {
	p := NewPublisher()
	first := &eventRecorder{}
	second := &eventRecorder{}
	p.Attach(first.record)
	p.Attach(second.record)

	p.publish(LifecycleEvent{State: LifecycleConnected, CallID: "a"})

	require.Len(t, first.snapshot(), 1)
	require.Len(t, second.snapshot(), 1)
}

// Отсоединенный подписчик теряет последующие события: буферизации нет.
func TestPublisherDetach(t *testing.T) {
	p := NewPublisher()
	rec := &eventRecorder{}
	detach := p.Attach(rec.record)

	p.publish(LifecycleEvent{State: LifecycleRinging, CallID: "a"})
	detach()
	p.publish(LifecycleEvent{State: LifecycleConnected, CallID: "a"})

	assert.Equal(t, []LifecycleState{LifecycleRinging}, rec.states())

	// повторный detach - no-op
	detach()
}

// События до подписки не доставляются задним числом.
func TestPublisherNoReplay(t *testing.T) {
	p := NewPublisher()
	p.publish(LifecycleEvent{State: LifecycleRinging, CallID: "a"})

	rec := &eventRecorder{}
	p.Attach(rec.record)
	assert.Empty(t, rec.snapshot())
}
