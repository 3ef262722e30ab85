package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	want := Update{RegistrationID: 1, EventID: 2, PickupCode: "ABC123", PickedUp: true, At: time.Now()}
	h.Publish(want)

	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()
	require.Equal(t, 1, h.SubscriberCount())

	h.Unsubscribe(id)
	require.Equal(t, 0, h.SubscriberCount())

	_, open := <-ch
	require.False(t, open)

	// Double unsubscribe is a no-op.
	h.Unsubscribe(id)
}

func TestPublishFanOut(t *testing.T) {
	h := NewHub()
	id1, ch1 := h.Subscribe()
	id2, ch2 := h.Subscribe()
	defer h.Unsubscribe(id1)
	defer h.Unsubscribe(id2)

	h.Publish(Update{PickupCode: "XYZ789"})

	for _, ch := range []<-chan Update{ch1, ch2} {
		select {
		case got := <-ch:
			require.Equal(t, "XYZ789", got.PickupCode)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed update")
		}
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	h := NewHub()
	id, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(Update{RegistrationID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}
