package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: DeliverySent, Data: DeliveryOutcome{DeliveryID: "d1"}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != DeliverySent || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
		if out, ok := e.Data.(DeliveryOutcome); !ok || out.DeliveryID != "d1" {
			t.Fatalf("unexpected payload %+v", e.Data)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: DeliveryRetry})
	b.Publish(Event{Type: DeliveryRetry})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: DeliveryFailed})
}
