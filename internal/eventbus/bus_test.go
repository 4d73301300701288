package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeDelivery, Data: 1})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeDelivery || e.Data.(int) != 1 || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		default:
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeDelivery})
	b.Publish(Event{Type: TypeDelivery})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped=%d want 1", got)
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
	b.Publish(Event{Type: TypeDelivery})
}
