package bus

import "testing"

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	var got []int
	b.Subscribe("t", func(Event) { got = append(got, 1) })
	b.Subscribe("t", func(Event) { got = append(got, 2) })

	b.Publish("t", nil)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("delivery order = %v, want [1 2]", got)
	}
}

func TestPublishCarriesData(t *testing.T) {
	b := New()
	var got any
	b.Subscribe(TopicSyncCompleted, func(ev Event) { got = ev.Data })

	b.Publish(TopicSyncCompleted, 42)

	if got != 42 {
		t.Errorf("data = %v, want 42", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe("t", func(Event) { calls++ })

	b.Publish("t", nil)
	unsub()
	b.Publish("t", nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSubscribeAll(t *testing.T) {
	b := New()
	var topics []string
	b.SubscribeAll(func(ev Event) { topics = append(topics, ev.Topic) })

	b.Publish(TopicOnline, nil)
	b.Publish(TopicOffline, nil)

	if len(topics) != 2 || topics[0] != TopicOnline || topics[1] != TopicOffline {
		t.Errorf("topics = %v", topics)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe("a", func(Event) { calls++ })

	b.Publish("b", nil)

	if calls != 0 {
		t.Error("handler received event for a different topic")
	}
}
