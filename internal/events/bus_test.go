package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTasks)
	defer bus.Unsubscribe(TopicTasks, ch)

	event := New(TopicTasks, TaskSubmitted, map[string]string{"task_id": "task-1"})
	bus.Publish(event)

	select {
	case received := <-ch:
		if received.ID != event.ID {
			t.Errorf("ID = %q, want %q", received.ID, event.ID)
		}
		if received.Type != TaskSubmitted {
			t.Errorf("Type = %q, want %q", received.Type, TaskSubmitted)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive event within timeout")
	}
}

func TestBus_TopicIsolation(t *testing.T) {
	bus := NewBus()
	taskCh := bus.Subscribe(TopicTasks)
	agentCh := bus.Subscribe(TopicAgents)
	defer bus.Unsubscribe(TopicTasks, taskCh)
	defer bus.Unsubscribe(TopicAgents, agentCh)

	bus.Publish(New(TopicTasks, TaskSubmitted, nil))

	select {
	case <-taskCh:
	case <-time.After(time.Second):
		t.Fatal("expected tasks subscriber to receive the event")
	}

	select {
	case <-agentCh:
		t.Fatal("agents subscriber must not receive a tasks-topic event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_MultipleSubscribersSameTopic(t *testing.T) {
	bus := NewBus()
	ch1 := bus.Subscribe(TopicAgents)
	ch2 := bus.Subscribe(TopicAgents)
	defer bus.Unsubscribe(TopicAgents, ch1)
	defer bus.Unsubscribe(TopicAgents, ch2)

	bus.Publish(New(TopicAgents, AgentJoined, nil))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestBus_PerTopicOrdering(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTasks)
	defer bus.Unsubscribe(TopicTasks, ch)

	for i := 0; i < 5; i++ {
		bus.Publish(New(TopicTasks, TaskProgress, i))
	}

	for i := 0; i < 5; i++ {
		select {
		case e := <-ch:
			if e.Payload != i {
				t.Errorf("event %d out of order: payload=%v", i, e.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicPresence)
	bus.Unsubscribe(TopicPresence, ch)

	bus.Publish(New(TopicPresence, AgentLeft, nil))

	// The channel should now be closed; a receive must not block.
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel to yield no value")
		}
	case <-time.After(time.Second):
		t.Fatal("receive from unsubscribed channel blocked")
	}
}

func TestBus_OverflowDropsAndCounts(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTasks)
	defer bus.Unsubscribe(TopicTasks, ch)

	// Fill the bounded inbox without draining it; backpressure retries are
	// short (10ms x3) so this stays fast but still exercises the drop path.
	for i := 0; i < InboxSize+MaxBackpressureRetries+5; i++ {
		bus.Publish(New(TopicTasks, TaskProgress, i))
	}

	if bus.DroppedEventCount() == 0 {
		t.Error("expected at least one dropped event once the inbox overflowed")
	}
}

func TestBus_PublishNeverBlocksProducer(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicAgents)
	defer bus.Unsubscribe(TopicAgents, ch)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < InboxSize*2; i++ {
			bus.Publish(New(TopicAgents, AgentJoined, i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish appears to have blocked the producer")
	}
	wg.Wait()
}

func TestBus_PublishWithNoSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	// Must not panic or block when nobody is subscribed to the topic.
	bus.Publish(New(TopicTasks, TaskSubmitted, nil))
}
