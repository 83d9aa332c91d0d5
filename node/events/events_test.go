package events

import (
	"testing"

	"neonode.dev/node/dbft"
)

func TestBusPublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBus[NodeEvent]()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(NodeEvent{Kind: NodePeerConnected, Peer: "1.2.3.4:1"})

	for _, ch := range []<-chan NodeEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Peer != "1.2.3.4:1" {
				t.Fatalf("peer = %q, want 1.2.3.4:1", ev.Peer)
			}
		default:
			t.Fatal("expected event on subscriber channel")
		}
	}
}

func TestBusPublishDropsOnFullSubscriberQueue(t *testing.T) {
	b := NewBus[NodeEvent]()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < subscriberQueueSize+10; i++ {
		b.Publish(NodeEvent{Kind: NodePeerConnected})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != subscriberQueueSize {
				t.Fatalf("count = %d, want %d (publish must drop rather than block)", count, subscriberQueueSize)
			}
			return
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus[NodeEvent]()
	ch, unsub := b.Subscribe()
	unsub()

	b.Publish(NodeEvent{Kind: NodePeerConnected})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestFromEffectSkipsFatalOnlyEffect(t *testing.T) {
	fatal := dbft.Event{Fatal: &dbft.FatalError{Reason: "persist failed"}}
	if ev, ok := FromEffect(fatal); ok {
		t.Fatalf("fatal-only effect should not map, got %+v", ev)
	}
}

func TestFromEffectMapsBlockCommitted(t *testing.T) {
	data := &dbft.BlockCommittedData{}
	ev, ok := FromEffect(dbft.Event{BlockCommitted: data})
	if !ok || ev.Kind != ConsensusBlockCommitted || ev.BlockCommitted != data {
		t.Fatalf("FromEffect(BlockCommitted) = %+v, %v", ev, ok)
	}
}
