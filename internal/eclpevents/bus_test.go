package eclpevents_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/earthcomputing/eclpd/internal/eclp"
	"github.com/earthcomputing/eclpd/internal/eclpevents"
)

func TestBus_PublishLinkStatusDeliversToSubscriber(t *testing.T) {
	b := eclpevents.New("mod0")
	sub := b.SubscribeLinkStatus()

	b.PublishLinkStatus("port0", eclp.StateSend, 0)

	ev := <-sub
	require.Equal(t, "mod0", ev.ModuleID)
	require.Equal(t, "port0", ev.PortID)
	require.Equal(t, eclp.StateSend, ev.State)
}

func TestBus_PublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	b := eclpevents.New("mod0")
	require.NotPanics(t, func() {
		b.PublishAITGot("port0", []byte("hi"))
	})
}

func TestBus_FullSubscriberDropsOldestRatherThanBlocking(t *testing.T) {
	b := eclpevents.New("mod0")
	sub := b.SubscribeDiscovery()

	// Saturate the subscriber's buffer, then publish one more: the oldest
	// must be evicted and counted, not the publisher blocked.
	const depth = 256
	for i := 0; i < depth; i++ {
		b.PublishDiscovery("port0", []byte{byte(i)})
	}
	require.Equal(t, uint64(0), b.Dropped())

	b.PublishDiscovery("port0", []byte{0xff})
	require.Equal(t, uint64(1), b.Dropped())

	first := <-sub
	require.Equal(t, []byte{1}, first.Payload, "oldest entry (index 0) was evicted to make room")

	// Drain the rest; the newest publish must be the last one received.
	var last eclpevents.Discovery
	for i := 0; i < depth-1; i++ {
		last = <-sub
	}
	require.Equal(t, []byte{0xff}, last.Payload)
}

func TestBus_MultipleSubscribersEachReceiveTheEvent(t *testing.T) {
	b := eclpevents.New("mod0")
	subA := b.SubscribeALOUpdate()
	subB := b.SubscribeALOUpdate()

	b.PublishALOUpdate(4, 0xdeadbeef)

	evA := <-subA
	evB := <-subB
	require.Equal(t, evA, evB)
	require.Equal(t, uint64(0xdeadbeef), evA.Value)
}
