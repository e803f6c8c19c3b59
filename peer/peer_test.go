package peer

import (
	"testing"

	"github.com/lightninglabs/feather/fwire"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

// TestEventBusReplay asserts new subscribers see recent history and live
// events.
func TestEventBusReplay(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()

	bus.Publish("one")
	bus.Publish("two")

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	require.Equal(t, "one", <-ch)
	require.Equal(t, "two", <-ch)

	bus.Publish("three")
	require.Equal(t, "three", <-ch)
}

// TestEventBusReplayBounded asserts the replay ring does not grow without
// bound.
func TestEventBusReplayBounded(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	for i := 0; i < defaultReplayBuffer*3; i++ {
		bus.Publish(i)
	}

	ch, cancel := bus.Subscribe(defaultReplayBuffer * 4)
	defer cancel()

	first := <-ch
	require.Equal(t, defaultReplayBuffer*2, first)
}

// TestEventBusSlowSubscriberDropped asserts a full subscriber never blocks
// the publisher.
func TestEventBusSlowSubscriberDropped(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()

	// The minimum buffer is defaultReplayBuffer; fill it past capacity
	// without draining.
	_, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < defaultReplayBuffer*2; i++ {
		bus.Publish(i)
	}
	// Reaching here without deadlock is the assertion.
}

// TestMessageChannelID asserts routing extracts ids from both upstream and
// extension messages.
func TestMessageChannelID(t *testing.T) {
	t.Parallel()

	chanID := lnwire.ChannelID{0x07}

	tests := []struct {
		msg  lnwire.Message
		want bool
	}{
		{&lnwire.UpdateAddHTLC{ChanID: chanID}, true},
		{&lnwire.CommitSig{ChanID: chanID}, true},
		{&lnwire.RevokeAndAck{ChanID: chanID}, true},
		{&lnwire.Shutdown{ChannelID: chanID}, true},
		{&fwire.SpliceInit{ChannelID: chanID}, true},
		{&fwire.TxComplete{ChannelID: chanID}, true},
		{&fwire.TxSignatures{ChannelID: chanID}, true},
		{&lnwire.Init{}, false},
		{&lnwire.Ping{}, false},
	}

	for _, tc := range tests {
		id, ok := messageChannelID(tc.msg)
		require.Equal(t, tc.want, ok, "message %T", tc.msg)
		if ok {
			require.Equal(t, chanID, id)
		}
	}
}
