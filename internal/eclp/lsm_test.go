package eclp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	addrA = Addr{Hi: 0x0001, Lo: 0x0000_0002}
	addrB = Addr{Hi: 0x0001, Lo: 0x0000_0001}
)

func newTestLink(own Addr) *Link {
	l := NewLink()
	l.SetIdentity(own)
	l.LinkUp()
	return l
}

// Scenario 1 (spec.md §8): symmetry breaking and steady-state ticking.
func TestLSM_HelloSymmetryBreaking(t *testing.T) {
	a := newTestLink(addrA)
	b := newTestLink(addrB)

	// Both emit HELLO.
	_, _, actA, _ := a.NextSend()
	require.Equal(t, ActionSend, actA)
	_, _, actB, _ := b.NextSend()
	require.Equal(t, ActionSend, actB)

	// A receives B's HELLO: A > B so A becomes master, reaches WAIT.
	act := a.Received(addrB, uint16(OpcodeHello), 0)
	require.Equal(t, ActionSend, act)
	require.Equal(t, StateWait, a.ReadCurrentState())

	// B receives A's HELLO: B < A so B stays HELLO (slave waits).
	act = b.Received(addrA, uint16(OpcodeHello), 0)
	require.Equal(t, ActionNOP, act)
	require.Equal(t, StateHello, b.ReadCurrentState())

	// A's next_send emits EVENT(seqno=0), A -> SEND.
	op, seqno, act, _ := a.NextSend()
	require.Equal(t, OpcodeEvent, op)
	require.Equal(t, uint32(0), seqno)
	require.Equal(t, ActionSend, act)
	require.Equal(t, StateSend, a.ReadCurrentState())

	// B receives EVENT(0), B -> SEND.
	act = b.Received(addrA, uint16(OpcodeEvent), 0)
	require.Equal(t, ActionSend, act)
	require.Equal(t, StateSend, b.ReadCurrentState())
}

// Scenario 2 (spec.md §8): a full AIT round trip.
func TestLSM_AITRoundTrip(t *testing.T) {
	a := newTestLink(addrA)
	b := newTestLink(addrB)

	driveToSteadyState(t, a, b)

	payload := &AITMessage{Payload: []byte("hello")}
	_, ok := a.EnqueueAIT(payload)
	require.True(t, ok)

	// A's next SEND tick with a non-empty send queue originates AIT.
	op, seqA, act, ait := a.NextSend()
	require.Equal(t, OpcodeAIT, op)
	require.True(t, act.Has(ActionSendAIT))
	require.Equal(t, payload, ait)
	require.Equal(t, StateAM, a.ReadCurrentState())

	// B receives AIT: B -> AH, stashes payload.
	act = b.Received(addrA, uint16(OpcodeAIT), seqA)
	require.True(t, act.Has(ActionProcAIT))
	require.Equal(t, StateAH, b.ReadCurrentState())
	b.StashAIT(payload)

	// B's next_send emits ACK, B -> BH.
	op, seqB, act, _ := b.NextSend()
	require.Equal(t, OpcodeAck, op)
	require.Equal(t, ActionSend, act)
	require.Equal(t, StateBH, b.ReadCurrentState())

	// A receives ACK: A -> BM.
	act = a.Received(addrB, uint16(OpcodeAck), seqB)
	require.Equal(t, ActionSend, act)
	require.Equal(t, StateBM, a.ReadCurrentState())

	// A's next_send emits ACK|SIG_AIT, A -> RECEIVE, pops+releases "hello".
	opA2, seqA2, act, popped := a.NextSend()
	require.Equal(t, OpcodeAck, opA2)
	require.True(t, act.Has(ActionSigAIT))
	require.Equal(t, payload, popped)
	require.Equal(t, StateReceive, a.ReadCurrentState())

	// B receives ACK: B -> SEND, pushes "hello" onto its receive queue.
	act = b.Received(addrA, uint16(OpcodeAck), seqA2)
	require.True(t, act.Has(ActionSigAIT))
	require.Equal(t, StateSend, b.ReadCurrentState())

	got, ok := b.DequeueAIT()
	require.True(t, ok)
	require.Equal(t, "hello", string(got.Payload))
}

// Scenario 3 (spec.md §8): identical addresses latch SAME_ADDRESS.
func TestLSM_IdenticalAddressesFatal(t *testing.T) {
	a := newTestLink(addrA)
	b := newTestLink(addrA)

	act := a.Received(addrA, uint16(OpcodeHello), 0)
	require.Equal(t, ActionSigErr, act)
	require.Equal(t, StateError, a.ReadCurrentState())

	_, errSnap := a.ReadAndClearErrorState()
	require.Equal(t, ErrSameAddress, errSnap.ErrorFlag)
	require.Equal(t, uint32(1), errSnap.ErrorCount)

	// b is symmetric; not exercised further here.
	_ = b
}

// Scenario 4 (spec.md §8): a dropped EVENT triggers a SEQUENCE error and
// recovery to HELLO, per P6, while the send queue survives.
func TestLSM_DroppedEventCausesSequenceErrorAndRecovery(t *testing.T) {
	a := newTestLink(addrA)
	b := newTestLink(addrB)
	driveToSteadyState(t, a, b)

	// Queue survives a reset.
	payload := &AITMessage{Payload: []byte("keepme")}
	a.EnqueueAIT(payload)

	// A is in SEND; deliver an EVENT with a gap (i_know+4 instead of the
	// only two seqnos SEND actually tolerates: i_know itself or nothing).
	cur, _ := a.ReadAndClearErrorState()
	act := a.Received(addrB, uint16(OpcodeEvent), cur.IKnow+4)
	require.Equal(t, ActionError, act)

	// The error is latched and not yet cleared, so the externally-visible
	// state still overlays to ERROR (spec.md's get_entl_state() behavior).
	require.Equal(t, StateError, a.ReadCurrentState())

	cur, errSnap := a.ReadAndClearErrorState()
	require.Equal(t, ErrSequence, errSnap.ErrorFlag)
	require.Equal(t, uint32(0), cur.IKnow)
	require.Equal(t, uint32(0), cur.ISent)
	require.Equal(t, uint32(0), cur.SendNext)

	// Now that the error has been read and cleared, the overlay drops away
	// and the real post-reset state (HELLO) is visible again.
	require.Equal(t, StateHello, a.ReadCurrentState())

	// The pending AIT payload was never touched by the reset.
	head, ok := a.PeekSendAIT()
	require.True(t, ok)
	require.Equal(t, payload, head)
}

// Scenario 5 (spec.md §8): a duplicate EVENT retransmit is a silent no-op.
func TestLSM_DuplicateEventIsIdempotent(t *testing.T) {
	a := newTestLink(addrA)
	b := newTestLink(addrB)
	driveToSteadyState(t, a, b)

	before := a.Snapshot()
	act := a.Received(addrB, uint16(OpcodeEvent), before.Raw.Current.IKnow)
	require.Equal(t, ActionNOP, act)

	after := a.Snapshot()
	require.Equal(t, before.Raw.Current, after.Raw.Current)
	require.Equal(t, uint32(0), after.Raw.Error.ErrorCount)
}

// Scenario 6 (spec.md §8): receive-queue backpressure stalls ACK until
// the upper layer drains a slot, then the exchange completes.
func TestLSM_ReceiveQueueFullStallsAck(t *testing.T) {
	a := newTestLink(addrA)
	b := newTestLink(addrB)
	driveToSteadyState(t, a, b)

	// Fill B's receive queue completely.
	for i := 0; i < AITQueueCapacity; i++ {
		_, ok := b.recvQ.Push(&AITMessage{Payload: []byte("filler")})
		require.True(t, ok)
	}

	payload := &AITMessage{Payload: []byte("blocked")}
	a.EnqueueAIT(payload)
	op, seqA, act, _ := a.NextSend()
	require.Equal(t, OpcodeAIT, op)
	require.True(t, act.Has(ActionSendAIT))

	act = b.Received(addrA, uint16(OpcodeAIT), seqA)
	require.True(t, act.Has(ActionProcAIT))
	require.False(t, act.Has(ActionSend), "no space: B must not ACK yet")
	require.Equal(t, StateAH, b.ReadCurrentState())
	b.StashAIT(payload)

	_, _, act, _ = b.NextSend()
	require.Equal(t, ActionNOP, act, "AH.next_send with a full receive queue emits NOP")

	// Upper layer drains one slot; B can now ACK.
	_, ok := b.DequeueAIT()
	require.True(t, ok)

	op, _, act, _ = b.NextSend()
	require.Equal(t, OpcodeAck, op)
	require.Equal(t, ActionSend, act)
	require.Equal(t, StateBH, b.ReadCurrentState())
}

// spec.md I4: once an error is latched, received() and next_send() both
// return SIG_ERR without mutating any state until read_and_clear_error_state
// clears it.
func TestLSM_PendingErrorGatesEntryPoints(t *testing.T) {
	a := newTestLink(addrA)
	b := newTestLink(addrB)
	driveToSteadyState(t, a, b)

	// Force a SEQUENCE error onto a.
	before := a.ReadCurrentState()
	require.Equal(t, StateSend, before)
	act := a.Received(addrB, uint16(OpcodeEvent), a.Snapshot().Raw.Current.IKnow+4)
	require.Equal(t, ActionError, act)
	require.Equal(t, StateError, a.ReadCurrentState())

	snapBefore := a.Snapshot()

	// A second Received call, still uncleared, must return SIG_ERR and
	// leave every field untouched instead of evaluating the new HELLO-state
	// transition.
	act = a.Received(addrB, uint16(OpcodeHello), 0)
	require.Equal(t, ActionSigErr, act)
	require.Equal(t, snapBefore.Raw.Current, a.Snapshot().Raw.Current)
	require.Equal(t, snapBefore.Raw.Error, a.Snapshot().Raw.Error)

	// NextSend must likewise refuse to originate anything while the error
	// is still pending.
	op, seqno, act, ait := a.NextSend()
	require.Equal(t, ActionSigErr, act)
	require.Equal(t, Opcode(0), op)
	require.Equal(t, uint32(0), seqno)
	require.Nil(t, ait)
	require.Equal(t, snapBefore.Raw.Current, a.Snapshot().Raw.Current)

	// Clearing the error restores ordinary processing.
	a.ReadAndClearErrorState()
	require.Equal(t, StateHello, a.ReadCurrentState())
}

// Original source: event_i_sent is snapshotted before zebra() runs
// specifically so the "avoid sending AIT on first exchange" guard inspects
// the pre-tick value, not the value zebra() just produced. Drive a link
// straight into its first-ever SEND tick with a nonzero i_know (as happens
// any time bootstrapAdvance seeds a nonzero seqno, e.g. a WAIT-side
// resync) and confirm a pre-filled send queue is not drained into an AIT
// origination on that tick.
func TestLSM_NoAITOriginationOnFirstExchange(t *testing.T) {
	a := newTestLink(addrA)

	// Put a in WAIT with i_sent=0, as unicorn() would leave it.
	a.state.Current.State = StateWait
	a.state.Current.IKnow = 0
	a.state.Current.ISent = 0
	a.state.Current.SendNext = 0

	payload := &AITMessage{Payload: []byte("too-early")}
	_, ok := a.EnqueueAIT(payload)
	require.True(t, ok)

	// seqno == i_sent+1 bootstraps i_know/send_next to nonzero while
	// leaving i_sent at its pre-tick value of 0.
	act := a.Received(addrB, uint16(OpcodeEvent), 1)
	require.Equal(t, ActionSend, act)
	require.Equal(t, StateSend, a.ReadCurrentState())
	require.Equal(t, uint32(0), a.state.Current.ISent)

	op, _, act, ait := a.NextSend()
	require.Equal(t, OpcodeEvent, op, "must emit a plain EVENT, not originate AIT, on the first exchange")
	require.False(t, act.Has(ActionSendAIT))
	require.Nil(t, ait)
	require.Equal(t, StateReceive, a.ReadCurrentState())

	// The payload is still queued, untouched by the suppressed origination.
	head, ok := a.PeekSendAIT()
	require.True(t, ok)
	require.Equal(t, payload, head)
}

// driveToSteadyState runs the HELLO/EVENT handshake between a (expected
// master) and b (expected slave) up through the point where a is back in
// SEND with non-zero i_know and i_sent (ready to originate AIT or tick a
// plain EVENT) and b is in RECEIVE (ready to advance on a's next tick).
func driveToSteadyState(t *testing.T, a, b *Link) {
	t.Helper()
	a.NextSend() // HELLO(0), A stays HELLO
	b.NextSend() // HELLO(0), B stays HELLO
	a.Received(addrB, uint16(OpcodeHello), 0) // A > B: A -> WAIT
	b.Received(addrA, uint16(OpcodeHello), 0) // B < A: B stays HELLO

	_, seqA0, _, _ := a.NextSend() // EVENT(0), A: WAIT -> SEND
	b.Received(addrA, uint16(OpcodeEvent), seqA0) // seqno==0: B: HELLO -> SEND

	_, seqA1, _, _ := a.NextSend() // EVENT(i_sent=0), A: SEND -> RECEIVE
	_, seqB1, _, _ := b.NextSend() // EVENT(i_sent=2), B: SEND -> RECEIVE

	act := a.Received(addrB, uint16(OpcodeEvent), seqB1) // i_know+2 match: A -> SEND
	require.True(t, act.Has(ActionSend))
	require.Equal(t, StateSend, a.ReadCurrentState())

	// seqA1 happens to equal b's still-zero i_know (a's first SEND tick
	// carries seqno 0, since a left WAIT without seeding its send_next,
	// while b's carried 2), so b's receipt of it is the idempotent NOP
	// branch, not a fresh advance; b stays in RECEIVE.
	act = b.Received(addrA, uint16(OpcodeEvent), seqA1)
	require.Equal(t, ActionNOP, act)
	require.Equal(t, StateReceive, b.ReadCurrentState())

	// One more round: a's i_sent is still 0 here, and NextSend originates
	// AIT only when i_know and i_sent were both non-zero on entry.
	_, seqA2, _, _ := a.NextSend() // EVENT(2), A: SEND -> RECEIVE
	act = b.Received(addrA, uint16(OpcodeEvent), seqA2) // i_know+2 match: B -> SEND
	require.True(t, act.Has(ActionSend))
	_, seqB2, _, _ := b.NextSend() // EVENT(4), B: SEND -> RECEIVE
	act = a.Received(addrB, uint16(OpcodeEvent), seqB2) // i_know+2 match: A -> SEND
	require.True(t, act.Has(ActionSend))
	require.Equal(t, StateSend, a.ReadCurrentState())
	require.Equal(t, StateReceive, b.ReadCurrentState())
}
