// Package eclp implements the Earth Computing Link Protocol engine: the
// link state machine, its bounded AIT queues, and the per-link durable
// state record. It has no knowledge of frames, sockets, or wire formats —
// those belong to internal/eclpframe and internal/rawlink. This package
// mutates in-memory state only, under one mutex per Link, and never
// blocks.
package eclp

import (
	"sync"
	"time"
)

// AITMessage is an opaque, reliably-delivered application payload carried
// in-band between the two ends of a link.
type AITMessage struct {
	Payload []byte
}

// Link pairs one LinkState/LSM with its AIT send/receive queues and the
// single mutex that protects all three, per spec.md §5.
type Link struct {
	mu sync.Mutex

	state LinkState

	sendQ *Queue[*AITMessage] // producer: upper layer; consumer: LSM (BM->RECEIVE)
	recvQ *Queue[*AITMessage] // producer: LSM (BH->SEND); consumer: upper layer

	// stash holds an inbound AIT's payload between the RECEIVE->AH
	// transition (PROC_AIT) and the BH->SEND transition, which actually
	// pushes it onto recvQ. It mirrors entl_state_machine_t.receive_buffer.
	stash *AITMessage

	// Now is the clock used to timestamp UpdateTime/ErrorTime. Defaults to
	// time.Now; tests may override it for deterministic snapshots.
	Now func() time.Time
}

// NewLink returns a Link in IDLE with empty queues, matching
// entl_state_machine_init.
func NewLink() *Link {
	return &Link{
		sendQ: NewQueue[*AITMessage](AITQueueCapacity),
		recvQ: NewQueue[*AITMessage](AITQueueCapacity),
		Now:   time.Now,
	}
}

func (l *Link) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// SetIdentity validates and records the link's own address. Valid from any
// state; it does not itself change state.
func (l *Link) SetIdentity(addr Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Own = addr
	l.state.OwnValid = true
}

// LinkUp transitions IDLE->HELLO and clears errors/intervals, per spec.md
// §3 Lifecycles. It is a no-op (but harmless) from any other state in this
// implementation — callers drive it only from IDLE in practice.
func (l *Link) LinkUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Current.State != StateIdle {
		return
	}
	l.unicorn(StateHello)
	l.state.StateCount = 0
	l.state.Error = ErrorSnapshot{}
	l.state.Intervals.clear()
	l.stash = nil
}

// unicorn resets i_know/send_next/i_sent to zero and sets the state, the
// "fresh out of Hello handshake" marker from the original source.
func (l *Link) unicorn(s State) {
	l.state.Current.IKnow = 0
	l.state.Current.SendNext = 0
	l.state.Current.ISent = 0
	l.state.Current.State = s
	l.state.Current.UpdateTime = l.now()
}

// bootstrapAdvance seeds i_know and send_next the first time a side learns
// its peer's sequence number, in the HELLO/WAIT handshake rows only: i_know
// := seqno, send_next := seqno+2. Using the peer's own "+2 per own-side
// event" stride to seed send_next (rather than +1) is what makes each
// side's subsequent zebra()-derived i_sent land exactly on the other side's
// i_know+2 expectation — see DESIGN.md, Open Question resolution 8.
func (l *Link) bootstrapAdvance(seqno uint32) {
	l.state.Current.IKnow = seqno
	l.state.Current.SendNext = seqno + 2
	l.state.Current.UpdateTime = l.now()
}

// steadyAdvance records a freshly-confirmed inbound seqno once the
// handshake is complete: i_know := seqno only. send_next/i_sent evolve
// solely through this side's own zebra()/advanceSendNext() calls from here
// on (spec.md I1), never from what was just received.
func (l *Link) steadyAdvance(seqno uint32) {
	l.state.Current.IKnow = seqno
	l.state.Current.UpdateTime = l.now()
}

func (l *Link) setState(s State) {
	l.state.Current.State = s
	l.state.Current.UpdateTime = l.now()
}

// Received is the LSM's inbound entry point: received(from_addr, msg_type,
// seqno) -> action_mask in spec.md §4.2. msgRaw is the 16-bit ECLP control
// word; its low byte is the opcode (MessageMask), bits 8-14 are an
// unrelated test-injection field the LSM never inspects.
func (l *Link) Received(from Addr, msgRaw uint16, seqno uint32) Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	// current_error_pending(): once an error is latched, ordinary traffic
	// is ignored untouched until read_and_clear_error_state clears it
	// (spec.md I4).
	if l.state.Error.Pending() {
		return ActionSigErr
	}

	op := Opcode(msgRaw & MessageMask)

	switch l.state.Current.State {
	case StateIdle:
		return ActionNOP

	case StateHello:
		switch op {
		case OpcodeHello:
			l.state.Peer = from
			l.state.PeerValid = true
			switch l.state.Own.Compare(from) {
			case 1:
				l.state.Intervals.clear()
				l.state.StateCount = 0
				l.setState(StateWait)
				return ActionSend
			case 0:
				l.latch(ErrSameAddress, l.now())
				l.unicorn(StateIdle)
				return ActionSigErr
			default:
				return ActionNOP
			}
		case OpcodeEvent:
			if seqno == 0 {
				l.bootstrapAdvance(seqno)
				l.setState(StateSend)
				return ActionSend
			}
			return ActionNOP
		default:
			return l.unknownState()
		}

	case StateWait:
		switch op {
		case OpcodeHello:
			if l.state.StateCount < CountMax {
				l.state.StateCount++
				return ActionNOP
			}
			l.state.StateCount = 0
			l.setState(StateHello)
			return ActionNOP
		case OpcodeEvent:
			if seqno == l.state.Current.ISent+1 {
				l.bootstrapAdvance(seqno)
				l.setState(StateSend)
				return ActionSend
			}
			l.state.Intervals.clear()
			l.setState(StateHello)
			return ActionNOP
		default:
			return l.unknownState()
		}

	case StateSend:
		switch op {
		case OpcodeEvent, OpcodeAck:
			if seqno == l.state.Current.IKnow {
				return ActionNOP
			}
			return l.seqError()
		default:
			return l.unknownState()
		}

	case StateReceive:
		switch op {
		case OpcodeEvent:
			switch seqno {
			case l.state.Current.IKnow + 2:
				l.steadyAdvance(seqno)
				l.setState(StateSend)
				a := ActionSend
				if !l.sendQ.HasData() {
					a |= ActionSendDat
				}
				return a
			case l.state.Current.IKnow:
				return ActionNOP
			default:
				return l.seqError()
			}
		case OpcodeAIT:
			switch seqno {
			case l.state.Current.IKnow + 2:
				l.steadyAdvance(seqno)
				l.setState(StateAH)
				a := ActionProcAIT
				if !l.recvQ.Full() {
					a |= ActionSend
				}
				return a
			case l.state.Current.IKnow:
				return ActionNOP
			default:
				return l.seqError()
			}
		default:
			return l.unknownState()
		}

	case StateAM:
		switch op {
		case OpcodeAck:
			if seqno == l.state.Current.IKnow+2 {
				l.steadyAdvance(seqno)
				l.setState(StateBM)
				return ActionSend
			}
			return l.seqError()
		case OpcodeEvent:
			if seqno == l.state.Current.IKnow {
				return ActionNOP
			}
			return l.seqError()
		default:
			return l.unknownState()
		}

	case StateBM:
		switch op {
		case OpcodeAck:
			if seqno == l.state.Current.IKnow {
				return ActionNOP
			}
			return l.seqError()
		default:
			return l.unknownState()
		}

	case StateAH:
		switch op {
		case OpcodeAIT:
			if seqno == l.state.Current.IKnow {
				return ActionNOP
			}
			return l.seqError()
		default:
			return l.unknownState()
		}

	case StateBH:
		switch op {
		case OpcodeAck:
			if seqno == l.state.Current.IKnow+2 {
				l.steadyAdvance(seqno)
				if l.stash != nil {
					l.recvQ.Push(l.stash)
					l.stash = nil
				}
				l.setState(StateSend)
				return ActionSend | ActionSigAIT
			}
			return l.seqError()
		case OpcodeAIT:
			if seqno == l.state.Current.IKnow {
				return ActionNOP
			}
			return l.seqError()
		default:
			return l.unknownState()
		}
	}

	return l.unknownState()
}

// seqError is the seqno_error() equivalent: latch SEQUENCE, transition to
// HELLO, return the ERROR sentinel.
func (l *Link) seqError() Action {
	l.latch(ErrSequence, l.now())
	l.unicorn(StateHello)
	return ActionError
}

// unknownState is the "anywhere unmatched" catch-all: latch UNKNOWN_STATE,
// transition to IDLE, notify upper layer.
func (l *Link) unknownState() Action {
	l.latch(ErrUnknownStat, l.now())
	l.unicorn(StateIdle)
	return ActionSigErr
}

// zebra records i_sent := send_next, mirroring the original's zebra().
func (l *Link) zebra() { l.state.Current.ISent = l.state.Current.SendNext }

func (l *Link) advanceSendNext() { l.state.Current.SendNext += 2 }

// NextSend is the clock-driven, data-path-present transmit entry point:
// next_send(out msg_raw, out seqno) -> action_mask. It may originate AIT
// (SEND->AM) when the send queue is non-empty. When the returned Action
// includes ActionSendAIT, ait is the payload to attach (peeked, not yet
// popped). When it transitions BM->RECEIVE, ait is the just-popped send
// queue head, owned by the caller from this point on — free it, reuse it,
// whatever a garbage-collected runtime needs to do with a retired buffer.
func (l *Link) NextSend() (op Opcode, seqno uint32, action Action, ait *AITMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSend(true)
}

// NextSendTx is the pure-transmit entry point: AIT may never originate
// here (SEND always goes straight to RECEIVE). The BM->RECEIVE pop still
// happens, but the returned payload is NOT owned by this call — the
// original source never frees it on this path, and this implementation
// preserves that as a deliberate divergence from NextSend rather than
// silently reconciling it (DESIGN.md, Open Question 1). Callers on this
// path must not reuse or discard ait; its lifetime belongs to whoever
// originated it.
func (l *Link) NextSendTx() (op Opcode, seqno uint32, action Action, ait *AITMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSend(false)
}

func (l *Link) nextSend(allowAIT bool) (Opcode, uint32, Action, *AITMessage) {
	// current_error_pending(): suppress origination while an error is
	// latched, same gate as Received (spec.md I4).
	if l.state.Error.Pending() {
		return 0, 0, ActionSigErr, nil
	}

	switch l.state.Current.State {
	case StateIdle:
		return 0, 0, ActionNOP, nil

	case StateHello:
		return OpcodeHello, 0, ActionSend, nil

	case StateWait:
		// The abbreviated transition table marks this row's action NOP
		// ("spontaneous re-send suppressed"), describing repeat ticks once
		// this side has already left WAIT. The first tick from WAIT is the
		// one that actually kicks off the exchange: it transmits EVENT(0)
		// and moves on to SEND (spec.md §8 scenario 1) — see DESIGN.md,
		// Open Question resolution 7.
		l.setState(StateSend)
		return OpcodeEvent, 0, ActionSend, nil

	case StateSend:
		// Capture i_know/i_sent before zebra() overwrites i_sent, so the
		// "avoid sending AIT on first exchange" guard below sees the state
		// as it was on entry to this tick, not after this tick's own
		// advance (original source: event_i_sent snapshot before zebra()).
		eventIKnow, eventISent := l.state.Current.IKnow, l.state.Current.ISent
		l.zebra()
		l.advanceSendNext()
		if allowAIT && eventIKnow != 0 && eventISent != 0 && l.sendQ.HasData() {
			l.setState(StateAM)
			head, _ := l.sendQ.Peek()
			return OpcodeAIT, l.state.Current.ISent, ActionSend | ActionSendAIT, head
		}
		l.setState(StateReceive)
		return OpcodeEvent, l.state.Current.ISent, ActionSend | ActionSendDat, nil

	case StateReceive:
		return 0, 0, ActionNOP, nil

	case StateAM:
		return 0, 0, ActionNOP, nil

	case StateBM:
		l.zebra()
		l.advanceSendNext()
		popped, _ := l.sendQ.Pop()
		l.setState(StateReceive)
		return OpcodeAck, l.state.Current.ISent, ActionSend | ActionSigAIT, popped

	case StateAH:
		if !l.recvQ.Full() {
			l.zebra()
			l.advanceSendNext()
			l.setState(StateBH)
			return OpcodeAck, l.state.Current.ISent, ActionSend, nil
		}
		return 0, 0, ActionNOP, nil

	case StateBH:
		return 0, 0, ActionNOP, nil
	}
	return 0, 0, ActionNOP, nil
}

// StateError externally signals an error (link down, timeout). Like the
// HELLO-state SAME_ADDRESS branch and unknownState, it reports the latch via
// ActionSigErr — see DESIGN.md, Open Question resolution 5.
func (l *Link) StateError(flag ErrorFlag) Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	// entl_state_error's early-return: repeated LINKDOWN while already IDLE
	// is not worth an additional latch entry.
	if flag == ErrLinkDown && l.state.Current.State == StateIdle {
		return ActionNOP
	}

	l.latch(flag, l.now())

	switch flag {
	case ErrLinkDown:
		l.unicorn(StateIdle)
	case ErrSequence:
		l.unicorn(StateHello)
		l.state.Intervals.clear()
	case ErrSameAddress, ErrFatal:
		l.unicorn(StateIdle)
	}
	return ActionSigErr
}

// ReadCurrentState returns the externally-visible state: StateError
// overlays the real internal state whenever an error is latched
// (error_count != 0), matching get_entl_state() in the original source.
func (l *Link) ReadCurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Error.Pending() {
		return StateError
	}
	return l.state.Current.State
}

// ReadAndClearErrorState returns the current position, the latched error
// snapshot, then zeroes the error snapshot (spec.md P5).
func (l *Link) ReadAndClearErrorState() (position, ErrorSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.state.Current
	err := l.state.Error
	l.state.clearError()
	return cur, err
}

// EnqueueAIT pushes an outbound AIT payload onto the send queue. Returns
// the remaining free slots, or ok=false if the queue was full.
func (l *Link) EnqueueAIT(msg *AITMessage) (space int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendQ.Push(msg)
}

// DequeueAIT pops the next delivered AIT payload from the receive queue.
func (l *Link) DequeueAIT() (*AITMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recvQ.Pop()
}

// PeekSendAIT returns the head of the send queue without removing it, the
// operation Dispatch uses to attach a payload under ActionSendAIT (spec.md
// §4.3: "read the head of the send queue via peek, not pop").
func (l *Link) PeekSendAIT() (*AITMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendQ.Peek()
}

// StashAIT records an inbound AIT's payload pending the BH->SEND
// transition that actually delivers it to the receive queue. Dispatch
// calls this when ActionProcAIT is returned by Received.
func (l *Link) StashAIT(msg *AITMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stash = msg
}

// Snapshot returns a copy of the link's durable state, queue depths, and
// latched error, suitable for publishing to the event surface or serving
// from the control surface without holding the link lock.
type Snapshot struct {
	State        State // externally-visible (error-overlaid) state
	Raw          LinkState
	SendQueued   int
	RecvQueued   int
	SendSpace    int
	RecvSpace    int
	StashPending bool
}

func (l *Link) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	reported := l.state.Current.State
	if l.state.Error.Pending() {
		reported = StateError
	}
	return Snapshot{
		State:        reported,
		Raw:          l.state,
		SendQueued:   l.sendQ.Count(),
		RecvQueued:   l.recvQ.Count(),
		SendSpace:    l.sendQ.Space(),
		RecvSpace:    l.recvQ.Space(),
		StashPending: l.stash != nil,
	}
}
