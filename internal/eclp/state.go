package eclp

import "time"

// State is the LSM's current position. It is a tagged sum type rather than
// a bare integer constant, per the redesign note in spec.md §9.
type State uint8

const (
	StateIdle State = iota
	StateHello
	StateWait
	StateSend
	StateReceive
	StateAM
	StateBM
	StateAH
	StateBH
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHello:
		return "HELLO"
	case StateWait:
		return "WAIT"
	case StateSend:
		return "SEND"
	case StateReceive:
		return "RECEIVE"
	case StateAM:
		return "AM"
	case StateBM:
		return "BM"
	case StateAH:
		return "AH"
	case StateBH:
		return "BH"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Opcode is the low byte of the 16-bit ECLP header (ENTL_MESSAGE_MASK).
type Opcode uint8

const (
	OpcodeHello Opcode = 0x00
	OpcodeEvent Opcode = 0x01
	OpcodeNop   Opcode = 0x02
	OpcodeAIT   Opcode = 0x03
	OpcodeAck   Opcode = 0x04
)

func (o Opcode) String() string {
	switch o {
	case OpcodeHello:
		return "HELLO"
	case OpcodeEvent:
		return "EVENT"
	case OpcodeNop:
		return "NOP"
	case OpcodeAIT:
		return "AIT"
	case OpcodeAck:
		return "ACK"
	}
	return "UNKNOWN"
}

// MessageMask isolates the opcode from the 16-bit raw control word;
// the remaining bits (8-14) carry a test-injection field that dispatch
// must pass through untouched, and bit 15 is reserved.
const MessageMask = 0x00ff

// TestMask isolates the test-injection field (bits 8-14).
const TestMask = 0x7f00

// Addr is a 48-bit link identity split as (Hi:16, Lo:32).
type Addr struct {
	Hi uint16
	Lo uint32
}

// Compare implements the lexicographic symmetry-breaking rule: hi first,
// then lo. Returns >0 if a is master relative to b, <0 if a is slave, 0 if
// the addresses are identical (a fatal SAME_ADDRESS condition).
func (a Addr) Compare(b Addr) int {
	if a.Hi != b.Hi {
		if a.Hi > b.Hi {
			return 1
		}
		return -1
	}
	switch {
	case a.Lo > b.Lo:
		return 1
	case a.Lo < b.Lo:
		return -1
	default:
		return 0
	}
}

// IntervalStats holds min/max duration between SEND<->RECEIVE transitions
// (spec.md §3, "Optional interval statistics"). Nothing in this package
// records into it: NextSend/NextSendTx never call observe, so the fields
// stay zero, and LinkUp, the handshake transitions and a SEQUENCE error
// only clear them.
type IntervalStats struct {
	Interval, Min, Max time.Duration
}

func (s *IntervalStats) clear() { *s = IntervalStats{} }

func (s *IntervalStats) observe(d time.Duration) {
	s.Interval = d
	if s.Min == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// position is the durable {state, i_know, i_sent, send_next, update_time}
// record, shared shape between current_state and error_state snapshots in
// the original source (entl_state_t).
type position struct {
	State      State
	IKnow      uint32
	ISent      uint32
	SendNext   uint32
	UpdateTime time.Time
}

// ErrorSnapshot is the first-latched error record plus a running tally of
// every error flag observed since the last clear.
type ErrorSnapshot struct {
	State      State
	ErrorFlag  ErrorFlag
	PErrorFlag ErrorFlag // union of flags seen after the first, via OR
	IKnow      uint32
	ISent      uint32
	UpdateTime time.Time
	ErrorTime  time.Time
	ErrorCount uint32
}

// Pending returns whether an error is currently latched. error_count is the
// sole authority for "error pending" (spec.md I4).
func (e ErrorSnapshot) Pending() bool { return e.ErrorCount != 0 }

// LinkState is the durable record of one link's position, per spec.md §3.
// It carries no behavior; LSM methods mutate it under the owning Link's
// lock. Snapshot() on Link returns it by value for safe external reads.
type LinkState struct {
	Own, Peer Addr
	OwnValid  bool
	PeerValid bool

	Current position
	Error   ErrorSnapshot

	StateCount uint32 // WAIT-state retry counter, capped at CountMax

	Intervals IntervalStats
}

// CountMax bounds the number of repeated HELLOs tolerated in WAIT before
// resetting to HELLO (ENTL_COUNT_MAX in the original source).
const CountMax = 10
