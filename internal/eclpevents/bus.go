// Package eclpevents is the module-wide Event Surface (spec.md §4.4): five
// typed, buffered channels a control-surface consumer subscribes to, fed by
// every link's Frame Dispatch Adapter. It holds no link state of its own.
package eclpevents

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/earthcomputing/eclpd/internal/eclp"
)

// subscriberDepth bounds each subscriber channel. A slow subscriber loses
// its oldest unread event rather than stalling publication — see Bus.send.
const subscriberDepth = 256

// LinkStatus reports an LSM state transition or latched error.
type LinkStatus struct {
	ModuleID, PortID string
	State            eclp.State
	Error            eclp.ErrorFlag
	Time             time.Time
}

// AITForward reports an inbound AIT-bearing frame relayed through the
// forwarding plane rather than delivered to a local LSM.
type AITForward struct {
	ModuleID, PortID string
	Iface            string
	Frame            []byte
	Time             time.Time
}

// AITGot reports an AIT payload that completed its round trip and was
// handed to this host (BH->SEND's ActionSigAIT, dequeued).
type AITGot struct {
	ModuleID, PortID string
	Payload          []byte
	Time             time.Time
}

// ALOUpdate reports a write to the owned ALO register copy (internal/forwarding).
type ALOUpdate struct {
	ModuleID string
	Register int
	Value    uint64
	Time     time.Time
}

// Discovery reports a received discovery-ethertype frame.
type Discovery struct {
	ModuleID, PortID string
	Payload          []byte
	Time             time.Time
}

// Bus multiplexes one module's event traffic through five independently
// subscribable channels. The zero value is not usable; construct with New.
type Bus struct {
	ModuleID string

	mu         sync.Mutex
	linkStatus []chan LinkStatus
	aitForward []chan AITForward
	aitGot     []chan AITGot
	aloUpdate  []chan ALOUpdate
	discovery  []chan Discovery
	dropped    atomic.Uint64
	Now        func() time.Time
}

// New returns a Bus for one module. moduleID tags every event this bus
// publishes.
func New(moduleID string) *Bus {
	return &Bus{ModuleID: moduleID, Now: time.Now}
}

// Dropped returns the running count of events evicted because a subscriber
// channel was full. internal/eclpmetrics polls this into a gauge.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SubscribeLinkStatus registers a new subscriber channel.
func (b *Bus) SubscribeLinkStatus() <-chan LinkStatus {
	ch := make(chan LinkStatus, subscriberDepth)
	b.mu.Lock()
	b.linkStatus = append(b.linkStatus, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAITForward registers a new subscriber channel.
func (b *Bus) SubscribeAITForward() <-chan AITForward {
	ch := make(chan AITForward, subscriberDepth)
	b.mu.Lock()
	b.aitForward = append(b.aitForward, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAITGot registers a new subscriber channel.
func (b *Bus) SubscribeAITGot() <-chan AITGot {
	ch := make(chan AITGot, subscriberDepth)
	b.mu.Lock()
	b.aitGot = append(b.aitGot, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeALOUpdate registers a new subscriber channel.
func (b *Bus) SubscribeALOUpdate() <-chan ALOUpdate {
	ch := make(chan ALOUpdate, subscriberDepth)
	b.mu.Lock()
	b.aloUpdate = append(b.aloUpdate, ch)
	b.mu.Unlock()
	return ch
}

// SubscribeDiscovery registers a new subscriber channel.
func (b *Bus) SubscribeDiscovery() <-chan Discovery {
	ch := make(chan Discovery, subscriberDepth)
	b.mu.Lock()
	b.discovery = append(b.discovery, ch)
	b.mu.Unlock()
	return ch
}

// PublishLinkStatus implements eclpframe.Events.
func (b *Bus) PublishLinkStatus(portID string, state eclp.State, err eclp.ErrorFlag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := LinkStatus{ModuleID: b.ModuleID, PortID: portID, State: state, Error: err, Time: b.Now()}
	for _, ch := range b.linkStatus {
		send(ch, ev, &b.dropped)
	}
}

// PublishAITForward implements eclpframe.Events.
func (b *Bus) PublishAITForward(portID, iface string, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := AITForward{ModuleID: b.ModuleID, PortID: portID, Iface: iface, Frame: frame, Time: b.Now()}
	for _, ch := range b.aitForward {
		send(ch, ev, &b.dropped)
	}
}

// PublishAITGot implements eclpframe.Events.
func (b *Bus) PublishAITGot(portID string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := AITGot{ModuleID: b.ModuleID, PortID: portID, Payload: payload, Time: b.Now()}
	for _, ch := range b.aitGot {
		send(ch, ev, &b.dropped)
	}
}

// PublishALOUpdate publishes an ALO register write to every ALOUpdate
// subscriber. internal/forwarding's ALORegisters.Write does not call it.
func (b *Bus) PublishALOUpdate(register int, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := ALOUpdate{ModuleID: b.ModuleID, Register: register, Value: value, Time: b.Now()}
	for _, ch := range b.aloUpdate {
		send(ch, ev, &b.dropped)
	}
}

// PublishDiscovery implements eclpframe.Events.
func (b *Bus) PublishDiscovery(portID string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := Discovery{ModuleID: b.ModuleID, PortID: portID, Payload: payload, Time: b.Now()}
	for _, ch := range b.discovery {
		send(ch, ev, &b.dropped)
	}
}

// send delivers ev to ch, dropping the oldest queued event first if ch is
// full, per spec.md §9's "no entry point blocks while holding the lock"
// (here: no publisher ever blocks on a slow subscriber).
func send[T any](ch chan T, ev T, dropped *atomic.Uint64) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
		dropped.Add(1)
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
