package eclpmetrics

import (
	"context"
	"time"

	"github.com/earthcomputing/eclpd/internal/eclp"
	"github.com/earthcomputing/eclpd/internal/eclpevents"
)

// dropPollInterval is how often Collector samples Bus.Dropped() into the
// EventsDropped gauge; the counter itself is updated by the bus inline, but
// exposing it as a polled gauge avoids a counter-vs-gauge mismatch for a
// monotonic value that can only be read, never incremented by us directly.
const dropPollInterval = 5 * time.Second

// Collector drains one module's eclpevents.Bus and folds its link-status,
// AIT-got and AIT-forward events into Metrics; ALO-update and discovery
// events are not subscribed. One Collector per module is enough; every link's Dispatcher
// publishes onto the same Bus.
type Collector struct {
	m   *Metrics
	bus *eclpevents.Bus

	lastState map[string]eclp.State // portID -> last observed state, for transition deltas
}

// NewCollector returns a Collector for bus. It does not subscribe yet: Run
// subscribes to bus's channels and drains them.
func NewCollector(m *Metrics, bus *eclpevents.Bus) *Collector {
	return &Collector{m: m, bus: bus, lastState: make(map[string]eclp.State)}
}

// Run drains the bus until ctx is canceled.
func (c *Collector) Run(ctx context.Context) {
	statusCh := c.bus.SubscribeLinkStatus()
	gotCh := c.bus.SubscribeAITGot()
	fwdCh := c.bus.SubscribeAITForward()

	ticker := time.NewTicker(dropPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-statusCh:
			prev, ok := c.lastState[ev.PortID]
			if !ok {
				prev = eclp.StateIdle
			}
			c.m.ObserveStateTransition(ev.ModuleID, ev.PortID, prev, ev.State)
			c.lastState[ev.PortID] = ev.State
			c.m.ObserveError(ev.ModuleID, ev.PortID, ev.Error)
		case ev := <-gotCh:
			c.m.IncFramesRX(ev.ModuleID, ev.PortID)
		case ev := <-fwdCh:
			c.m.IncAITForwarded(ev.ModuleID, ev.PortID, ev.Iface)
		case <-ticker.C:
			c.m.SetEventsDropped(c.bus.Dropped())
		}
	}
}
