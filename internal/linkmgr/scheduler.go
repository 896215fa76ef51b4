package linkmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/earthcomputing/eclpd/internal/eclp"
)

// Scheduler is ECLP's "external scheduled task" (spec.md §9): it drives
// every registered link's periodic next_send and retransmit/timeout checks
// off one shared event heap, the way internal/liveness.Scheduler drives
// TX/detect for every BFD session off one heap. Time comes from a
// clockwork.Clock so tests can step it deterministically instead of
// sleeping.
type Scheduler struct {
	log   *slog.Logger
	clock clockwork.Clock
	eq    *EventQueue

	tickInterval    time.Duration
	timeoutInterval time.Duration

	writeErrWarnEvery time.Duration
	writeErrWarnLast  time.Time
	writeErrWarnMu    sync.Mutex
}

// NewScheduler builds a Scheduler. tickInterval paces Dispatcher.Tick calls
// (the proactive next_send path); timeoutInterval is how long a link may go
// without a successfully processed inbound frame before StateError(TIMEOUT)
// fires.
func NewScheduler(log *slog.Logger, clock clockwork.Clock, tickInterval, timeoutInterval time.Duration) *Scheduler {
	return &Scheduler{
		log:               log,
		clock:             clock,
		eq:                NewEventQueue(),
		tickInterval:      tickInterval,
		timeoutInterval:   timeoutInterval,
		writeErrWarnEvery: 5 * time.Second,
	}
}

// register arms the first tick and timeout events for a newly added link.
func (s *Scheduler) register(e *linkEntry) {
	now := s.clock.Now()
	s.eq.Push(&event{when: now.Add(s.tickInterval), kind: eventTick, entry: e})
	s.eq.Push(&event{when: now.Add(s.timeoutInterval), kind: eventTimeout, entry: e})
}

// Run executes the scheduler's event loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Debug("linkmgr.scheduler: loop started")
	timer := s.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("linkmgr.scheduler: stopped", "reason", ctx.Err())
			return nil
		default:
		}

		now := s.clock.Now()
		ev, wait := s.eq.PopIfDue(now)
		if ev == nil {
			if wait <= 0 {
				wait = time.Millisecond
			}
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				s.log.Debug("linkmgr.scheduler: stopped", "reason", ctx.Err())
				return nil
			case <-timer.Chan():
				continue
			}
		}

		if ev.entry.removed() {
			continue
		}

		switch ev.kind {
		case eventTick:
			s.doTick(ev.entry)
			s.eq.Push(&event{when: s.clock.Now().Add(s.tickInterval), kind: eventTick, entry: ev.entry})
		case eventTimeout:
			if s.clock.Now().Sub(ev.entry.lastRx()) >= s.timeoutInterval {
				ev.entry.disp.Link.StateError(eclp.ErrTimeout)
				ev.entry.disp.Events.PublishLinkStatus(ev.entry.portID, ev.entry.disp.Link.ReadCurrentState(), eclp.ErrTimeout)
				s.log.Warn("linkmgr: link timed out", "module_id", ev.entry.moduleID, "port_id", ev.entry.portID)
			}
			s.eq.Push(&event{when: s.clock.Now().Add(s.timeoutInterval), kind: eventTimeout, entry: ev.entry})
		}
	}
}

func (s *Scheduler) doTick(e *linkEntry) {
	out, err := e.disp.Tick()
	if err != nil {
		s.log.Warn("linkmgr: tick render error", "module_id", e.moduleID, "port_id", e.portID, "error", err)
		return
	}
	if len(out.Frame) == 0 {
		return
	}
	if err := e.conn.WriteFrame(out.Frame); err != nil {
		s.warnWriteErr(e, err)
	}
}

func (s *Scheduler) warnWriteErr(e *linkEntry, err error) {
	now := time.Now()
	s.writeErrWarnMu.Lock()
	defer s.writeErrWarnMu.Unlock()
	if s.writeErrWarnLast.IsZero() || now.Sub(s.writeErrWarnLast) >= s.writeErrWarnEvery {
		s.writeErrWarnLast = now
		s.log.Warn("linkmgr: write frame error", "module_id", e.moduleID, "port_id", e.portID, "error", err)
	}
}
