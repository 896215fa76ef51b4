// Package linkmgr is the per-link registry and clock-driven runtime glue:
// it owns one internal/rawlink.Conn + internal/eclpframe.Dispatcher pair per
// physical link, reads inbound frames into the dispatcher, and drives the
// dispatcher's periodic next_send/retransmit paths off a shared Scheduler.
// It plays the role internal/liveness.Manager plays for BFD sessions.
package linkmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/earthcomputing/eclpd/internal/eclpframe"
)

// FrameConn is the raw-socket surface linkmgr needs: read one frame
// (cancelable via ctx), write one frame, and close. internal/rawlink.Conn
// satisfies this; tests substitute an in-memory fake, the same way
// internal/liveness.UDPService lets Scheduler/Receiver tests avoid real
// sockets.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

const (
	defaultTickInterval    = 500 * time.Millisecond
	defaultTimeoutInterval = 5 * time.Second
)

// ManagerConfig controls Manager behavior and fills in spec.md §9 defaults
// for the scheduler's tick/timeout pacing.
type ManagerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// TickInterval paces proactive next_send calls; TimeoutInterval bounds
	// how long a link may go without valid inbound traffic before
	// StateError(TIMEOUT) fires.
	TickInterval    time.Duration
	TimeoutInterval time.Duration
}

// Validate fills defaults and enforces constraints.
func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("linkmgr: logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.TickInterval < 0 {
		return errors.New("linkmgr: tickInterval must be greater than 0")
	}
	if c.TimeoutInterval == 0 {
		c.TimeoutInterval = defaultTimeoutInterval
	}
	if c.TimeoutInterval < 0 {
		return errors.New("linkmgr: timeoutInterval must be greater than 0")
	}
	if c.TimeoutInterval <= c.TickInterval {
		return errors.New("linkmgr: timeoutInterval must be greater than tickInterval")
	}
	return nil
}

// linkEntry is one registered link's runtime state: its dispatcher, the raw
// socket it reads/writes on, and the bookkeeping the scheduler needs to
// detect silence.
type linkEntry struct {
	moduleID, portID string
	disp             *eclpframe.Dispatcher
	conn             FrameConn

	lastRxMu   sync.Mutex
	lastRxTime time.Time

	gone atomic.Bool
}

func (e *linkEntry) lastRx() time.Time {
	e.lastRxMu.Lock()
	defer e.lastRxMu.Unlock()
	return e.lastRxTime
}

func (e *linkEntry) touch(t time.Time) {
	e.lastRxMu.Lock()
	e.lastRxTime = t
	e.lastRxMu.Unlock()
}

func (e *linkEntry) removed() bool { return e.gone.Load() }

// Manager owns the set of registered links and the goroutines that service
// them: one receive loop per link, plus one shared Scheduler loop.
type Manager struct {
	log   *slog.Logger
	clock clockwork.Clock
	sched *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*linkEntry // keyed by portID

	errCh chan error
}

// NewManager constructs a Manager and starts its Scheduler goroutine. The
// context governs the Manager's lifetime; cancel it (or call Close) to stop
// every receive loop and the scheduler together.
func NewManager(ctx context.Context, cfg *ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		sched:   NewScheduler(cfg.Logger, cfg.Clock, cfg.TickInterval, cfg.TimeoutInterval),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*linkEntry),
		errCh:   make(chan error, 10),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sched.Run(m.ctx); err != nil {
			m.log.Error("linkmgr: scheduler exited", "error", err)
			m.errCh <- err
			cancel()
		}
	}()

	return m, nil
}

// Err returns a channel that receives fatal errors from the scheduler.
// Receive-loop read errors are logged and never sent here.
func (m *Manager) Err() <-chan error { return m.errCh }

// AddLink registers a link's dispatcher and raw socket, arms its scheduler
// events, and starts its receive loop. portID must be unique across the
// Manager's lifetime (re-adding a live portID is an error).
func (m *Manager) AddLink(moduleID, portID string, disp *eclpframe.Dispatcher, conn FrameConn) error {
	m.mu.Lock()
	if _, exists := m.entries[portID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("linkmgr: port %q already registered", portID)
	}
	e := &linkEntry{moduleID: moduleID, portID: portID, disp: disp, conn: conn, lastRxTime: m.clock.Now()}
	m.entries[portID] = e
	m.mu.Unlock()

	m.sched.register(e)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.receiveLoop(e)
	}()

	return nil
}

// RemoveLink stops driving portID's link and closes its socket. It does not
// error if portID is unknown.
func (m *Manager) RemoveLink(portID string) error {
	m.mu.Lock()
	e, ok := m.entries[portID]
	if ok {
		delete(m.entries, portID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	e.gone.Store(true)
	return e.conn.Close()
}

// Links returns the portIDs currently registered.
func (m *Manager) Links() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// receiveLoop is the per-link ingestion path: read a raw frame, hand it to
// the dispatcher, and write back whatever outbound frames (forwarded or
// LSM-originated) result. A frame being processed without error counts as
// liveness for the scheduler's timeout check, regardless of which Action it
// produced.
func (m *Manager) receiveLoop(e *linkEntry) {
	for {
		frame, err := e.conn.ReadFrame(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || e.removed() {
				return
			}
			m.log.Warn("linkmgr: read frame error", "module_id", e.moduleID, "port_id", e.portID, "error", err)
			continue
		}

		outs, err := e.disp.Inbound(frame)
		if err != nil {
			m.log.Debug("linkmgr: inbound decode error", "module_id", e.moduleID, "port_id", e.portID, "error", err)
			continue
		}
		e.touch(m.clock.Now())

		for _, out := range outs {
			if len(out.Frame) == 0 {
				continue
			}
			if err := e.conn.WriteFrame(out.Frame); err != nil {
				m.log.Warn("linkmgr: write frame error", "module_id", e.moduleID, "port_id", e.portID, "error", err)
			}
		}
	}
}

// Close stops every receive loop and the scheduler, then closes all sockets.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	conns := make([]FrameConn, 0, len(m.entries))
	for _, e := range m.entries {
		e.gone.Store(true)
		conns = append(conns, e.conn)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	m.wg.Wait()
	return nil
}
