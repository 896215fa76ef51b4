package linkmgr

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/earthcomputing/eclpd/internal/eclp"
	"github.com/earthcomputing/eclpd/internal/eclpframe"
)

type noopForwarding struct{}

func (noopForwarding) Route(uint16) (string, bool) { return "", false }

type recordingEvents struct {
	mu       sync.Mutex
	statuses []eclp.ErrorFlag
}

func (r *recordingEvents) PublishLinkStatus(_ string, _ eclp.State, err eclp.ErrorFlag) {
	r.mu.Lock()
	r.statuses = append(r.statuses, err)
	r.mu.Unlock()
}
func (r *recordingEvents) PublishAITGot(string, []byte)             {}
func (r *recordingEvents) PublishAITForward(string, string, []byte) {}
func (r *recordingEvents) PublishDiscovery(string, []byte)          {}

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	reads   chan []byte
}

func newFakeConn() *fakeConn { return &fakeConn{reads: make(chan []byte, 8)} }

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.reads:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), frame...))
	c.mu.Unlock()
	return nil
}
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func newTestDispatcher() *eclpframe.Dispatcher {
	link := eclp.NewLink()
	link.LinkUp()
	return &eclpframe.Dispatcher{
		ModuleID: "m0", PortID: "p0",
		Link: link,
		Ep: eclpframe.Endpoint{
			OwnMAC:    net.HardwareAddr{0, 0, 0, 0, 0, 1},
			PeerMAC:   net.HardwareAddr{0, 0, 0, 0, 0, 2},
			EtherType: layers.EthernetType(0xEAC0),
		},
		Forwarding: noopForwarding{},
		Events:     &recordingEvents{},
	}
}

func TestScheduler_TicksDriveLinkFromHello(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := slog.New(slog.DiscardHandler)
	sched := NewScheduler(log, clock, 100*time.Millisecond, time.Second)

	disp := newTestDispatcher()
	conn := newFakeConn()
	e := &linkEntry{moduleID: "m0", portID: "p0", disp: disp, conn: conn, lastRxTime: clock.Now()}
	sched.register(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return conn.writeCount() >= 1 }, time.Second, time.Millisecond)
}

func TestScheduler_TimeoutLatchesErrorAfterSilence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := slog.New(slog.DiscardHandler)
	sched := NewScheduler(log, clock, time.Hour, 50*time.Millisecond)

	disp := newTestDispatcher()
	conn := newFakeConn()
	e := &linkEntry{moduleID: "m0", portID: "p0", disp: disp, conn: conn, lastRxTime: clock.Now()}
	sched.register(e)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(50 * time.Millisecond)

	require.Eventually(t, func() bool {
		ev := disp.Events.(*recordingEvents)
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.statuses) >= 1
	}, time.Second, time.Millisecond)
}
