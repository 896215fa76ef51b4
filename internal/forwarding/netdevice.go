package forwarding

import (
	"context"
	"fmt"
	"log/slog"

	nl "github.com/vishvananda/netlink"

	"github.com/earthcomputing/eclpd/internal/eclp"
)

// NetDevice is a thin façade over github.com/vishvananda/netlink exposing
// exactly what a Link needs from the kernel: its own hardware address (for
// set_identity) and link-up/down notifications (for state_error(LINKDOWN)).
// It never touches receive filters, descriptor rings, or interrupt
// moderation — those stay out of scope per spec.md §1.
type NetDevice struct {
	log *slog.Logger
}

func NewNetDevice(log *slog.Logger) *NetDevice {
	return &NetDevice{log: log}
}

// HardwareAddr returns iface's MAC address decoded as an ECLP link identity.
func (d *NetDevice) HardwareAddr(iface string) (eclp.Addr, error) {
	link, err := nl.LinkByName(iface)
	if err != nil {
		return eclp.Addr{}, fmt.Errorf("forwarding: lookup interface %q: %w", iface, err)
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) != 6 {
		return eclp.Addr{}, fmt.Errorf("forwarding: interface %q has no 6-byte MAC", iface)
	}
	return eclp.Addr{
		Hi: uint16(mac[0])<<8 | uint16(mac[1]),
		Lo: uint32(mac[2])<<24 | uint32(mac[3])<<16 | uint32(mac[4])<<8 | uint32(mac[5]),
	}, nil
}

// LinkIsUp reports whether iface currently carries the kernel's operstate-up
// flag.
func (d *NetDevice) LinkIsUp(iface string) (bool, error) {
	link, err := nl.LinkByName(iface)
	if err != nil {
		return false, fmt.Errorf("forwarding: lookup interface %q: %w", iface, err)
	}
	return link.Attrs().OperState == nl.OperUp, nil
}

// WatchLinkDown subscribes to kernel link-state updates for iface and
// invokes onDown every time it transitions away from OperUp, until ctx is
// canceled. cmd/eclpd wires onDown to Link.StateError(eclp.ErrLinkDown).
func (d *NetDevice) WatchLinkDown(ctx context.Context, iface string, onDown func()) error {
	link, err := nl.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("forwarding: lookup interface %q: %w", iface, err)
	}
	idx := link.Attrs().Index

	updates := make(chan nl.LinkUpdate)
	done := make(chan struct{})
	if err := nl.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("forwarding: subscribe link updates: %w", err)
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Link.Attrs().Index != idx {
					continue
				}
				if u.Link.Attrs().OperState != nl.OperUp {
					d.log.Warn("forwarding: link down", "iface", iface, "operstate", u.Link.Attrs().OperState)
					onDown()
				}
			}
		}
	}()
	return nil
}
