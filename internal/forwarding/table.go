// Package forwarding is the external collaborator spec.md §1 calls "the
// forwarding-table data structure and multi-port packet forwarding inside
// the bridge": a fixed-size lookup the Frame Dispatch Adapter consults for
// frames whose destination MAC carries the forward bit, plus the
// generic-netlink façade's module/port/table control operations. Neither is
// part of the ECLP core; both are real, wired packages rather than stubs.
package forwarding

import (
	"errors"
	"fmt"
	"sync"
)

// Sizing constants, carried over from the original driver's ecnl_device.h:
// ENCL_FW_TABLE_ENTRY_ARRAY and ENTL_TABLE_MAX.
const (
	FwTableEntryArray = 15
	TableMax          = 16
)

var (
	ErrNoDev      = errors.New("forwarding: no such table")
	ErrTablesFull = errors.New("forwarding: all table slots allocated")
	ErrInval      = errors.New("forwarding: invalid argument")
)

// TableEntry mirrors ecnl_table_entry_t: a parent/port-vector word plus a
// fixed array of next-hop IDs, one per forwarding-array slot.
type TableEntry struct {
	Parent     uint8
	PortVector uint16
	NextID     [FwTableEntryArray]uint32
}

// Table is the per-module forwarding state: up to TableMax allocated
// tables, one of them selected as current, plus the port map used to turn a
// next-hop ID into an egress interface name. One Table is shared by every
// Dispatcher in a module (spec.md's "bridge").
type Table struct {
	mu sync.Mutex

	tables     [TableMax][]TableEntry
	allocated  [TableMax]bool
	currentID  int
	hasCurrent bool
	fwEnable   bool

	// ports resolves a next-hop ID (as found in a TableEntry.NextID slot)
	// to the interface to forward on; populated by MapPorts.
	ports map[uint32]string
}

// NewTable returns an empty forwarding table with no tables allocated.
func NewTable() *Table {
	return &Table{ports: make(map[uint32]string)}
}

// AllocTable reserves the first free table slot at the given size and
// returns its ID, per spec.md §6 `alloc_table(module_id, size) -> table_id`.
func (t *Table) AllocTable(size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: size must be positive", ErrInval)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := 0; id < TableMax; id++ {
		if t.allocated[id] {
			continue
		}
		t.allocated[id] = true
		t.tables[id] = make([]TableEntry, size)
		return id, nil
	}
	return 0, ErrTablesFull
}

// FillTable bulk-writes entries into tableID starting at location, per
// `fill_table(…)`.
func (t *Table) FillTable(tableID, location int, entries []TableEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, err := t.lookupLocked(tableID)
	if err != nil {
		return err
	}
	if location < 0 || location+len(entries) > len(tbl) {
		return fmt.Errorf("%w: location+len(entries) out of range", ErrInval)
	}
	copy(tbl[location:], entries)
	return nil
}

// FillTableEntry writes a single entry, per `fill_table_entry(…)`.
func (t *Table) FillTableEntry(tableID, location int, entry TableEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, err := t.lookupLocked(tableID)
	if err != nil {
		return err
	}
	if location < 0 || location >= len(tbl) {
		return fmt.Errorf("%w: location out of range", ErrInval)
	}
	tbl[location] = entry
	return nil
}

// SelectTable makes tableID the active forwarding table, per
// `select_table(…)`.
func (t *Table) SelectTable(tableID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.lookupLocked(tableID); err != nil {
		return err
	}
	t.currentID = tableID
	t.hasCurrent = true
	t.fwEnable = true
	return nil
}

// DeallocTable frees tableID, per `dealloc_table(…)`. Deallocating the
// currently-selected table disables forwarding, matching
// nl_ecnl_dealloc_table's ecnl_fw_enable reset.
func (t *Table) DeallocTable(tableID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.lookupLocked(tableID); err != nil {
		return err
	}
	if t.hasCurrent && t.currentID == tableID {
		t.hasCurrent = false
		t.fwEnable = false
	}
	t.allocated[tableID] = false
	t.tables[tableID] = nil
	return nil
}

// StartForwarding implements `start_forwarding(module_id)`: it enables frame
// relay through the currently selected table without changing which table
// is selected. It is a no-op error if no table has been selected yet,
// matching nl_ecnl_select_table being the only other ecnl_fw_enable setter.
func (t *Table) StartForwarding() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasCurrent {
		return fmt.Errorf("%w: no table selected", ErrNoDev)
	}
	t.fwEnable = true
	return nil
}

// StopForwarding implements `stop_forwarding(module_id)`: it disables frame
// relay while leaving the current table selection and contents intact, so a
// later StartForwarding resumes against the same table.
func (t *Table) StopForwarding() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fwEnable = false
	return nil
}

// MapPorts records the next-hop-ID -> interface-name mapping used by
// Route, per `map_ports(…)`.
func (t *Table) MapPorts(ports map[uint32]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, iface := range ports {
		t.ports[id] = iface
	}
	return nil
}

func (t *Table) lookupLocked(tableID int) ([]TableEntry, error) {
	if tableID < 0 || tableID >= TableMax || !t.allocated[tableID] {
		return nil, ErrNoDev
	}
	return t.tables[tableID], nil
}

// Route resolves an ALO command to the interface to forward a frame on. It
// satisfies internal/eclpframe.ForwardingTable. The lookup is the
// "straightforward fixed-size lookup" spec.md §1 describes: the command
// selects a table row (modulo table length, since the original's exact
// bit-vector dispatch is a hardware/driver concern out of scope here), the
// row's PortVector picks the lowest set bit as the next-hop slot, and that
// slot's NextID resolves through the port map.
func (t *Table) Route(aloCommand uint16) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.fwEnable || !t.hasCurrent {
		return "", false
	}
	tbl := t.tables[t.currentID]
	if len(tbl) == 0 {
		return "", false
	}
	entry := tbl[int(aloCommand)%len(tbl)]
	for slot := 0; slot < FwTableEntryArray; slot++ {
		if entry.PortVector&(1<<uint(slot)) == 0 {
			continue
		}
		iface, ok := t.ports[entry.NextID[slot]]
		if ok {
			return iface, true
		}
	}
	return "", false
}
