// Package eclpcontrol is the local HTTP/JSON control surface enumerated in
// spec.md §6. It renders the external operations (module/port introspection,
// AIT send/receive, ALO register read/write, forwarding-table management,
// discovery) onto internal/eclp.Link, internal/forwarding.Table, and
// internal/forwarding.ALORegisters, grounded on internal/manager/http.go and
// internal/api/routes.go's decode-validate-call-respond handler shape. The
// generic-netlink transport spec.md §1 scopes out of the core is not
// reproduced; only the operations it would have carried are, per spec.md §1
// ("a thin RPC surface whose messages are enumerated but whose serialization
// is not part of the core design").
package eclpcontrol

import (
	"fmt"
	"sync"

	"github.com/earthcomputing/eclpd/internal/eclp"
	"github.com/earthcomputing/eclpd/internal/forwarding"
)

// PortHandle is everything the control surface needs for one registered
// link: its LSM/queues, its ALO register block, and an optional
// fire-and-forget discovery-frame sender wired in by cmd/eclpd (nil means
// this port has no transport attached yet, e.g. in a unit test registry).
type PortHandle struct {
	Link     *eclp.Link
	ALO      *forwarding.ALORegisters
	Discover func(payload []byte) error
}

// ModuleHandle groups a module's ports and its shared forwarding table
// ("alloc_driver" in spec.md §6 terms — one module owns one Table, the
// "bridge" spec.md §1 scopes out as an external collaborator).
type ModuleHandle struct {
	Name  string
	Table *forwarding.Table
	Ports map[string]*PortHandle
}

// Registry is the control surface's view of every configured module/port,
// keyed the way `alloc_driver`/`get_module_info`/`get_port_state` address
// them. cmd/eclpd populates one at startup from eclpconfig.Config; it is
// read-mostly after that (no live module/port add/remove, matching
// internal/eclpconfig's no-topology-reload rule).
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*ModuleHandle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*ModuleHandle)}
}

// AddModule registers a module. Re-adding an existing module_id is an
// error.
func (r *Registry) AddModule(moduleID string, h *ModuleHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[moduleID]; exists {
		return fmt.Errorf("%w: module %q already registered", ErrInval, moduleID)
	}
	r.modules[moduleID] = h
	return nil
}

func (r *Registry) module(moduleID string) (*ModuleHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: module %q", ErrNoDev, moduleID)
	}
	return m, nil
}

func (r *Registry) port(moduleID, portID string) (*PortHandle, error) {
	m, err := r.module(moduleID)
	if err != nil {
		return nil, err
	}
	p, ok := m.Ports[portID]
	if !ok {
		return nil, fmt.Errorf("%w: port %q on module %q", ErrNoDev, portID, moduleID)
	}
	return p, nil
}

// ModuleIDs returns every registered module_id, for `get_module_info`'s
// implicit "list modules" companion.
func (r *Registry) ModuleIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	return ids
}
