package eclpcontrol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/earthcomputing/eclpd/internal/eclp"
	"github.com/earthcomputing/eclpd/internal/forwarding"
)

// Server is the control surface's HTTP handler set. Construct one with New
// and mount its routes with Routes onto an http.ServeMux, matching
// internal/manager/http.go's handler-methods-plus-mux.HandleFunc shape.
type Server struct {
	log *slog.Logger
	reg *Registry
}

// New returns a Server backed by reg.
func New(log *slog.Logger, reg *Registry) *Server {
	return &Server{log: log, reg: reg}
}

// Routes registers every control-surface operation (spec.md §6) onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /modules", s.listModules)
	mux.HandleFunc("GET /modules/{module}", s.getModuleInfo)
	mux.HandleFunc("GET /modules/{module}/ports/{port}", s.getPortState)

	mux.HandleFunc("POST /modules/{module}/ports/{port}/ait", s.sendAIT)
	mux.HandleFunc("GET /modules/{module}/ports/{port}/ait", s.retrieveAIT)
	mux.HandleFunc("POST /modules/{module}/ports/{port}/ait/signal", s.signalAIT)

	mux.HandleFunc("GET /modules/{module}/ports/{port}/alo", s.readALORegisters)
	mux.HandleFunc("PUT /modules/{module}/ports/{port}/alo", s.writeALORegister)

	mux.HandleFunc("POST /modules/{module}/ports/{port}/discover", s.sendDiscover)

	mux.HandleFunc("POST /modules/{module}/tables", s.allocTable)
	mux.HandleFunc("PUT /modules/{module}/tables/{table}", s.fillTable)
	mux.HandleFunc("PUT /modules/{module}/tables/{table}/entries/{location}", s.fillTableEntry)
	mux.HandleFunc("POST /modules/{module}/tables/{table}/select", s.selectTable)
	mux.HandleFunc("DELETE /modules/{module}/tables/{table}", s.deallocTable)
	mux.HandleFunc("POST /modules/{module}/ports-map", s.mapPorts)
	mux.HandleFunc("POST /modules/{module}/forwarding/start", s.startForwarding)
	mux.HandleFunc("POST /modules/{module}/forwarding/stop", s.stopForwarding)
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"modules": s.reg.ModuleIDs()})
}

func (s *Server) getModuleInfo(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.module(r.PathValue("module"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ModuleInfoResponse{ModuleID: m.Name, NumPorts: len(m.Ports)})
}

func (s *Server) getPortState(w http.ResponseWriter, r *http.Request) {
	moduleID, portID := r.PathValue("module"), r.PathValue("port")
	p, err := s.reg.port(moduleID, portID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portStateResponse(moduleID, portID, p.Link.Snapshot()))
}

// sendAIT implements `send_ait_message(module_id, port_id, bytes)`.
func (s *Server) sendAIT(w http.ResponseWriter, r *http.Request) {
	s.enqueueAIT(w, r, false)
}

// signalAIT implements `signal_ait_message(...)`: identical enqueue, plus an
// info-level log line; nothing is published to the event surface — see
// DESIGN.md, Open Question resolution 3.
func (s *Server) signalAIT(w http.ResponseWriter, r *http.Request) {
	s.enqueueAIT(w, r, true)
}

func (s *Server) enqueueAIT(w http.ResponseWriter, r *http.Request, signal bool) {
	moduleID, portID := r.PathValue("module"), r.PathValue("port")
	p, err := s.reg.port(moduleID, portID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req AITRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}

	space, ok := p.Link.EnqueueAIT(&eclp.AITMessage{Payload: req.Payload})
	if !ok {
		s.log.Warn("eclpcontrol: ait send queue full", "module_id", moduleID, "port_id", portID)
		writeError(w, fmt.Errorf("%w: ait send queue full", ErrQStop))
		return
	}
	if signal {
		s.log.Info("eclpcontrol: ait signaled", "module_id", moduleID, "port_id", portID, "bytes", len(req.Payload))
	}
	writeJSON(w, http.StatusAccepted, AITResponse{SpaceRemaining: space, Queued: true})
}

// retrieveAIT implements `retrieve_ait_message(module_id, port_id, alo_reg) -> bytes`.
func (s *Server) retrieveAIT(w http.ResponseWriter, r *http.Request) {
	moduleID, portID := r.PathValue("module"), r.PathValue("port")
	p, err := s.reg.port(moduleID, portID)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, ok := p.Link.DequeueAIT()
	if !ok {
		writeJSON(w, http.StatusOK, RetrieveAITResponse{Got: false})
		return
	}
	writeJSON(w, http.StatusOK, RetrieveAITResponse{Payload: msg.Payload, Got: true})
}

func (s *Server) readALORegisters(w http.ResponseWriter, r *http.Request) {
	p, err := s.reg.port(r.PathValue("module"), r.PathValue("port"))
	if err != nil {
		writeError(w, err)
		return
	}
	if p.ALO == nil {
		writeError(w, fmt.Errorf("%w: port has no ALO register block", ErrNoDev))
		return
	}
	flag, regs := p.ALO.Read()
	writeJSON(w, http.StatusOK, ReadALOResponse{Flag: flag, Registers: regs[:]})
}

func (s *Server) writeALORegister(w http.ResponseWriter, r *http.Request) {
	p, err := s.reg.port(r.PathValue("module"), r.PathValue("port"))
	if err != nil {
		writeError(w, err)
		return
	}
	if p.ALO == nil {
		writeError(w, fmt.Errorf("%w: port has no ALO register block", ErrNoDev))
		return
	}
	var req WriteALORequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := p.ALO.Write(req.Register, req.Data); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInval, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sendDiscover implements `send_discover_message(module_id, port_id, bytes)`
// as a fire-and-forget frame send on the discovery ethertype.
func (s *Server) sendDiscover(w http.ResponseWriter, r *http.Request) {
	p, err := s.reg.port(r.PathValue("module"), r.PathValue("port"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req DiscoverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if p.Discover == nil {
		writeError(w, fmt.Errorf("%w: port has no transport attached", ErrNoDev))
		return
	}
	if err := p.Discover(req.Payload); err != nil {
		writeError(w, fmt.Errorf("discover: %w", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) allocTable(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.module(r.PathValue("module"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req AllocTableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := m.Table.AllocTable(req.Size)
	if err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusCreated, AllocTableResponse{TableID: id})
}

func (s *Server) fillTable(w http.ResponseWriter, r *http.Request) {
	m, tableID, err := s.moduleAndTableID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req FillTableRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entries := make([]forwarding.TableEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		ent, err := e.toEntry()
		if err != nil {
			writeError(w, err)
			return
		}
		entries = append(entries, ent)
	}
	if err := m.Table.FillTable(tableID, req.Location, entries); err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) fillTableEntry(w http.ResponseWriter, r *http.Request) {
	m, tableID, err := s.moduleAndTableID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	location, err := strconv.Atoi(r.PathValue("location"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid location", ErrInval))
		return
	}
	var req TableEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entry, err := req.toEntry()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Table.FillTableEntry(tableID, location, entry); err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) selectTable(w http.ResponseWriter, r *http.Request) {
	m, tableID, err := s.moduleAndTableID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Table.SelectTable(tableID); err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deallocTable(w http.ResponseWriter, r *http.Request) {
	m, tableID, err := s.moduleAndTableID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Table.DeallocTable(tableID); err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) mapPorts(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.module(r.PathValue("module"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req MapPortsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ports := make(map[uint32]string, len(req.Ports))
	for k, iface := range req.Ports {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid next-hop id %q", ErrInval, k))
			return
		}
		ports[uint32(id)] = iface
	}
	if err := m.Table.MapPorts(ports); err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startForwarding(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.module(r.PathValue("module"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Table.StartForwarding(); err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stopForwarding(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.module(r.PathValue("module"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := m.Table.StopForwarding(); err != nil {
		writeError(w, mapTableError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) moduleAndTableID(r *http.Request) (*ModuleHandle, int, error) {
	m, err := s.reg.module(r.PathValue("module"))
	if err != nil {
		return nil, 0, err
	}
	tableID, err := strconv.Atoi(r.PathValue("table"))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: invalid table id", ErrInval)
	}
	return m, tableID, nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", ErrInval, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// mapTableError reclassifies internal/forwarding's sentinel errors onto
// this package's, preserving the original for %w chains.
func mapTableError(err error) error {
	switch {
	case errors.Is(err, forwarding.ErrNoDev):
		return fmt.Errorf("%w: %v", ErrNoDev, err)
	case errors.Is(err, forwarding.ErrTablesFull):
		return fmt.Errorf("%w: %v", ErrNoMem, err)
	case errors.Is(err, forwarding.ErrInval):
		return fmt.Errorf("%w: %v", ErrInval, err)
	default:
		return err
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInval):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoDev):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoMem):
		status = http.StatusInsufficientStorage
	case errors.Is(err, ErrQStop):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": "error", "description": err.Error()})
}
