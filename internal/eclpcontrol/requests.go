package eclpcontrol

import (
	"fmt"

	"github.com/earthcomputing/eclpd/internal/eclp"
	"github.com/earthcomputing/eclpd/internal/forwarding"
)

// ModuleInfoResponse implements `get_module_info(module_id) -> {name, num_ports}`.
type ModuleInfoResponse struct {
	ModuleID string `json:"module_id"`
	NumPorts int    `json:"num_ports"`
}

// PortStateResponse implements `get_port_state(module_id, port_id) -> link_state`.
type PortStateResponse struct {
	ModuleID     string        `json:"module_id"`
	PortID       string        `json:"port_id"`
	State        string        `json:"state"`
	ErrorFlag    string        `json:"error_flag,omitempty"`
	ErrorCount   uint32        `json:"error_count"`
	IKnow        uint32        `json:"i_know"`
	ISent        uint32        `json:"i_sent"`
	SendNext     uint32        `json:"send_next"`
	SendQueued   int           `json:"send_queued"`
	RecvQueued   int           `json:"recv_queued"`
	SendSpace    int           `json:"send_space"`
	RecvSpace    int           `json:"recv_space"`
	StashPending bool          `json:"stash_pending"`
}

func portStateResponse(moduleID, portID string, snap eclp.Snapshot) PortStateResponse {
	errFlag := ""
	if snap.Raw.Error.Pending() {
		errFlag = snap.Raw.Error.ErrorFlag.String()
	}
	return PortStateResponse{
		ModuleID:     moduleID,
		PortID:       portID,
		State:        snap.State.String(),
		ErrorFlag:    errFlag,
		ErrorCount:   snap.Raw.Error.ErrorCount,
		IKnow:        snap.Raw.Current.IKnow,
		ISent:        snap.Raw.Current.ISent,
		SendNext:     snap.Raw.Current.SendNext,
		SendQueued:   snap.SendQueued,
		RecvQueued:   snap.RecvQueued,
		SendSpace:    snap.SendSpace,
		RecvSpace:    snap.RecvSpace,
		StashPending: snap.StashPending,
	}
}

// AITRequest implements the shared wire shape of `send_ait_message` and
// `signal_ait_message` (spec.md §6: "SIGNAL_AIT_MESSAGE has the same wire
// shape as SEND_AIT_MESSAGE"). Payload is base64 to travel safely in JSON.
type AITRequest struct {
	Payload []byte `json:"payload"`
}

func (r *AITRequest) Validate() error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload must not be empty", ErrInval)
	}
	if len(r.Payload) > eclpMaxPayload {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInval, eclpMaxPayload)
	}
	return nil
}

// eclpMaxPayload is spec.md §6's AIT frame size bound: "message length <=
// 9000 bytes".
const eclpMaxPayload = 9000

// AITResponse implements `send_ait_message(...) -> remaining space`.
type AITResponse struct {
	SpaceRemaining int  `json:"space_remaining"`
	Queued         bool `json:"queued"`
}

// RetrieveAITResponse implements `retrieve_ait_message(...) -> bytes`.
type RetrieveAITResponse struct {
	Payload []byte `json:"payload"`
	Got     bool   `json:"got"`
}

// WriteALORequest implements `write_alo_register(module_id, port_id, reg_no, reg_data)`.
type WriteALORequest struct {
	Register int    `json:"register"`
	Data     uint64 `json:"data"`
}

func (r *WriteALORequest) Validate() error {
	if r.Register < 0 || r.Register >= forwarding.NumALORegisters {
		return fmt.Errorf("%w: register %d out of range [0,%d)", ErrInval, r.Register, forwarding.NumALORegisters)
	}
	return nil
}

// ReadALOResponse implements `read_alo_registers(...) -> (flag, 32×u64)`.
type ReadALOResponse struct {
	Flag      uint32   `json:"flag"`
	Registers []uint64 `json:"registers"`
}

// DiscoverRequest implements `send_discover_message(module_id, port_id, bytes)`.
type DiscoverRequest struct {
	Payload []byte `json:"payload"`
}

func (r *DiscoverRequest) Validate() error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload must not be empty", ErrInval)
	}
	return nil
}

// AllocTableRequest implements `alloc_table(module_id, size) -> table_id`.
type AllocTableRequest struct {
	Size int `json:"size"`
}

// AllocTableResponse carries back the allocated table_id.
type AllocTableResponse struct {
	TableID int `json:"table_id"`
}

// TableEntryRequest is the JSON shape of one forwarding.TableEntry.
type TableEntryRequest struct {
	Parent     uint8    `json:"parent"`
	PortVector uint16   `json:"port_vector"`
	NextID     []uint32 `json:"next_id"`
}

func (r TableEntryRequest) toEntry() (forwarding.TableEntry, error) {
	var e forwarding.TableEntry
	if len(r.NextID) > forwarding.FwTableEntryArray {
		return e, fmt.Errorf("%w: next_id has %d entries, max %d", ErrInval, len(r.NextID), forwarding.FwTableEntryArray)
	}
	e.Parent = r.Parent
	e.PortVector = r.PortVector
	copy(e.NextID[:], r.NextID)
	return e, nil
}

// FillTableRequest implements `fill_table(...)`: a bulk write starting at
// Location.
type FillTableRequest struct {
	Location int                 `json:"location"`
	Entries  []TableEntryRequest `json:"entries"`
}

// FillTableEntryRequest implements `fill_table_entry(...)`.
type FillTableEntryRequest struct {
	Location int               `json:"location"`
	Entry    TableEntryRequest `json:"entry"`
}

// MapPortsRequest implements `map_ports(...)`.
type MapPortsRequest struct {
	Ports map[string]string `json:"ports"` // next-hop ID (decimal string) -> interface
}
