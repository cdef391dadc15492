// Package federation gives the export_state/import_remote_state stub
// (registry.State, registry.ExportState/ImportRemoteState) a concrete,
// exercised extension point for future multi-controller gossip, without
// delivering consensus: no raft.Raft node is ever constructed anywhere in
// this package or its callers. CapabilityFSM is grounded on
// cuemby-warren/poc/raft's use of hashicorp/raft; its command envelope is
// grounded on the teacher's internal/raft/commands.go RaftCommand{Type,
// Payload} idiom, retargeted from job-queue commands to registry commands.
package federation

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cranklabs/crank-controller/pkg/capability"
)

// CommandType identifies the kind of command applied to the FSM log.
type CommandType string

const (
	CmdRegister   CommandType = "REGISTER"
	CmdDeregister CommandType = "DEREGISTER"
)

// Command is the data structure serialized into the Raft log.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterPayload is the payload for a REGISTER command.
type RegisterPayload struct {
	Record capability.Record `json:"record"`
}

// DeregisterPayload is the payload for a DEREGISTER command.
type DeregisterPayload struct {
	WorkerID string `json:"worker_id"`
}

// NewRegisterCommand encodes a REGISTER command for rec.
func NewRegisterCommand(rec capability.Record) ([]byte, error) {
	payload, err := json.Marshal(RegisterPayload{Record: rec})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Type: CmdRegister, Payload: payload})
}

// NewDeregisterCommand encodes a DEREGISTER command for workerID.
func NewDeregisterCommand(workerID string) ([]byte, error) {
	payload, err := json.Marshal(DeregisterPayload{WorkerID: workerID})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Type: CmdDeregister, Payload: payload})
}

// CapabilityFSM is a raft.FSM over a registry.State-shaped worker map. It
// exists purely as a forward-compatible seam: applying commands, snapshotting,
// and restoring are all implemented and tested, but nothing in this
// repository ever starts a live raft.Raft instance around it, since this
// controller does not implement distributed consensus.
type CapabilityFSM struct {
	mu      sync.Mutex
	workers map[string]capability.Record
}

// NewCapabilityFSM builds an empty FSM.
func NewCapabilityFSM() *CapabilityFSM {
	return &CapabilityFSM{workers: make(map[string]capability.Record)}
}

// Apply decodes and applies one committed log entry.
func (f *CapabilityFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("federation: decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CmdRegister:
		var p RegisterPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("federation: decode register payload: %w", err)
		}
		f.workers[p.Record.WorkerID] = p.Record
	case CmdDeregister:
		var p DeregisterPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("federation: decode deregister payload: %w", err)
		}
		delete(f.workers, p.WorkerID)
	default:
		return fmt.Errorf("federation: unknown command type %q", cmd.Type)
	}
	return nil
}

// State returns a snapshot of the FSM's current worker map, for tests and
// for feeding into registry.State/ImportRemoteState.
func (f *CapabilityFSM) State() map[string]capability.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]capability.Record, len(f.workers))
	for k, v := range f.workers {
		out[k] = v
	}
	return out
}

// Snapshot implements raft.FSM.
func (f *CapabilityFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{workers: f.State()}, nil
}

// Restore implements raft.FSM, replacing the FSM's state wholesale.
func (f *CapabilityFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var workers map[string]capability.Record
	if err := json.NewDecoder(rc).Decode(&workers); err != nil {
		return fmt.Errorf("federation: restore: %w", err)
	}
	f.mu.Lock()
	f.workers = workers
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	workers map[string]capability.Record
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	if err := enc.Encode(s.workers); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
