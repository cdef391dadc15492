package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cranklabs/crank-controller/internal/registry"
	"github.com/cranklabs/crank-controller/pkg/capability"
)

func TestCapabilityFSM_ApplyRegisterAndDeregister(t *testing.T) {
	fsm := NewCapabilityFSM()

	data, err := NewRegisterCommand(capability.Record{WorkerID: "w1", WorkerURL: "https://w1:8500"})
	require.NoError(t, err)
	require.Nil(t, fsm.Apply(&raft.Log{Data: data}))

	state := fsm.State()
	require.Len(t, state, 1)
	assert.Equal(t, "https://w1:8500", state["w1"].WorkerURL)

	data, err = NewDeregisterCommand("w1")
	require.NoError(t, err)
	require.Nil(t, fsm.Apply(&raft.Log{Data: data}))
	assert.Empty(t, fsm.State())
}

func TestCapabilityFSM_SnapshotRestoreRoundTrip(t *testing.T) {
	fsm := NewCapabilityFSM()
	data, err := NewRegisterCommand(capability.Record{WorkerID: "w1", WorkerURL: "https://w1:8500", RegisteredAt: time.Now().UTC()})
	require.NoError(t, err)
	require.Nil(t, fsm.Apply(&raft.Log{Data: data}))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &memSink{buf: &buf}
	require.NoError(t, snap.Persist(sink))

	restored := NewCapabilityFSM()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(buf.Bytes()))))

	assert.Equal(t, fsm.State(), restored.State())
}

func TestCapabilityFSM_ApplyUnknownCommandErrors(t *testing.T) {
	fsm := NewCapabilityFSM()
	data, err := json.Marshal(Command{Type: "BOGUS"})
	require.NoError(t, err)
	result := fsm.Apply(&raft.Log{Data: data})
	assert.Error(t, result.(error))
}

func TestPeerClient_FetchState(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()

	// httptest.NewServer with a nil handler returns 404 for every path;
	// this test exercises the non-OK branch, not a full mTLS round trip
	// (PeerClient is never exercised by the default run path).
	client := NewPeerClient(nil)
	_, err := client.FetchState(context.Background(), srv.URL)
	assert.Error(t, err)
	_ = registry.State{}
}

// memSink is a minimal in-memory raft.SnapshotSink for testing Persist.
type memSink struct {
	buf *bytes.Buffer
}

func (m *memSink) Write(p []byte) (int, error) { return m.buf.Write(p) }
func (m *memSink) Close() error                { return nil }
func (m *memSink) ID() string                  { return "test-snapshot" }
func (m *memSink) Cancel() error               { return nil }
