package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/sonatara/voicebridge/pkg/audio"
)

func TestRegisterBackend_Exclusive(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("proxy")

	first := &Conn{}
	if err := reg.RegisterBackend(first); err != nil {
		t.Fatalf("first RegisterBackend: %v", err)
	}
	second := &Conn{}
	if err := reg.RegisterBackend(second); !errors.Is(err, ErrBackendRegistered) {
		t.Fatalf("second RegisterBackend = %v, want ErrBackendRegistered", err)
	}
	if got := reg.Backend(); got != first {
		t.Error("surviving backend is not the first registrant")
	}
}

func TestUnregisterBackend_OnlyOwner(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("proxy")

	owner := &Conn{}
	intruder := &Conn{}
	if err := reg.RegisterBackend(owner); err != nil {
		t.Fatalf("RegisterBackend: %v", err)
	}

	if reg.UnregisterBackend(intruder) {
		t.Error("UnregisterBackend cleared the slot for a non-owner")
	}
	if !reg.HasBackend() {
		t.Fatal("backend slot lost after non-owner unregister")
	}
	if !reg.UnregisterBackend(owner) {
		t.Error("owner could not release the slot")
	}
	if reg.HasBackend() {
		t.Error("backend slot still held after owner released it")
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("call")

	c := &Conn{}
	sid := uuid.New()
	reg.AddSession("client_a", c, sid)
	reg.SetFormat(sid, audio.StreamFormat{DataType: "raw", SampleRate: 8000, Channels: 1, BitDepth: 16})

	got, clientID, ok := reg.ClientBySession(sid)
	if !ok || got != c || clientID != "client_a" {
		t.Fatalf("ClientBySession = (%v, %q, %t)", got, clientID, ok)
	}
	if _, ok := reg.Format(sid); !ok {
		t.Error("format descriptor missing after SetFormat")
	}

	if _, _, ok := reg.ClientBySession(uuid.New()); ok {
		t.Error("ClientBySession resolved an unknown session")
	}

	if _, ok := reg.RemoveSession("client_a"); !ok {
		t.Fatal("RemoveSession did not find the client")
	}
	if _, _, ok := reg.ClientBySession(sid); ok {
		t.Error("session still resolvable after removal")
	}
	if _, ok := reg.Format(sid); ok {
		t.Error("format descriptor survived removal")
	}
	if n, ok := reg.AppendInbound(sid, []byte{1}); ok || n != 0 {
		t.Error("inbound buffer accepted audio after removal")
	}
}

func TestInboundBuffer(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("proxy")
	sid := uuid.New()
	reg.AddSession("client_a", &Conn{}, sid)

	if n, ok := reg.AppendInbound(sid, make([]byte, 100)); !ok || n != 100 {
		t.Fatalf("AppendInbound = (%d, %t), want (100, true)", n, ok)
	}
	if n, ok := reg.AppendInbound(sid, make([]byte, 50)); !ok || n != 150 {
		t.Fatalf("AppendInbound = (%d, %t), want (150, true)", n, ok)
	}
	if got := reg.InboundLen(sid); got != 150 {
		t.Errorf("InboundLen = %d, want 150", got)
	}

	buf := reg.TakeInbound(sid)
	if len(buf) != 150 {
		t.Errorf("TakeInbound returned %d bytes, want 150", len(buf))
	}
	if got := reg.InboundLen(sid); got != 0 {
		t.Errorf("InboundLen after take = %d, want 0", got)
	}
	if buf := reg.TakeInbound(sid); buf != nil {
		t.Errorf("second TakeInbound returned %d bytes, want nil", len(buf))
	}
}

func TestDownstreamBuffer_UnknownSession(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("call")

	if n, ok := reg.AppendDownstream(uuid.New(), []byte{1, 2, 3}); ok || n != 0 {
		t.Errorf("AppendDownstream accepted audio for unknown session: (%d, %t)", n, ok)
	}
}

func TestStatus_Snapshot(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("call")
	sid := uuid.New()
	reg.AddSession("client_a", &Conn{}, sid)
	reg.SetFormat(sid, audio.StreamFormat{DataType: "wav", SampleRate: 16000, Channels: 1, BitDepth: 16})
	reg.AppendInbound(sid, make([]byte, 42))

	st := reg.Status()
	if st.Status != "ok" || st.Endpoint != "call" {
		t.Errorf("header = (%q, %q)", st.Status, st.Endpoint)
	}
	if st.Connections.Backend.Connected {
		t.Error("backend reported connected on empty slot")
	}
	if st.Connections.Clients.Count != 1 || st.Connections.Clients.IDs[0] != "client_a" {
		t.Errorf("clients = %+v", st.Connections.Clients)
	}
	if st.Connections.Sessions.Count != 1 || st.Connections.Sessions.IDs[0] != sid.String() {
		t.Errorf("sessions = %+v", st.Connections.Sessions)
	}
	if got := st.Connections.Inbound.Sizes[sid.String()]; got != 42 {
		t.Errorf("inbound buffer size = %d, want 42", got)
	}
	if st.Connections.Formats.Count != 1 {
		t.Errorf("formats = %+v", st.Connections.Formats)
	}
}

func TestCleanup_OrphanedBuffers(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("proxy")

	orphan := uuid.New()
	reg.mu.Lock()
	reg.inbound[orphan] = make([]byte, 10)
	reg.downstream[orphan] = make([]byte, 20)
	reg.formats[orphan] = audio.StreamFormat{DataType: "raw"}
	reg.mu.Unlock()

	report := reg.Cleanup(context.Background())
	if report.Status != "cleanup_completed" {
		t.Errorf("status = %q", report.Status)
	}
	if len(report.CleanedItems) != 3 {
		t.Errorf("cleaned %d items, want 3: %v", len(report.CleanedItems), report.CleanedItems)
	}
	if report.CurrentStatus.Connections.Inbound.Count != 0 {
		t.Error("orphaned inbound buffer survived cleanup")
	}
	if report.CurrentStatus.Connections.Formats.Count != 0 {
		t.Error("orphaned format descriptor survived cleanup")
	}
}

func TestCleanup_OneSidedMappings(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("proxy")

	// One intact mapping, one session entry with no reverse entry, and the
	// reverse case.
	healthy := uuid.New()
	reg.mu.Lock()
	reg.sessionToClient[healthy] = "client_ok"
	reg.clientToSession["client_ok"] = healthy
	reg.sessionToClient[uuid.New()] = "client_gone"
	reg.clientToSession["client_ghost"] = uuid.New()
	reg.mu.Unlock()

	report := reg.Cleanup(context.Background())
	if len(report.CleanedItems) != 2 {
		t.Fatalf("cleaned %d items, want 2: %v", len(report.CleanedItems), report.CleanedItems)
	}

	// The intact mapping must survive the repair untouched.
	reg.mu.Lock()
	_, ok := reg.sessionToClient[healthy]
	reg.mu.Unlock()
	if !ok {
		t.Error("intact mapping removed by cleanup")
	}
	if report.CurrentStatus.Connections.Sessions.Count != 1 {
		t.Errorf("sessions after cleanup = %d, want 1", report.CurrentStatus.Connections.Sessions.Count)
	}
}

func TestCleanup_EmptyRegistry(t *testing.T) {
	t.Parallel()
	reg := NewRegistry("call")

	report := reg.Cleanup(context.Background())
	if len(report.CleanedItems) != 0 {
		t.Errorf("cleaned items on empty registry: %v", report.CleanedItems)
	}
}
