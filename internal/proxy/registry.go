package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sonatara/voicebridge/pkg/audio"
)

// ErrBackendRegistered is returned by [Registry.RegisterBackend] while
// another backend socket holds the slot.
var ErrBackendRegistered = errors.New("proxy: ai backend already registered")

// pingTimeout bounds the liveness probe sent to each client during cleanup.
const pingTimeout = 2 * time.Second

// Registry holds the connection state of one endpoint: the exclusive backend
// socket, the connected clients, the two-way session mapping, and the
// per-session audio buffers. The interactive and telephony endpoints each own
// a disjoint Registry.
//
// The mutex guards map structure only. Socket I/O (routing, cleanup pings)
// happens outside the lock on snapshots.
type Registry struct {
	endpoint string

	mu              sync.Mutex
	backend         *Conn
	clients         map[string]*Conn
	sessionToClient map[uuid.UUID]string
	clientToSession map[string]uuid.UUID
	inbound         map[uuid.UUID][]byte
	downstream      map[uuid.UUID][]byte
	formats         map[uuid.UUID]audio.StreamFormat
}

// NewRegistry creates an empty registry for the named endpoint ("proxy" or
// "call"). The name appears in status responses and metric attributes.
func NewRegistry(endpoint string) *Registry {
	return &Registry{
		endpoint:        endpoint,
		clients:         make(map[string]*Conn),
		sessionToClient: make(map[uuid.UUID]string),
		clientToSession: make(map[string]uuid.UUID),
		inbound:         make(map[uuid.UUID][]byte),
		downstream:      make(map[uuid.UUID][]byte),
		formats:         make(map[uuid.UUID]audio.StreamFormat),
	}
}

// Endpoint returns the endpoint name this registry serves.
func (r *Registry) Endpoint() string { return r.endpoint }

// RegisterBackend claims the exclusive backend slot for c. While a backend
// is registered every further attempt fails with [ErrBackendRegistered];
// existing client sessions are never disturbed by the attempt.
func (r *Registry) RegisterBackend(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend != nil {
		return ErrBackendRegistered
	}
	r.backend = c
	return nil
}

// UnregisterBackend releases the backend slot if c currently holds it. A
// rejected duplicate must not clear the slot of the surviving backend.
func (r *Registry) UnregisterBackend(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend != c {
		return false
	}
	r.backend = nil
	return true
}

// Backend returns the registered backend connection, or nil.
func (r *Registry) Backend() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend
}

// HasBackend reports whether a backend is registered.
func (r *Registry) HasBackend() bool { return r.Backend() != nil }

// AddSession registers a client connection under both directions of the
// session mapping and creates its empty inbound buffer.
func (r *Registry) AddSession(clientID string, c *Conn, sid uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = c
	r.sessionToClient[sid] = clientID
	r.clientToSession[clientID] = sid
	r.inbound[sid] = nil
}

// SetFormat records the audio-format descriptor for a telephony call.
func (r *Registry) SetFormat(sid uuid.UUID, f audio.StreamFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[sid] = f
}

// Format returns the audio-format descriptor recorded for sid.
func (r *Registry) Format(sid uuid.UUID) (audio.StreamFormat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.formats[sid]
	return f, ok
}

// RemoveSession deletes a client and all its derived state: both mapping
// directions, buffers, and format descriptor.
func (r *Registry) RemoveSession(clientID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.clientToSession[clientID]
	r.removeClientLocked(clientID)
	return sid, ok
}

func (r *Registry) removeClientLocked(clientID string) {
	if sid, ok := r.clientToSession[clientID]; ok {
		delete(r.sessionToClient, sid)
		delete(r.inbound, sid)
		delete(r.downstream, sid)
		delete(r.formats, sid)
	}
	delete(r.clientToSession, clientID)
	delete(r.clients, clientID)
}

// ClientBySession resolves a session identifier to its client connection.
func (r *Registry) ClientBySession(sid uuid.UUID) (*Conn, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clientID, ok := r.sessionToClient[sid]
	if !ok {
		return nil, "", false
	}
	c, ok := r.clients[clientID]
	return c, clientID, ok
}

// AppendInbound accumulates client audio for sid and returns the new buffer
// size. ok is false when the session is unknown.
func (r *Registry) AppendInbound(sid uuid.UUID, p []byte) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessionToClient[sid]; !ok {
		return 0, false
	}
	r.inbound[sid] = append(r.inbound[sid], p...)
	return len(r.inbound[sid]), true
}

// TakeInbound returns the accumulated inbound audio for sid and resets the
// buffer. Returns nil when the buffer is empty or the session is unknown.
func (r *Registry) TakeInbound(sid uuid.UUID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.inbound[sid]
	if buf == nil {
		return nil
	}
	r.inbound[sid] = nil
	return buf
}

// InboundLen returns the current inbound buffer size for sid.
func (r *Registry) InboundLen(sid uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbound[sid])
}

// AppendDownstream accumulates merged backend audio for sid and returns the
// new buffer size. ok is false when the session is unknown.
func (r *Registry) AppendDownstream(sid uuid.UUID, p []byte) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessionToClient[sid]; !ok {
		return 0, false
	}
	r.downstream[sid] = append(r.downstream[sid], p...)
	return len(r.downstream[sid]), true
}

// TakeDownstream returns the accumulated downstream audio for sid and resets
// the buffer.
func (r *Registry) TakeDownstream(sid uuid.UUID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.downstream[sid]
	if buf == nil {
		return nil
	}
	r.downstream[sid] = nil
	return buf
}

// Status is the admin view of one endpoint's registry.
type Status struct {
	Status      string      `json:"status"`
	Endpoint    string      `json:"endpoint"`
	Connections Connections `json:"connections"`
}

// Connections mirrors the registry maps for the status endpoint.
type Connections struct {
	Backend    BackendStatus    `json:"ai_backend"`
	Clients    CountIDs         `json:"clients"`
	Sessions   CountIDs         `json:"active_sessions"`
	Inbound    BufferStatus     `json:"audio_buffers"`
	Downstream BufferStatus     `json:"downstream_buffers"`
	Formats    FormatStatus     `json:"audio_configs"`
}

type BackendStatus struct {
	Connected bool `json:"connected"`
}

type CountIDs struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

type BufferStatus struct {
	Count int            `json:"count"`
	Sizes map[string]int `json:"buffer_sizes"`
}

type FormatStatus struct {
	Count          int                           `json:"count"`
	Configurations map[string]audio.StreamFormat `json:"configurations"`
}

// Status returns a consistent snapshot of the registry for the admin
// surface. ID lists are sorted for stable output.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := make([]string, 0, len(r.clients))
	for id := range r.clients {
		clients = append(clients, id)
	}
	sort.Strings(clients)

	sessions := make([]string, 0, len(r.sessionToClient))
	for sid := range r.sessionToClient {
		sessions = append(sessions, sid.String())
	}
	sort.Strings(sessions)

	inbound := make(map[string]int, len(r.inbound))
	for sid, buf := range r.inbound {
		inbound[sid.String()] = len(buf)
	}
	downstream := make(map[string]int, len(r.downstream))
	for sid, buf := range r.downstream {
		downstream[sid.String()] = len(buf)
	}
	formats := make(map[string]audio.StreamFormat, len(r.formats))
	for sid, f := range r.formats {
		formats[sid.String()] = f
	}

	return Status{
		Status:   "ok",
		Endpoint: r.endpoint,
		Connections: Connections{
			Backend:    BackendStatus{Connected: r.backend != nil},
			Clients:    CountIDs{Count: len(clients), IDs: clients},
			Sessions:   CountIDs{Count: len(sessions), IDs: sessions},
			Inbound:    BufferStatus{Count: len(inbound), Sizes: inbound},
			Downstream: BufferStatus{Count: len(downstream), Sizes: downstream},
			Formats:    FormatStatus{Count: len(formats), Configurations: formats},
		},
	}
}

// CleanupReport describes one cleanup pass: the repairs made and the state
// afterwards.
type CleanupReport struct {
	Status        string   `json:"status"`
	CleanedItems  []string `json:"cleaned_items"`
	CurrentStatus Status   `json:"current_status"`
}

// Cleanup repairs registry drift in three passes: it drops buffers and
// format descriptors whose session no longer maps to a client, deletes
// one-sided session mappings, and pings every client, removing those that
// fail to answer. Pings happen outside the lock on a snapshot.
func (r *Registry) Cleanup(ctx context.Context) CleanupReport {
	items := []string{}

	r.mu.Lock()
	for sid := range r.inbound {
		if _, ok := r.sessionToClient[sid]; !ok {
			delete(r.inbound, sid)
			items = append(items, fmt.Sprintf("orphaned inbound buffer for session %s", sid))
		}
	}
	for sid := range r.downstream {
		if _, ok := r.sessionToClient[sid]; !ok {
			delete(r.downstream, sid)
			items = append(items, fmt.Sprintf("orphaned downstream buffer for session %s", sid))
		}
	}
	for sid := range r.formats {
		if _, ok := r.sessionToClient[sid]; !ok {
			delete(r.formats, sid)
			items = append(items, fmt.Sprintf("orphaned audio config for session %s", sid))
		}
	}
	for sid, clientID := range r.sessionToClient {
		if got, ok := r.clientToSession[clientID]; !ok || got != sid {
			delete(r.sessionToClient, sid)
			items = append(items, fmt.Sprintf("one-sided session mapping %s -> %s", sid, clientID))
		}
	}
	for clientID, sid := range r.clientToSession {
		if got, ok := r.sessionToClient[sid]; !ok || got != clientID {
			delete(r.clientToSession, clientID)
			items = append(items, fmt.Sprintf("one-sided client mapping %s -> %s", clientID, sid))
		}
	}

	type client struct {
		id   string
		conn *Conn
	}
	snapshot := make([]client, 0, len(r.clients))
	for id, c := range r.clients {
		snapshot = append(snapshot, client{id: id, conn: c})
	}
	r.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })

	var dead []string
	for _, cl := range snapshot {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := cl.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			cl.conn.Close(websocket.StatusGoingAway, "cleanup")
			dead = append(dead, cl.id)
		}
	}

	r.mu.Lock()
	for _, id := range dead {
		r.removeClientLocked(id)
		items = append(items, fmt.Sprintf("disconnected unresponsive client %s", id))
	}
	r.mu.Unlock()

	return CleanupReport{
		Status:        "cleanup_completed",
		CleanedItems:  items,
		CurrentStatus: r.Status(),
	}
}
