// Package replication implements the master side of leader/follower
// replication: the registry of connected followers and the broadcaster
// that propagates writes to them. The follower (connecting-out) side lives
// in follower.go.
package replication

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"redisrepl/internal/protocol"
)

// Role is the server's replication role.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave" // matches the wire value the INFO reply uses
)

// ReplicaState tracks where a connected follower is in the handshake.
type ReplicaState string

const (
	ReplicaStateHandshaking ReplicaState = "handshaking"
	ReplicaStateOnline      ReplicaState = "online"
	ReplicaStateOffline     ReplicaState = "offline"
)

// ReplicaInfo is a connected follower as seen from the master side.
type ReplicaInfo struct {
	Conn          net.Conn
	Writer        *bufio.Writer
	ID            string
	Addr          string
	ListeningPort int
	ConnectedAt   time.Time
	Offset        int64
	State         ReplicaState
	mu            sync.Mutex
}

// Manager owns the follower registry and the write broadcaster. One
// Manager exists per server process regardless of role; a follower process
// still uses it to answer INFO, even though it never calls AddReplica.
type Manager struct {
	role   Role
	replID string
	offset int64

	replicas   map[string]*ReplicaInfo
	replicasMu sync.RWMutex

	listeningPort int

	commandChan  chan []string
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

func NewManager(role Role) *Manager {
	m := &Manager{
		role:         role,
		replID:       generateReplID(),
		replicas:     make(map[string]*ReplicaInfo),
		commandChan:  make(chan []string, 1000),
		shutdownChan: make(chan struct{}),
	}

	if role == RoleMaster {
		m.wg.Add(1)
		go m.propagateCommands()
	}

	return m
}

func (m *Manager) SetListeningPort(port int) { m.listeningPort = port }
func (m *Manager) GetListeningPort() int     { return m.listeningPort }
func (m *Manager) GetRole() Role             { return m.role }
func (m *Manager) ReplID() string            { return m.replID }

// generateReplID produces a 40-character hex replication ID, the same
// format real Redis uses for master_replid.
func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		log.Printf("replication: crypto/rand failed, falling back to timestamp id: %v", err)
		return fmt.Sprintf("%040d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}

// AddReplica registers a newly accepted follower connection, tagging it
// with a fresh uuid rather than deriving an ID from its address.
func (m *Manager) AddReplica(conn net.Conn) *ReplicaInfo {
	m.replicasMu.Lock()
	defer m.replicasMu.Unlock()

	replica := &ReplicaInfo{
		Conn:        conn,
		Writer:      bufio.NewWriter(conn),
		ID:          uuid.New().String(),
		Addr:        conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		State:       ReplicaStateHandshaking,
	}
	m.replicas[replica.ID] = replica
	log.Printf("replication: follower connected %s (%s)", replica.ID, replica.Addr)
	return replica
}

// MarkOnline transitions a replica into the set eligible for propagation,
// once its full-resync snapshot has been sent.
func (m *Manager) MarkOnline(id string) {
	m.replicasMu.Lock()
	defer m.replicasMu.Unlock()
	if replica, ok := m.replicas[id]; ok {
		replica.State = ReplicaStateOnline
	}
}

func (m *Manager) SetReplicaListeningPort(id string, port int) {
	m.replicasMu.Lock()
	defer m.replicasMu.Unlock()
	if replica, ok := m.replicas[id]; ok {
		replica.ListeningPort = port
	}
}

func (m *Manager) RemoveReplica(id string) {
	m.replicasMu.Lock()
	defer m.replicasMu.Unlock()
	if replica, ok := m.replicas[id]; ok {
		replica.Conn.Close()
		delete(m.replicas, id)
		log.Printf("replication: follower disconnected %s", id)
	}
}

func (m *Manager) GetAllReplicas() []*ReplicaInfo {
	m.replicasMu.RLock()
	defer m.replicasMu.RUnlock()

	replicas := make([]*ReplicaInfo, 0, len(m.replicas))
	for _, replica := range m.replicas {
		replicas = append(replicas, replica)
	}
	return replicas
}

// PropagateCommand queues a write for broadcast to every online follower.
// Called from a connection-handler goroutine, never blocks on replica I/O.
func (m *Manager) PropagateCommand(args []string) {
	if m.role != RoleMaster {
		return
	}
	select {
	case m.commandChan <- args:
	default:
		log.Printf("replication: propagation queue full, dropping command %v", args)
	}
}

func (m *Manager) propagateCommands() {
	defer m.wg.Done()
	for {
		select {
		case args := <-m.commandChan:
			m.propagateToReplicas(args)
		case <-m.shutdownChan:
			return
		}
	}
}

func (m *Manager) propagateToReplicas(args []string) {
	data := protocol.EncodeCommand(args)

	m.replicasMu.Lock()
	m.offset += int64(len(data))
	currentOffset := m.offset
	replicas := make([]*ReplicaInfo, 0, len(m.replicas))
	for _, replica := range m.replicas {
		if replica.State == ReplicaStateOnline {
			replicas = append(replicas, replica)
		}
	}
	m.replicasMu.Unlock()

	for _, replica := range replicas {
		replica.mu.Lock()
		_, writeErr := replica.Writer.Write(data)
		flushErr := replica.Writer.Flush()
		replica.Offset = currentOffset
		replica.mu.Unlock()

		if writeErr != nil || flushErr != nil {
			log.Printf("replication: lost follower %s, removing", replica.ID)
			m.RemoveReplica(replica.ID)
		}
	}
}

// GetInfo renders the key/value pairs the INFO replication section reports.
func (m *Manager) GetInfo() map[string]string {
	info := map[string]string{
		"role":               string(m.role),
		"master_replid":      m.replID,
		"master_repl_offset": fmt.Sprintf("%d", m.offset),
	}

	if m.role == RoleMaster {
		m.replicasMu.RLock()
		info["connected_slaves"] = fmt.Sprintf("%d", len(m.replicas))
		m.replicasMu.RUnlock()
	}

	return info
}

// Shutdown flushes and closes every follower connection.
func (m *Manager) Shutdown() {
	if m.role == RoleMaster {
		close(m.shutdownChan)
		m.wg.Wait()
	}

	m.replicasMu.Lock()
	defer m.replicasMu.Unlock()
	for _, replica := range m.replicas {
		replica.mu.Lock()
		replica.Writer.Flush()
		replica.Conn.Close()
		replica.mu.Unlock()
	}
}
