package replication

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"redisrepl/internal/protocol"
)

// LinkState is where a follower's connection to its master currently sits.
type LinkState string

const (
	LinkConnecting LinkState = "connecting"
	LinkSyncing    LinkState = "sync"
	LinkConnected  LinkState = "connected"
)

// Follower is the connecting-out side of replication: it dials a master,
// drives the four-step handshake, and then feeds every propagated write it
// receives to an apply callback. It is kept as a standalone type, separate
// from the master-side registry in Manager — a process is either listening
// for followers (Manager) or following a master (Follower), never both
// with entangled state. Chained replication is out of scope.
type Follower struct {
	masterHost string
	masterPort int

	mu           sync.RWMutex
	conn         net.Conn
	reader       *protocol.Reader
	state        LinkState
	offset       int64
	masterReplID string
	lastIO       time.Time

	listeningPort int
	apply         func(args []string)
}

// Connect dials host:port and runs the handshake synchronously; once it
// succeeds the replication stream is consumed on a background goroutine.
// listeningPort is advertised to the master via REPLCONF listening-port.
// apply is invoked, in order, for every write command the master propagates.
func Connect(host string, port int, listeningPort int, apply func(args []string)) (*Follower, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("replication: dial master %s: %w", addr, err)
	}

	f := &Follower{
		masterHost:    host,
		masterPort:    port,
		conn:          conn,
		reader:        protocol.NewReader(conn),
		state:         LinkConnecting,
		listeningPort: listeningPort,
		apply:         apply,
		lastIO:        time.Now(),
	}

	if err := f.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	go f.receiveStream()

	return f, nil
}

func (f *Follower) send(args []string) error {
	_, err := f.conn.Write(protocol.EncodeCommand(args))
	return err
}

// expectSimpleString reads one frame and requires it to be a SimpleString
// or Error, returning its text either way (the caller decides what counts
// as success for that handshake step).
func (f *Follower) expectSimpleString() (string, error) {
	frame, err := f.reader.ReadFrame()
	if err != nil {
		return "", err
	}
	if frame.Tag != protocol.TagSimpleString && frame.Tag != protocol.TagError {
		return "", fmt.Errorf("replication: unexpected reply tag %q during handshake", frame.Tag)
	}
	f.lastIO = time.Now()
	return frame.Str, nil
}

// handshake drives PING -> REPLCONF listening-port -> REPLCONF capa psync2
// -> PSYNC, reading each reply synchronously before sending the next step,
// then consumes the FULLRESYNC line and the RDB payload that immediately
// follows it on the same connection.
func (f *Follower) handshake() error {
	if err := f.send([]string{"PING"}); err != nil {
		return fmt.Errorf("replication: handshake PING: %w", err)
	}
	if _, err := f.expectSimpleString(); err != nil {
		return fmt.Errorf("replication: handshake PING reply: %w", err)
	}

	if err := f.send([]string{"REPLCONF", "listening-port", fmt.Sprintf("%d", f.listeningPort)}); err != nil {
		return fmt.Errorf("replication: handshake REPLCONF listening-port: %w", err)
	}
	if _, err := f.expectSimpleString(); err != nil {
		return fmt.Errorf("replication: handshake REPLCONF listening-port reply: %w", err)
	}

	if err := f.send([]string{"REPLCONF", "capa", "psync2"}); err != nil {
		return fmt.Errorf("replication: handshake REPLCONF capa: %w", err)
	}
	if _, err := f.expectSimpleString(); err != nil {
		return fmt.Errorf("replication: handshake REPLCONF capa reply: %w", err)
	}

	f.mu.Lock()
	f.state = LinkSyncing
	f.mu.Unlock()

	if err := f.send([]string{"PSYNC", "?", "-1"}); err != nil {
		return fmt.Errorf("replication: handshake PSYNC: %w", err)
	}

	resp, err := f.expectSimpleString()
	if err != nil {
		return fmt.Errorf("replication: handshake PSYNC reply: %w", err)
	}

	var replID string
	var offset int64
	if _, err := fmt.Sscanf(resp, "FULLRESYNC %s %d", &replID, &offset); err != nil {
		return fmt.Errorf("replication: unexpected PSYNC reply %q: %w", resp, err)
	}

	rdb, err := f.reader.ReadRDBPayload()
	if err != nil {
		return fmt.Errorf("replication: reading RDB payload: %w", err)
	}
	log.Printf("replication: full resync complete, replid=%s offset=%d, %d byte snapshot", replID, offset, len(rdb))

	f.mu.Lock()
	f.masterReplID = replID
	f.offset = offset
	f.state = LinkConnected
	f.mu.Unlock()

	return nil
}

// receiveStream consumes propagated writes until the connection drops.
// Every frame after the handshake is a command array; this reuses the same
// protocol.Reader the handshake just read the RDB payload from, so nothing
// buffered during the handshake can be lost.
func (f *Follower) receiveStream() {
	for {
		cmd, err := f.reader.ReadCommand()
		if err != nil {
			log.Printf("replication: lost connection to master: %v", err)
			f.mu.Lock()
			f.state = "disconnected"
			f.mu.Unlock()
			return
		}

		f.mu.Lock()
		f.offset += int64(len(protocol.EncodeCommand(append([]string{cmd.Name}, cmd.Args...))))
		f.lastIO = time.Now()
		f.mu.Unlock()

		if cmd.Name == "ping" {
			continue
		}

		if f.apply != nil {
			f.apply(append([]string{cmd.Name}, cmd.Args...))
		}
	}
}

// GetInfo renders the master_* fields of the INFO replication section.
func (f *Follower) GetInfo() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return map[string]string{
		"master_host":             f.masterHost,
		"master_port":             fmt.Sprintf("%d", f.masterPort),
		"master_link_status":      string(f.state),
		"master_replid":           f.masterReplID,
		"slave_repl_offset":       fmt.Sprintf("%d", f.offset),
		"master_sync_in_progress": fmt.Sprintf("%t", f.state == LinkSyncing),
	}
}

func (f *Follower) Close() error {
	return f.conn.Close()
}
