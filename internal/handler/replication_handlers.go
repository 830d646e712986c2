package handler

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"redisrepl/internal/protocol"
	"redisrepl/internal/replication"
)

// handleReplConf answers the handshake's REPLCONF steps. Every sub-option
// gets +OK, including ones this server doesn't recognize — REPLCONF's only
// job here is to unblock the handshake, matching real Redis's permissive
// handling rather than rejecting anything unexpected. REPLCONF ACK is the
// one exception: it is one-way, no reply.
func (h *CommandHandler) handleReplConf(conn net.Conn, args []string) {
	if len(args) < 1 {
		conn.Write(protocol.EncodeError("ERR wrong number of arguments for 'replconf' command"))
		return
	}

	option := strings.ToLower(args[0])

	switch option {
	case "listening-port":
		if len(args) < 2 {
			conn.Write(protocol.EncodeError("ERR wrong number of arguments for 'replconf' command"))
			return
		}
		port, err := strconv.Atoi(args[1])
		if err != nil {
			conn.Write(protocol.EncodeError("ERR invalid port"))
			return
		}
		h.pendingPortsMu.Lock()
		h.pendingPorts[conn.RemoteAddr().String()] = port
		h.pendingPortsMu.Unlock()
		conn.Write(protocol.EncodeSimpleString("OK"))

	case "ack":
		// one-way, no response

	default:
		conn.Write(protocol.EncodeSimpleString("OK"))
	}
}

// handlePSync answers PSYNC with +FULLRESYNC <replid> <offset>\r\n followed
// immediately by the fixed empty-database RDB image as a length-prefixed
// binary payload with no trailing CRLF, then registers the connection as an
// online replica. Partial resync (a backlog-satisfied +CONTINUE) is out of
// scope — every PSYNC gets a full resync regardless of the replid/offset it
// names.
func (h *CommandHandler) handlePSync(conn net.Conn, args []string) (string, error) {
	if len(args) != 2 {
		conn.Write(protocol.EncodeError("ERR wrong number of arguments for 'psync' command"))
		return "", fmt.Errorf("wrong number of PSYNC arguments")
	}

	replica := h.replMgr.AddReplica(conn)

	h.pendingPortsMu.Lock()
	if port, ok := h.pendingPorts[conn.RemoteAddr().String()]; ok {
		h.replMgr.SetReplicaListeningPort(replica.ID, port)
		delete(h.pendingPorts, conn.RemoteAddr().String())
	}
	h.pendingPortsMu.Unlock()

	info := h.replMgr.GetInfo()
	reply := fmt.Sprintf("+FULLRESYNC %s %s\r\n", info["master_replid"], info["master_repl_offset"])
	if _, err := conn.Write([]byte(reply)); err != nil {
		h.replMgr.RemoveReplica(replica.ID)
		return "", err
	}

	rdb := replication.EmptyRDB()
	header := fmt.Sprintf("$%d\r\n", len(rdb))
	if _, err := conn.Write([]byte(header)); err != nil {
		h.replMgr.RemoveReplica(replica.ID)
		return "", err
	}
	if _, err := conn.Write(rdb); err != nil {
		h.replMgr.RemoveReplica(replica.ID)
		return "", err
	}

	h.replMgr.MarkOnline(replica.ID)
	log.Printf("handler: full resync sent to %s", replica.Addr)

	return replica.ID, nil
}
