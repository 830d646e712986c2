// Package handler turns parsed command frames into responses, the command
// vocabulary closed at PING, ECHO, SET, GET, INFO, REPLCONF, and PSYNC.
package handler

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"redisrepl/internal/processor"
	"redisrepl/internal/protocol"
	"redisrepl/internal/replication"
)

// CommandFunc answers a parsed command with the bytes to write back.
type CommandFunc func(cmd *protocol.Command) []byte

type CommandHandler struct {
	processor  *processor.Processor
	replMgr    *replication.Manager
	follower   *replication.Follower // non-nil only when this server follows a master
	serverPort int
	commands   map[string]CommandFunc

	// pendingPorts holds a connection's REPLCONF listening-port value until
	// the PSYNC that follows it turns the connection into a registered
	// replica, tying the two-step REPLCONF-then-PSYNC handshake together.
	pendingPortsMu sync.Mutex
	pendingPorts   map[string]int
}

func NewCommandHandler(proc *processor.Processor, replMgr *replication.Manager, serverPort int) *CommandHandler {
	h := &CommandHandler{
		processor:    proc,
		replMgr:      replMgr,
		serverPort:   serverPort,
		pendingPorts: make(map[string]int),
	}
	h.registerCommands()
	return h
}

// SetFollower attaches the master-link state this server exposes through
// INFO when it is itself a follower.
func (h *CommandHandler) SetFollower(f *replication.Follower) {
	h.follower = f
}

func (h *CommandHandler) registerCommands() {
	h.commands = map[string]CommandFunc{
		"ping": h.handlePing,
		"echo": h.handleEcho,
		"set":  h.handleSet,
		"get":  h.handleGet,
		"info": h.handleInfo,
	}
}

// Handle owns a connection for its lifetime: read a command frame, dispatch
// it, write the reply, repeat until the client disconnects or a protocol
// error forces the connection closed. PSYNC hands the connection off to the
// replication registry but the same read loop keeps running afterward, so
// a follower's REPLCONF ACKs (if any) are still drained without error.
func (h *CommandHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := protocol.NewReader(conn)
	var replicaID string

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, err := reader.ReadCommand()
		if err != nil {
			if replicaID != "" {
				h.replMgr.RemoveReplica(replicaID)
			}
			return
		}

		switch cmd.Name {
		case "replconf":
			h.handleReplConf(conn, cmd.Args)
		case "psync":
			id, err := h.handlePSync(conn, cmd.Args)
			if err != nil {
				log.Printf("handler: PSYNC failed: %v", err)
				return
			}
			replicaID = id
		default:
			fn, ok := h.commands[cmd.Name]
			if !ok {
				conn.Write(protocol.EncodeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Name)))
				continue
			}

			reply := fn(cmd)
			conn.Write(reply)

			if cmd.Name == "set" && reply[0] != protocol.TagError {
				h.replMgr.PropagateCommand(append([]string{"SET"}, cmd.Args...))
			}
		}
	}
}

func (h *CommandHandler) handlePing(cmd *protocol.Command) []byte {
	if len(cmd.Args) > 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'ping' command")
	}
	if len(cmd.Args) == 1 {
		return protocol.EncodeBulkString([]byte(cmd.Args[0]))
	}
	return protocol.EncodeSimpleString("PONG")
}

func (h *CommandHandler) handleEcho(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'echo' command")
	}
	return protocol.EncodeBulkString([]byte(cmd.Args[0]))
}

// handleSet implements SET key value [PX milliseconds]. Any other trailing
// argument, including EX/NX/XX/KEEPTTL, is rejected — PX is the only
// modifier supported.
func (h *CommandHandler) handleSet(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 2 && len(cmd.Args) != 4 {
		return protocol.EncodeError("ERR wrong number of arguments for 'set' command")
	}

	key, value := cmd.Args[0], cmd.Args[1]
	var ttl *time.Duration

	if len(cmd.Args) == 4 {
		if !strings.EqualFold(cmd.Args[2], "PX") {
			return protocol.EncodeError(fmt.Sprintf("ERR syntax error near '%s'", cmd.Args[2]))
		}
		ms, err := strconv.ParseInt(cmd.Args[3], 10, 64)
		if err != nil || ms < 0 {
			return protocol.EncodeError("ERR value is not an integer or out of range")
		}
		d := time.Duration(ms) * time.Millisecond
		ttl = &d
	}

	h.processor.Set(key, []byte(value), ttl)
	return protocol.EncodeSimpleString("OK")
}

func (h *CommandHandler) handleGet(cmd *protocol.Command) []byte {
	if len(cmd.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'get' command")
	}
	value, ok := h.processor.Get(cmd.Args[0])
	if !ok {
		return protocol.EncodeNullBulk()
	}
	return protocol.EncodeBulkString(value)
}

func (h *CommandHandler) handleInfo(cmd *protocol.Command) []byte {
	var b strings.Builder
	b.WriteString("# Replication\r\n")
	for k, v := range h.replMgr.GetInfo() {
		fmt.Fprintf(&b, "%s:%s\r\n", k, v)
	}
	if h.follower != nil {
		for k, v := range h.follower.GetInfo() {
			fmt.Fprintf(&b, "%s:%s\r\n", k, v)
		}
	}
	return protocol.EncodeBulkString([]byte(b.String()))
}
