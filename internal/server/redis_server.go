// Package server wires storage, the command processor, and replication
// together behind a TCP listener.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"redisrepl/internal/handler"
	"redisrepl/internal/processor"
	"redisrepl/internal/replication"
	"redisrepl/internal/storage"
)

// RedisServer accepts connections and hands each to the command handler.
type RedisServer struct {
	config    *Config
	listener  net.Listener
	processor *processor.Processor
	handler   *handler.CommandHandler
	replMgr   *replication.Manager
	follower  *replication.Follower

	connections   sync.Map
	connIDCounter atomic.Int64
	wg            sync.WaitGroup
	shutdownChan  chan struct{}
	mu            sync.RWMutex
	isShutdown    bool
}

// NewRedisServer builds the server graph: store -> processor -> handler,
// plus the replication role this config names. If cfg names a master, the
// handshake runs synchronously here so that NewRedisServer only returns a
// server once it is either an independent master or a connected follower.
func NewRedisServer(cfg *Config) (*RedisServer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	store := storage.NewStore()
	proc := processor.NewProcessor(store)

	role := replication.RoleMaster
	if cfg.IsReplica() {
		role = replication.RoleSlave
	}
	replMgr := replication.NewManager(role)
	replMgr.SetListeningPort(cfg.Port)

	cmdHandler := handler.NewCommandHandler(proc, replMgr, cfg.Port)

	s := &RedisServer{
		config:       cfg,
		processor:    proc,
		handler:      cmdHandler,
		replMgr:      replMgr,
		shutdownChan: make(chan struct{}),
	}

	if cfg.IsReplica() {
		log.Printf("server: connecting to master %s:%d", cfg.ReplicaOfHost, cfg.ReplicaOfPort)
		follower, err := replication.Connect(cfg.ReplicaOfHost, cfg.ReplicaOfPort, cfg.Port, s.applyReplicatedCommand)
		if err != nil {
			return nil, fmt.Errorf("server: replication handshake: %w", err)
		}
		s.follower = follower
		cmdHandler.SetFollower(follower)
		log.Printf("server: replica of %s:%d", cfg.ReplicaOfHost, cfg.ReplicaOfPort)
	}

	return s, nil
}

// applyReplicatedCommand is the Follower's apply callback: it writes
// propagated commands straight to the local store through the processor,
// without going through the command handler or writing any reply.
func (s *RedisServer) applyReplicatedCommand(args []string) {
	if len(args) == 0 {
		return
	}

	switch strings.ToLower(args[0]) {
	case "set":
		if len(args) != 3 && len(args) != 5 {
			log.Printf("server: malformed replicated SET: %v", args)
			return
		}
		var ttl *time.Duration
		if len(args) == 5 {
			ms, err := strconv.ParseInt(args[4], 10, 64)
			if err != nil {
				log.Printf("server: malformed replicated SET PX value: %v", args)
				return
			}
			d := time.Duration(ms) * time.Millisecond
			ttl = &d
		}
		s.processor.Set(args[1], []byte(args[2]), ttl)
	default:
		log.Printf("server: ignoring unrecognized replicated command: %v", args)
	}
}

// Start binds the listener and serves until ctx is cancelled.
func (s *RedisServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("server: listening on %s", addr)

	go s.acceptConnections(ctx)

	<-ctx.Done()
	return nil
}

func (s *RedisServer) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.isShutdown
			s.mu.RUnlock()
			if shutdown {
				return
			}
			log.Printf("server: accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *RedisServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	connID := s.connIDCounter.Add(1)
	s.connections.Store(connID, conn)
	defer s.connections.Delete(connID)

	s.handler.Handle(ctx, conn)
}

// Shutdown stops accepting connections, closes every open connection, and
// waits (with a timeout) for their handler goroutines to return.
func (s *RedisServer) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	log.Println("server: shutting down")
	close(s.shutdownChan)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("server: all connections closed")
	case <-time.After(5 * time.Second):
		log.Println("server: shutdown timeout reached, forcing exit")
	}

	s.processor.Shutdown()
	s.replMgr.Shutdown()
	if s.follower != nil {
		s.follower.Close()
	}

	log.Println("server: shutdown complete")
}
