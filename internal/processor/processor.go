// Package processor owns the single goroutine that is allowed to touch the
// storage.Store directly. Every read or write arrives as a Command over a
// channel with a per-call response channel, so Store itself never needs a
// lock — mutual exclusion falls out of only one goroutine ever reaching
// into the map. Connection handlers call the exported methods below, which
// just submit a Command and block on its Response channel.
package processor

import (
	"context"
	"time"

	"redisrepl/internal/storage"
)

type CommandType int

const (
	CmdGet CommandType = iota
	CmdSet
	CmdDelete
	CmdRemoveExpired
)

// Result is the single response shape every executor writes back. Only the
// fields relevant to the originating CommandType are populated.
type Result struct {
	Value   []byte
	Exists  bool
	Deleted bool
	Removed int
}

type Command struct {
	Type     CommandType
	Key      string
	Value    []byte
	TTL      *time.Duration
	Response chan Result
}

type Processor struct {
	store       *storage.Store
	commandChan chan *Command
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewProcessor starts the owning goroutine and a periodic expired-key sweep.
func NewProcessor(store *storage.Store) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		store:       store,
		commandChan: make(chan *Command, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}
	go p.run()
	go p.periodicCleanup()
	return p
}

func (p *Processor) run() {
	for {
		select {
		case <-p.ctx.Done():
			p.drainCommands()
			return
		case cmd := <-p.commandChan:
			p.execute(cmd)
		}
	}
}

func (p *Processor) drainCommands() {
	for {
		select {
		case cmd := <-p.commandChan:
			p.execute(cmd)
		default:
			return
		}
	}
}

func (p *Processor) execute(cmd *Command) {
	var res Result
	switch cmd.Type {
	case CmdGet:
		res.Value, res.Exists = p.store.Get(cmd.Key)
	case CmdSet:
		p.store.Set(cmd.Key, cmd.Value, cmd.TTL)
	case CmdDelete:
		res.Deleted = p.store.Delete(cmd.Key)
	case CmdRemoveExpired:
		res.Removed = p.store.RemoveExpired()
	}
	if cmd.Response != nil {
		cmd.Response <- res
	}
}

func (p *Processor) periodicCleanup() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cmd := &Command{Type: CmdRemoveExpired, Response: make(chan Result, 1)}
			p.commandChan <- cmd
			<-cmd.Response
		}
	}
}

func (p *Processor) submit(cmd *Command) Result {
	cmd.Response = make(chan Result, 1)
	p.commandChan <- cmd
	return <-cmd.Response
}

// Get returns the value for key iff it exists and has not expired.
func (p *Processor) Get(key string) ([]byte, bool) {
	res := p.submit(&Command{Type: CmdGet, Key: key})
	return res.Value, res.Exists
}

// Set writes key with an optional TTL. ttl nil means no expiry.
func (p *Processor) Set(key string, value []byte, ttl *time.Duration) {
	p.submit(&Command{Type: CmdSet, Key: key, Value: value, TTL: ttl})
}

// Delete removes key unconditionally, reporting whether it was present.
func (p *Processor) Delete(key string) bool {
	res := p.submit(&Command{Type: CmdDelete, Key: key})
	return res.Deleted
}

// Shutdown cancels the owning goroutine after draining any in-flight
// commands already queued.
func (p *Processor) Shutdown() {
	p.cancel()
}
