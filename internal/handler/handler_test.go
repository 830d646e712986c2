package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redisrepl/internal/processor"
	"redisrepl/internal/protocol"
	"redisrepl/internal/replication"
	"redisrepl/internal/storage"
)

func newTestHandler(role replication.Role) (*CommandHandler, *processor.Processor) {
	proc := processor.NewProcessor(storage.NewStore())
	replMgr := replication.NewManager(role)
	return NewCommandHandler(proc, replMgr, 6379), proc
}

func serve(h *CommandHandler, conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.Handle(ctx, conn)
		cancel()
	}()
}

func TestHandlePingWithAndWithoutArgument(t *testing.T) {
	h, _ := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	client.Write(protocol.EncodeCommand([]string{"PING"}))
	reader := protocol.NewReader(client)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "PONG", frame.Str)

	client.Write(protocol.EncodeCommand([]string{"PING", "hello"}))
	frame, err = reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), frame.Bulk)
}

func TestHandleSetThenGet(t *testing.T) {
	h, _ := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	reader := protocol.NewReader(client)

	client.Write(protocol.EncodeCommand([]string{"SET", "foo", "bar"}))
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "OK", frame.Str)

	client.Write(protocol.EncodeCommand([]string{"GET", "foo"}))
	frame, err = reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("bar"), frame.Bulk)
}

func TestHandleGetMissingKeyReturnsNullBulk(t *testing.T) {
	h, _ := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	client.Write(protocol.EncodeCommand([]string{"GET", "missing"}))
	reader := protocol.NewReader(client)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.Null)
}

func TestHandleSetRejectsUnsupportedModifier(t *testing.T) {
	h, _ := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	client.Write(protocol.EncodeCommand([]string{"SET", "foo", "bar", "EX", "10"}))
	reader := protocol.NewReader(client)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.TagError), frame.Tag)
}

func TestHandleSetWithPXExpires(t *testing.T) {
	h, proc := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	reader := protocol.NewReader(client)
	client.Write(protocol.EncodeCommand([]string{"SET", "foo", "bar", "PX", "5"}))
	_, err := reader.ReadFrame()
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, ok := proc.Get("foo")
	assert.False(t, ok)
}

func TestHandleSetOnReplicaExecutesLocallyWithoutPropagating(t *testing.T) {
	h, proc := newTestHandler(replication.RoleSlave)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	client.Write(protocol.EncodeCommand([]string{"SET", "foo", "bar"}))
	reader := protocol.NewReader(client)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "OK", frame.Str)

	value, ok := proc.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, []byte("bar"), value)
}

func TestHandleUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	client.Write(protocol.EncodeCommand([]string{"NOPE"}))
	reader := protocol.NewReader(client)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.TagError), frame.Tag)
}

func TestHandleInfoReportsReplicationSection(t *testing.T) {
	h, _ := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	client.Write(protocol.EncodeCommand([]string{"INFO"}))
	reader := protocol.NewReader(client)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Contains(t, string(frame.Bulk), "role:master")
}

func TestHandlePSyncSendsFullResyncAndRegistersReplica(t *testing.T) {
	h, _ := newTestHandler(replication.RoleMaster)
	client, server := net.Pipe()
	serve(h, server)
	defer client.Close()

	reader := protocol.NewReader(client)

	client.Write(protocol.EncodeCommand([]string{"REPLCONF", "listening-port", "7001"}))
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "OK", frame.Str)

	client.Write(protocol.EncodeCommand([]string{"PSYNC", "?", "-1"}))
	frame, err = reader.ReadFrame()
	require.NoError(t, err)
	assert.Contains(t, frame.Str, "FULLRESYNC")

	rdb, err := reader.ReadRDBPayload()
	require.NoError(t, err)
	assert.Len(t, rdb, 88)
}
