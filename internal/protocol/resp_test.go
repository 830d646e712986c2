package protocol

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCommandArrayOfBulkStrings(t *testing.T) {
	r := NewReader(bytes.NewReader(EncodeCommand([]string{"SET", "foo", "bar"})))

	cmd, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, "set", cmd.Name)
	assert.Equal(t, []string{"foo", "bar"}, cmd.Args)
}

func TestReadCommandRejectsNonArrayFrame(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("+OK\r\n")))

	_, err := r.ReadCommand()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrameRejectsUnknownTag(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("!bogus\r\n")))

	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrameSimpleStringAndInteger(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("+PONG\r\n:42\r\n")))

	f1, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(TagSimpleString), f1.Tag)
	assert.Equal(t, "PONG", f1.Str)

	f2, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, int64(42), f2.Int)
}

func TestReadFrameNullBulkAndNullArray(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("$-1\r\n*-1\r\n")))

	f1, err := r.ReadFrame()
	require.NoError(t, err)
	assert.True(t, f1.Null)

	f2, err := r.ReadFrame()
	require.NoError(t, err)
	assert.True(t, f2.Null)
}

// pacedReader trickles bytes through in small chunks, forcing ReadCommand to
// block and resume mid-frame exactly like a real socket split across
// multiple TCP reads would.
type pacedReader struct {
	data  []byte
	pos   int
	chunk int
}

func (p *pacedReader) Read(buf []byte) (int, error) {
	if p.pos >= len(p.data) {
		return 0, io.EOF
	}
	n := p.chunk
	if n > len(buf) {
		n = len(buf)
	}
	if p.pos+n > len(p.data) {
		n = len(p.data) - p.pos
	}
	copy(buf, p.data[p.pos:p.pos+n])
	p.pos += n
	time.Sleep(time.Microsecond)
	return n, nil
}

func TestReadCommandSurvivesFrameSplitAcrossReads(t *testing.T) {
	wire := EncodeCommand([]string{"SET", "foo", "a-fairly-long-value-to-split"})
	r := NewReader(&pacedReader{data: wire, chunk: 3})

	cmd, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, "set", cmd.Name)
	assert.Equal(t, []string{"foo", "a-fairly-long-value-to-split"}, cmd.Args)
}

func TestReadCommandHandlesMultipleCommandsInOneBuffer(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeCommand([]string{"PING"}))
	buf.Write(EncodeCommand([]string{"GET", "foo"}))

	r := NewReader(&buf)

	cmd1, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, "ping", cmd1.Name)

	cmd2, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, "get", cmd2.Name)
	assert.Equal(t, []string{"foo"}, cmd2.Args)
}

func TestReadRDBPayloadAfterSimpleStringOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("+FULLRESYNC abc123 0\r\n")
	payload := []byte{0x52, 0x45, 0x44, 0x49, 0x53, 0x00, 0x11, 0xff}
	buf.WriteString("$8\r\n")
	buf.Write(payload)

	r := NewReader(&buf)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "FULLRESYNC abc123 0", frame.Str)

	rdb, err := r.ReadRDBPayload()
	require.NoError(t, err)
	assert.Equal(t, payload, rdb)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]string{
		{"PING"},
		{"ECHO", "hello"},
		{"SET", "key", "value"},
		{"SET", "key", "value", "PX", "100"},
	}

	for _, args := range cases {
		r := NewReader(bytes.NewReader(EncodeCommand(args)))
		cmd, err := r.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, len(args)-1, len(cmd.Args))
	}
}

func TestEncodeErrorAndBulkString(t *testing.T) {
	assert.Equal(t, []byte("-ERR boom\r\n"), EncodeError("ERR boom"))
	assert.Equal(t, []byte("$5\r\nhello\r\n"), EncodeBulkString([]byte("hello")))
	assert.Equal(t, []byte("$-1\r\n"), EncodeNullBulk())
}
