package tpm2

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/internal/testutil"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

// testAuthValue is the NV auth value the host provisions with.
const testAuthValue uint64 = 0x7766554433221100

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOptions("debug", "text", io.Discard)
}

// newTestEngine returns an engine over a fresh fake TPM that has not
// received Startup.
func newTestEngine(t *testing.T) (*Engine, *testutil.FakeTPM) {
	t.Helper()
	fake := testutil.NewFakeTPM()
	engine, err := New(&Params{
		Config: DefaultConfig(),
		Core:   fake,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	return engine, fake
}

// newStartedEngine returns an initialized engine with an empty command log.
func newStartedEngine(t *testing.T) (*Engine, *testutil.FakeTPM) {
	t.Helper()
	engine, fake := newTestEngine(t)
	require.NoError(t, engine.InitializeTPMEngine())
	fake.ClearLog()
	return engine, fake
}

var (
	ErrScriptExhausted = errors.New("script: no more replies")
)

// scriptedCore replays canned replies and records every command, for
// checks against exact wire encodings.
type scriptedCore struct {
	mu       sync.Mutex
	replies  [][]byte
	errors   []error
	idx      int
	commands [][]byte
}

func newScriptedCore(replies ...[]byte) *scriptedCore {
	return &scriptedCore{
		replies: replies,
		errors:  make([]error, len(replies)),
	}
}

// AddReply queues a reply, or an execution failure when err is set.
func (s *scriptedCore) AddReply(reply []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
	s.errors = append(s.errors, err)
}

func (s *scriptedCore) ExecuteCommand(cmd []byte, reply []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, append([]byte{}, cmd...))
	if s.idx >= len(s.replies) {
		return ErrScriptExhausted
	}
	rsp, err := s.replies[s.idx], s.errors[s.idx]
	s.idx++
	if err != nil {
		return err
	}
	n := copy(reply, rsp)
	clear(reply[n:])
	return nil
}

// Commands returns every command received so far.
func (s *scriptedCore) Commands() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands
}

func newScriptedEngine(t *testing.T, core *scriptedCore) *Engine {
	t.Helper()
	engine, err := New(&Params{Core: core, Logger: testLogger()})
	require.NoError(t, err)
	return engine
}

// okReply frames a successful reply. Sessions replies get an empty
// password auth response.
func okReply(tag tpmproto.SessionTag, handles []uint32, params []byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(tag))
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, 0)
	for _, h := range handles {
		b = binary.BigEndian.AppendUint32(b, h)
	}
	if tag == tpmproto.Sessions {
		b = binary.BigEndian.AppendUint32(b, uint32(len(params)))
		b = append(b, params...)
		b = append(b, 0x00, 0x00, 0x01, 0x00, 0x00)
	} else {
		b = append(b, params...)
	}
	binary.BigEndian.PutUint32(b[2:6], uint32(len(b)))
	return b
}

func failReply(rc tpmproto.ResponseCode) []byte {
	b := []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0A}
	return binary.BigEndian.AppendUint32(b, uint32(rc))
}

// emptyPasswordAuth is the encoded authorization area of an empty
// password session, including its size.
var emptyPasswordAuth = []byte{
	0x00, 0x00, 0x00, 0x09,
	0x40, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x00,
}
