package tpm2

import (
	"errors"
	"fmt"

	"github.com/google/go-tpm/tpm2/transport"
)

var (
	ErrNoExecutionCore     = errors.New("tpm: no execution core or transport")
	ErrReplyBufferTooSmall = errors.New("tpm: reply exceeds the reply buffer")
)

// ExecutionCore executes one marshaled TPM command and writes the response
// into reply. The reply buffer is reused across calls and is only valid
// until the next call.
type ExecutionCore interface {
	ExecuteCommand(cmd []byte, reply []byte) error
}

// ExecutionCoreFunc adapts a function to the ExecutionCore interface.
type ExecutionCoreFunc func(cmd []byte, reply []byte) error

func (f ExecutionCoreFunc) ExecuteCommand(cmd []byte, reply []byte) error {
	return f(cmd, reply)
}

// FromTransport adapts a go-tpm transport into an execution core.
func FromTransport(t transport.TPM) ExecutionCore {
	return &transportCore{tpm: t}
}

type transportCore struct {
	tpm transport.TPM
}

func (c *transportCore) ExecuteCommand(cmd []byte, reply []byte) error {
	rsp, err := c.tpm.Send(cmd)
	if err != nil {
		return err
	}
	if len(rsp) > len(reply) {
		return fmt.Errorf("%w: %d bytes, buffer holds %d", ErrReplyBufferTooSmall, len(rsp), len(reply))
	}
	n := copy(reply, rsp)
	clear(reply[n:])
	return nil
}
