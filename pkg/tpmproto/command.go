package tpmproto

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// HeaderSize is the size of the tag, size and code fields common to
	// commands and responses.
	HeaderSize = 10

	// MaxCommandSize is the largest command this package will frame.
	MaxCommandSize = 4096
)

// Command builds a single TPM command. Handles, the optional password
// authorization and parameters are collected in order and framed by Marshal,
// which finalizes the header size field.
//
// Parameter helpers record the first encoding failure and Marshal returns it,
// so callers can chain them without intermediate error checks.
type Command struct {
	tag             SessionTag
	code            CommandCode
	handles         []ReservedHandle
	auth            *CmdAuth
	params          []byte
	responseHandles int
	err             error
}

// NewCommand starts a command with the given code and structure tag.
func NewCommand(code CommandCode, tag SessionTag) *Command {
	return &Command{tag: tag, code: code}
}

// Tag returns the structure tag of the command.
func (c *Command) Tag() SessionTag { return c.tag }

// Code returns the command code.
func (c *Command) Code() CommandCode { return c.code }

// ResponseHandleCount returns the number of handles the reply carries.
func (c *Command) ResponseHandleCount() int { return c.responseHandles }

// Handle appends a handle to the handle area.
func (c *Command) Handle(h ReservedHandle) *Command {
	c.handles = append(c.handles, h)
	return c
}

// Auth sets the single password authorization of a session-tagged command.
func (c *Command) Auth(auth CmdAuth) *Command {
	c.auth = &auth
	return c
}

// ResponseHandles declares how many handles precede the reply parameters.
func (c *Command) ResponseHandles(n int) *Command {
	c.responseHandles = n
	return c
}

// U8 appends a single octet parameter.
func (c *Command) U8(v uint8) *Command {
	c.params = append(c.params, v)
	return c
}

// Bool appends a TPMI_YES_NO parameter.
func (c *Command) Bool(v bool) *Command {
	if v {
		return c.U8(1)
	}
	return c.U8(0)
}

// U16 appends a big-endian 16-bit parameter.
func (c *Command) U16(v uint16) *Command {
	c.params = binary.BigEndian.AppendUint16(c.params, v)
	return c
}

// U32 appends a big-endian 32-bit parameter.
func (c *Command) U32(v uint32) *Command {
	c.params = binary.BigEndian.AppendUint32(c.params, v)
	return c
}

// Sized appends a TPM2B buffer: a 16-bit length followed by b.
func (c *Command) Sized(b []byte) *Command {
	if len(b) > math.MaxUint16 {
		c.fail(fmt.Errorf("%w: %d bytes", ErrBufferTooLarge, len(b)))
		return c
	}
	c.params = binary.BigEndian.AppendUint16(c.params, uint16(len(b)))
	c.params = append(c.params, b...)
	return c
}

// Raw appends pre-encoded parameter bytes.
func (c *Command) Raw(b []byte) *Command {
	c.params = append(c.params, b...)
	return c
}

func (c *Command) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Marshal frames the command. A Sessions command must carry exactly one
// authorization and a NoSessions command none.
func (c *Command) Marshal() ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	switch c.tag {
	case Sessions:
		if c.auth == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingAuth, c.code)
		}
		if err := c.auth.validate(); err != nil {
			return nil, err
		}
	case NoSessions:
		if c.auth != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnexpectedAuth, c.code)
		}
	default:
		return nil, fmt.Errorf("tpmproto: unsupported tag %s", c.tag)
	}

	size := HeaderSize + 4*len(c.handles) + len(c.params)
	if c.auth != nil {
		size += 4 + c.auth.size()
	}
	if size > MaxCommandSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCommandTooLarge, size)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.tag))
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.code))
	for _, h := range c.handles {
		buf = binary.BigEndian.AppendUint32(buf, uint32(h))
	}
	if c.auth != nil {
		buf = binary.BigEndian.AppendUint32(buf, uint32(c.auth.size()))
		buf = c.auth.appendTo(buf)
	}
	buf = append(buf, c.params...)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(buf)))
	return buf, nil
}
