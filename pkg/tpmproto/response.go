package tpmproto

import (
	"encoding/binary"
)

// ResponseHeader is the fixed header of every TPM response.
type ResponseHeader struct {
	Tag          SessionTag
	Size         uint32
	ResponseCode ResponseCode
}

// Reply is a structurally valid TPM response. Parameters aliases the reply
// buffer passed to ValidateReply and is only valid until that buffer is
// reused.
type Reply struct {
	Header       ResponseHeader
	Handles      []ReservedHandle
	Parameters   []byte
	AuthResponse *AuthResponse
}

// ResponseCode returns the response code from the header.
func (r *Reply) ResponseCode() ResponseCode {
	return r.Header.ResponseCode
}

// ParamReader returns a reader over the parameter area.
func (r *Reply) ParamReader() *ParamReader {
	return NewParamReader(r.Parameters)
}

// ValidateReply checks the framing of a reply to a command sent with tag
// that returns handleCount handles.
//
// A structurally valid reply is returned together with success, which is
// true only for TPM_RC_SUCCESS. A non-success reply is not a validation
// error: it carries the response code the caller needs to classify the
// failure. Error replies must be a bare 10-byte header tagged NoSessions.
func ValidateReply(reply []byte, tag SessionTag, handleCount int) (*Reply, bool, error) {
	if len(reply) < HeaderSize {
		return nil, false, validationErrorf(ReplyTooShort, "%d bytes", len(reply))
	}
	header := ResponseHeader{
		Tag:          SessionTag(binary.BigEndian.Uint16(reply[0:2])),
		Size:         binary.BigEndian.Uint32(reply[2:6]),
		ResponseCode: ResponseCode(binary.BigEndian.Uint32(reply[6:10])),
	}
	if header.Size < HeaderSize || int(header.Size) > len(reply) {
		return nil, false, validationErrorf(ReplySizeMismatch,
			"header size %d, buffer %d", header.Size, len(reply))
	}
	body := reply[HeaderSize:header.Size]

	if header.ResponseCode != RCSuccess {
		if header.Tag != NoSessions {
			return nil, false, validationErrorf(UnexpectedTag,
				"error response %s tagged %s", header.ResponseCode, header.Tag)
		}
		if len(body) != 0 {
			return nil, false, validationErrorf(TrailingData,
				"error response %s carries %d bytes", header.ResponseCode, len(body))
		}
		return &Reply{Header: header}, false, nil
	}

	if header.Tag != tag {
		return nil, false, validationErrorf(UnexpectedTag,
			"expected %s, got %s", tag, header.Tag)
	}

	r := &Reply{Header: header}
	if len(body) < 4*handleCount {
		return nil, false, validationErrorf(MalformedHandleArea,
			"need %d handles, have %d bytes", handleCount, len(body))
	}
	for i := 0; i < handleCount; i++ {
		h, err := ParseHandle(binary.BigEndian.Uint32(body[4*i:]))
		if err != nil {
			return nil, false, validationErrorf(MalformedHandleArea, "%v", err)
		}
		r.Handles = append(r.Handles, h)
	}
	body = body[4*handleCount:]

	if tag == NoSessions {
		r.Parameters = body
		return r, true, nil
	}

	if len(body) < 4 {
		return nil, false, validationErrorf(MalformedParameterArea, "missing parameterSize")
	}
	paramSize := binary.BigEndian.Uint32(body[0:4])
	body = body[4:]
	if int(paramSize) > len(body) {
		return nil, false, validationErrorf(MalformedParameterArea,
			"parameterSize %d exceeds remaining %d bytes", paramSize, len(body))
	}
	r.Parameters = body[:paramSize]

	sessions := NewParamReader(body[paramSize:])
	nonce, err := sessions.Sized()
	if err != nil {
		return nil, false, validationErrorf(MalformedSessionArea, "nonce: %v", err)
	}
	attrs, err := sessions.U8()
	if err != nil {
		return nil, false, validationErrorf(MalformedSessionArea, "attributes: %v", err)
	}
	hmac, err := sessions.Sized()
	if err != nil {
		return nil, false, validationErrorf(MalformedSessionArea, "hmac: %v", err)
	}
	if sessions.Remaining() != 0 {
		return nil, false, validationErrorf(MalformedSessionArea,
			"%d bytes after the authorization", sessions.Remaining())
	}
	r.AuthResponse = &AuthResponse{
		Nonce:      nonce,
		Attributes: SessionAttributes(attrs),
		HMAC:       hmac,
	}
	return r, true, nil
}

// ParamReader decodes big-endian primitives and TPM2B buffers from a
// parameter area. Failures are *ValidationError values of kind
// MalformedParameterArea or TrailingData.
type ParamReader struct {
	buf []byte
	off int
}

func NewParamReader(b []byte) *ParamReader {
	return &ParamReader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *ParamReader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *ParamReader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, validationErrorf(MalformedParameterArea,
			"need %d bytes at offset %d, have %d", n, r.off, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *ParamReader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *ParamReader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *ParamReader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *ParamReader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Sized reads a TPM2B buffer and returns a copy of its contents.
func (r *ParamReader) Sized() ([]byte, error) {
	n, err := r.U16()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte{}, b...), nil
}

// SizedRaw reads a TPM2B buffer and returns a copy including its size
// prefix, suitable for tpm2.Unmarshal of a TPM2B type.
func (r *ParamReader) SizedRaw() ([]byte, error) {
	start := r.off
	if _, err := r.Sized(); err != nil {
		return nil, err
	}
	return append([]byte{}, r.buf[start:r.off]...), nil
}

// Rest consumes and returns a copy of the unread bytes, for structures
// decoded with tpm2.Unmarshal.
func (r *ParamReader) Rest() []byte {
	b := append([]byte{}, r.buf[r.off:]...)
	r.off = len(r.buf)
	return b
}

// Done fails if unread bytes remain.
func (r *ParamReader) Done() error {
	if r.Remaining() != 0 {
		return validationErrorf(TrailingData, "%d unread bytes", r.Remaining())
	}
	return nil
}
