// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-vtpm.
//
// go-vtpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package testutil

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

var (
	ErrFakeReplyTooLarge = errors.New("faketpm: reply exceeds the reply buffer")
	ErrFakeInjected      = errors.New("faketpm: injected execution failure")
)

// Response codes the fake returns that the engine never matches on.
const (
	rcBadTag       tpmproto.ResponseCode = 0x01E
	rcCommandSize  tpmproto.ResponseCode = 0x142
	rcObjectMemory tpmproto.ResponseCode = 0x902
	rcInsufficient tpmproto.ResponseCode = 0x09A
	rcIntegrity    tpmproto.ResponseCode = 0x09F
	rcSymmetric    tpmproto.ResponseCode = 0x096
)

const (
	// DefaultNVCapacity is the NV space available for index data.
	DefaultNVCapacity = 32 * 1024

	// MaxNVBufferSize is the largest NV_Read or NV_Write payload.
	MaxNVBufferSize = 1024

	// MaxNVIndexSize is the largest index that can be defined.
	MaxNVIndexSize = 4096

	// TransientSlots is the number of transient objects held at once.
	TransientSlots = 3

	firstTransient = 0x80000000
)

type nvIndex struct {
	public  tpmproto.NVPublic
	auth    []byte
	data    []byte
	written bool
}

type object struct {
	public    tpm2.TPMTPublic
	hierarchy tpmproto.ReservedHandle
	name      []byte
}

type fault struct {
	code tpmproto.CommandCode
	skip int
	rc   tpmproto.ResponseCode
	err  error
}

// FakeTPM is an in-process execution core implementing the subset of TPM
// 2.0 the engine drives: startup, hierarchies and their seeds, password
// authorized NV indices, primary keys, persistent and transient objects
// and duplicated key import. It is deterministic: equal seeds and
// templates always produce equal keys.
//
// Faults can be injected per command code and every executed command is
// logged.
type FakeTPM struct {
	mu sync.Mutex

	started      bool
	eps          [32]byte
	pps          [32]byte
	sps          [32]byte
	phEnable     bool
	phEnableNV   bool
	shEnable     bool
	ehEnable     bool
	disableClear bool
	pcrBanks     map[tpm2.TPMIAlgHash][]byte

	nv         map[tpmproto.ReservedHandle]*nvIndex
	nvCapacity int

	persistent    map[tpmproto.ReservedHandle]*object
	transient     map[tpmproto.ReservedHandle]*object
	nextTransient uint32
	imported      map[string]bool

	faults  []*fault
	corrupt bool
	log     []tpmproto.CommandCode
}

// NewFakeTPM returns a powered-on TPM that has not received Startup.
func NewFakeTPM() *FakeTPM {
	f := &FakeTPM{
		eps:        sha256.Sum256([]byte("faketpm endorsement seed")),
		pps:        sha256.Sum256([]byte("faketpm platform seed")),
		sps:        sha256.Sum256([]byte("faketpm storage seed")),
		nv:         make(map[tpmproto.ReservedHandle]*nvIndex),
		nvCapacity: DefaultNVCapacity,
		persistent: make(map[tpmproto.ReservedHandle]*object),
		imported:   make(map[string]bool),
		pcrBanks:   make(map[tpm2.TPMIAlgHash][]byte),
	}
	f.powerOn()
	return f
}

func (f *FakeTPM) powerOn() {
	f.started = false
	f.phEnable = true
	f.phEnableNV = true
	f.transient = make(map[tpmproto.ReservedHandle]*object)
	f.nextTransient = firstTransient
}

// Reset simulates a TPM reset. NV indices, persistent objects and seeds
// survive; transient objects and hierarchy enables do not.
func (f *FakeTPM) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerOn()
}

// SetNVCapacity limits the NV space available for index data.
func (f *FakeTPM) SetNVCapacity(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nvCapacity = n
}

// FailNext makes the next command with code fail with rc.
func (f *FakeTPM) FailNext(code tpmproto.CommandCode, rc tpmproto.ResponseCode) {
	f.FailAt(code, 1, rc)
}

// FailAt makes the nth following command with code fail with rc. n is
// one-based.
func (f *FakeTPM) FailAt(code tpmproto.CommandCode, n int, rc tpmproto.ResponseCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, &fault{code: code, skip: n - 1, rc: rc})
}

// FailExecute makes the execution core itself fail on the next command
// with code. A nil err uses ErrFakeInjected.
func (f *FakeTPM) FailExecute(code tpmproto.CommandCode, err error) {
	if err == nil {
		err = ErrFakeInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, &fault{code: code, err: err})
}

// CorruptNextReply rewrites the tag of the next reply to an invalid value.
func (f *FakeTPM) CorruptNextReply() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt = true
}

// Commands returns the codes of every command executed so far.
func (f *FakeTPM) Commands() []tpmproto.CommandCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tpmproto.CommandCode{}, f.log...)
}

// Count returns how many commands with code were executed.
func (f *FakeTPM) Count(code tpmproto.CommandCode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.log {
		if c == code {
			n++
		}
	}
	return n
}

// ClearLog empties the command log.
func (f *FakeTPM) ClearLog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = nil
}

// EPS returns the endorsement primary seed.
func (f *FakeTPM) EPS() [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eps
}

// PPS returns the platform primary seed.
func (f *FakeTPM) PPS() [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pps
}

// DefineNV defines an index directly, bypassing authorization. A non-nil
// data marks the index written.
func (f *FakeTPM) DefineNV(public tpmproto.NVPublic, auth []byte, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := &nvIndex{
		public: public,
		auth:   append([]byte{}, auth...),
		data:   make([]byte, public.DataSize),
	}
	if data != nil {
		copy(idx.data, data)
		idx.written = true
	}
	f.nv[public.Index] = idx
}

// NVPublic returns the public area of an index as NV_ReadPublic reports it.
func (f *FakeTPM) NVPublic(index tpmproto.ReservedHandle) (tpmproto.NVPublic, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.nv[index]
	if !ok {
		return tpmproto.NVPublic{}, false
	}
	return idx.reported(), true
}

// NVData returns a copy of the contents of an index.
func (f *FakeTPM) NVData(index tpmproto.ReservedHandle) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.nv[index]
	if !ok {
		return nil, false
	}
	return append([]byte{}, idx.data...), true
}

// NVWritten reports whether an index has been written since it was defined.
func (f *FakeTPM) NVWritten(index tpmproto.ReservedHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.nv[index]
	return ok && idx.written
}

// HasPersistent reports whether an object is persisted at handle.
func (f *FakeTPM) HasPersistent(handle tpmproto.ReservedHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.persistent[handle]
	return ok
}

// TransientCount returns the number of loaded transient objects.
func (f *FakeTPM) TransientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transient)
}

// HierarchyEnabled reports the enable flag of a hierarchy.
func (f *FakeTPM) HierarchyEnabled(hierarchy tpmproto.ReservedHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch hierarchy {
	case tpmproto.RHPlatform:
		return f.phEnable
	case tpmproto.RHPlatformNV:
		return f.phEnableNV
	case tpmproto.RHOwner:
		return f.shEnable
	case tpmproto.RHEndorsement:
		return f.ehEnable
	}
	return false
}

// ClearDisabled reports the disableClear flag.
func (f *FakeTPM) ClearDisabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disableClear
}

// PCRAllocation returns the PCR selection bitmap requested for a bank.
func (f *FakeTPM) PCRAllocation(alg tpm2.TPMIAlgHash) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.pcrBanks[alg]
	return append([]byte{}, sel...), ok
}

func (idx *nvIndex) reported() tpmproto.NVPublic {
	pub := idx.public
	if idx.written {
		pub.Attributes |= tpmproto.NVWritten
	}
	return pub
}

// request is a parsed command.
type request struct {
	tag      tpmproto.SessionTag
	code     tpmproto.CommandCode
	handles  []tpmproto.ReservedHandle
	password []byte
	params   *tpmproto.ParamReader
}

// response is a successful reply before framing.
type response struct {
	handles []tpmproto.ReservedHandle
	params  []byte
}

type handler func(f *FakeTPM, req *request) (*response, tpmproto.ResponseCode)

type commandDef struct {
	tag     tpmproto.SessionTag
	handles int
	run     handler
}

var commands = map[tpmproto.CommandCode]commandDef{
	tpmproto.CCStartup:          {tpmproto.NoSessions, 0, (*FakeTPM).startup},
	tpmproto.CCSelfTest:         {tpmproto.NoSessions, 0, (*FakeTPM).selfTest},
	tpmproto.CCGetCapability:    {tpmproto.NoSessions, 0, (*FakeTPM).getCapability},
	tpmproto.CCReadPublic:       {tpmproto.NoSessions, 1, (*FakeTPM).readPublic},
	tpmproto.CCNVReadPublic:     {tpmproto.NoSessions, 1, (*FakeTPM).nvReadPublic},
	tpmproto.CCFlushContext:     {tpmproto.NoSessions, 0, (*FakeTPM).flushContext},
	tpmproto.CCHierarchyControl: {tpmproto.Sessions, 1, (*FakeTPM).hierarchyControl},
	tpmproto.CCClearControl:     {tpmproto.Sessions, 1, (*FakeTPM).clearControl},
	tpmproto.CCClear:            {tpmproto.Sessions, 1, (*FakeTPM).clear},
	tpmproto.CCChangeEPS:        {tpmproto.Sessions, 1, (*FakeTPM).changeEPS},
	tpmproto.CCChangePPS:        {tpmproto.Sessions, 1, (*FakeTPM).changePPS},
	tpmproto.CCPCRAllocate:      {tpmproto.Sessions, 1, (*FakeTPM).pcrAllocate},
	tpmproto.CCCreatePrimary:    {tpmproto.Sessions, 1, (*FakeTPM).createPrimary},
	tpmproto.CCEvictControl:     {tpmproto.Sessions, 2, (*FakeTPM).evictControl},
	tpmproto.CCImport:           {tpmproto.Sessions, 1, (*FakeTPM).importObject},
	tpmproto.CCLoad:             {tpmproto.Sessions, 1, (*FakeTPM).load},
	tpmproto.CCNVDefineSpace:    {tpmproto.Sessions, 1, (*FakeTPM).nvDefineSpace},
	tpmproto.CCNVUndefineSpace:  {tpmproto.Sessions, 2, (*FakeTPM).nvUndefineSpace},
	tpmproto.CCNVWrite:          {tpmproto.Sessions, 2, (*FakeTPM).nvWrite},
	tpmproto.CCNVRead:           {tpmproto.Sessions, 2, (*FakeTPM).nvRead},
}

// ExecuteCommand runs one command and writes the reply into reply.
func (f *FakeTPM) ExecuteCommand(cmd []byte, reply []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rsp, err := f.execute(cmd)
	if err != nil {
		return err
	}
	if f.corrupt {
		f.corrupt = false
		binary.BigEndian.PutUint16(rsp[0:2], 0xFFFF)
	}
	if len(rsp) > len(reply) {
		return fmt.Errorf("%w: %d bytes", ErrFakeReplyTooLarge, len(rsp))
	}
	n := copy(reply, rsp)
	clear(reply[n:])
	return nil
}

func (f *FakeTPM) execute(cmd []byte) ([]byte, error) {
	if len(cmd) < tpmproto.HeaderSize {
		return failure(rcCommandSize), nil
	}
	tag := tpmproto.SessionTag(binary.BigEndian.Uint16(cmd[0:2]))
	size := binary.BigEndian.Uint32(cmd[2:6])
	code := tpmproto.CommandCode(binary.BigEndian.Uint32(cmd[6:10]))
	f.log = append(f.log, code)

	if flt := f.takeFault(code); flt != nil {
		if flt.err != nil {
			return nil, flt.err
		}
		return failure(flt.rc), nil
	}

	if int(size) != len(cmd) {
		return failure(rcCommandSize), nil
	}
	def, ok := commands[code]
	if !ok {
		return failure(tpmproto.RCCommandCode), nil
	}
	if !f.started && code != tpmproto.CCStartup {
		return failure(tpmproto.RCInitialize), nil
	}
	if tag != def.tag {
		return failure(rcBadTag), nil
	}

	req, rc := parseRequest(cmd, tag, code, def.handles)
	if rc != tpmproto.RCSuccess {
		return failure(rc), nil
	}
	out, rc := def.run(f, req)
	if rc != tpmproto.RCSuccess {
		return failure(rc), nil
	}
	return frame(tag, out), nil
}

func (f *FakeTPM) takeFault(code tpmproto.CommandCode) *fault {
	for i, flt := range f.faults {
		if flt.code != code {
			continue
		}
		if flt.skip > 0 {
			flt.skip--
			continue
		}
		f.faults = append(f.faults[:i], f.faults[i+1:]...)
		return flt
	}
	return nil
}

func parseRequest(
	cmd []byte,
	tag tpmproto.SessionTag,
	code tpmproto.CommandCode,
	handleCount int) (*request, tpmproto.ResponseCode) {

	r := tpmproto.NewParamReader(cmd[tpmproto.HeaderSize:])
	req := &request{tag: tag, code: code}
	for i := 0; i < handleCount; i++ {
		v, err := r.U32()
		if err != nil {
			return nil, rcCommandSize
		}
		req.handles = append(req.handles, tpmproto.ReservedHandle(v))
	}

	if tag == tpmproto.Sessions {
		authSize, err := r.U32()
		if err != nil {
			return nil, rcCommandSize
		}
		before := r.Remaining()
		session, err := r.U32()
		if err != nil {
			return nil, rcCommandSize
		}
		if tpmproto.ReservedHandle(session) != tpmproto.RSPW {
			return nil, tpmproto.RCHandle | tpmproto.RCS | tpmproto.RC1
		}
		if _, err := r.Sized(); err != nil {
			return nil, rcCommandSize
		}
		if _, err := r.U8(); err != nil {
			return nil, rcCommandSize
		}
		if req.password, err = r.Sized(); err != nil {
			return nil, rcCommandSize
		}
		if before-r.Remaining() != int(authSize) {
			return nil, tpmproto.RCSize | tpmproto.RCS | tpmproto.RC1
		}
	}

	req.params = r
	return req, tpmproto.RCSuccess
}

func failure(rc tpmproto.ResponseCode) []byte {
	b := make([]byte, 0, tpmproto.HeaderSize)
	b = binary.BigEndian.AppendUint16(b, uint16(tpmproto.NoSessions))
	b = binary.BigEndian.AppendUint32(b, tpmproto.HeaderSize)
	return binary.BigEndian.AppendUint32(b, uint32(rc))
}

func frame(tag tpmproto.SessionTag, out *response) []byte {
	if out == nil {
		out = &response{}
	}
	b := binary.BigEndian.AppendUint16(nil, uint16(tag))
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, uint32(tpmproto.RCSuccess))
	for _, h := range out.handles {
		b = binary.BigEndian.AppendUint32(b, uint32(h))
	}
	if tag == tpmproto.Sessions {
		b = binary.BigEndian.AppendUint32(b, uint32(len(out.params)))
		b = append(b, out.params...)
		// nonce, continueSession, hmac
		b = append(b, 0x00, 0x00, 0x01, 0x00, 0x00)
	} else {
		b = append(b, out.params...)
	}
	binary.BigEndian.PutUint32(b[2:6], uint32(len(b)))
	return b
}

func appendSized(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(data)))
	return append(b, data...)
}

// authorizeHierarchy checks a hierarchy used as an authorization handle.
// Hierarchy passwords are always empty.
func (f *FakeTPM) authorizeHierarchy(h tpmproto.ReservedHandle, password []byte) tpmproto.ResponseCode {
	enabled := false
	switch h {
	case tpmproto.RHPlatform:
		enabled = f.phEnable
	case tpmproto.RHOwner:
		enabled = f.shEnable
	case tpmproto.RHEndorsement:
		enabled = f.ehEnable
	case tpmproto.RHLockout:
		enabled = true
	default:
		return tpmproto.RCValue | tpmproto.RC1
	}
	if !enabled {
		return tpmproto.RCHierarchy | tpmproto.RC1
	}
	if len(password) != 0 {
		return tpmproto.RCBadAuth | tpmproto.RCS | tpmproto.RC1
	}
	return tpmproto.RCSuccess
}

func paramsDone(r *tpmproto.ParamReader) tpmproto.ResponseCode {
	if r.Remaining() != 0 {
		return rcCommandSize
	}
	return tpmproto.RCSuccess
}

func (f *FakeTPM) startup(req *request) (*response, tpmproto.ResponseCode) {
	su, err := req.params.U16()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if f.started {
		return nil, tpmproto.RCInitialize
	}
	if tpmproto.StartupType(su) != tpmproto.StartupClear && tpmproto.StartupType(su) != tpmproto.StartupState {
		return nil, tpmproto.RCValue | tpmproto.RCP | tpmproto.RC1
	}
	f.started = true
	f.shEnable = true
	f.ehEnable = true
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) selfTest(req *request) (*response, tpmproto.ResponseCode) {
	if _, err := req.params.Bool(); err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	return nil, paramsDone(req.params)
}

func (f *FakeTPM) hierarchyControl(req *request) (*response, tpmproto.ResponseCode) {
	auth := req.handles[0]
	if rc := f.authorizeHierarchy(auth, req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	enable, err1 := req.params.U32()
	state, err2 := req.params.Bool()
	if err1 != nil || err2 != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}

	hierarchy := tpmproto.ReservedHandle(enable)
	var flag *bool
	switch hierarchy {
	case tpmproto.RHPlatform:
		flag = &f.phEnable
	case tpmproto.RHPlatformNV:
		flag = &f.phEnableNV
	case tpmproto.RHOwner:
		flag = &f.shEnable
	case tpmproto.RHEndorsement:
		flag = &f.ehEnable
	default:
		return nil, tpmproto.RCValue | tpmproto.RCP | tpmproto.RC1
	}
	// Only the platform can enable a hierarchy or change another one.
	if auth != tpmproto.RHPlatform && (state || auth != hierarchy) {
		return nil, tpmproto.RCAuthFail | tpmproto.RC1
	}
	*flag = state
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) clearControl(req *request) (*response, tpmproto.ResponseCode) {
	auth := req.handles[0]
	if auth != tpmproto.RHPlatform && auth != tpmproto.RHLockout {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}
	if rc := f.authorizeHierarchy(auth, req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	disable, err := req.params.Bool()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if !disable && auth == tpmproto.RHLockout {
		return nil, tpmproto.RCAuthFail | tpmproto.RC1
	}
	f.disableClear = disable
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) clear(req *request) (*response, tpmproto.ResponseCode) {
	auth := req.handles[0]
	if auth != tpmproto.RHPlatform && auth != tpmproto.RHLockout {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}
	if rc := f.authorizeHierarchy(auth, req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if f.disableClear {
		return nil, tpmproto.RCDisabled
	}

	for h, idx := range f.nv {
		if !idx.public.Attributes.Has(tpmproto.NVPlatformCreate) {
			delete(f.nv, h)
		}
	}
	f.dropObjects(func(o *object) bool { return o.hierarchy != tpmproto.RHPlatform })
	f.sps = sha256.Sum256(append(f.sps[:], "clear"...))
	f.shEnable = true
	f.ehEnable = true
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) changeEPS(req *request) (*response, tpmproto.ResponseCode) {
	return f.changeSeed(req, &f.eps, tpmproto.RHEndorsement)
}

func (f *FakeTPM) changePPS(req *request) (*response, tpmproto.ResponseCode) {
	return f.changeSeed(req, &f.pps, tpmproto.RHPlatform)
}

func (f *FakeTPM) changeSeed(
	req *request,
	seed *[32]byte,
	hierarchy tpmproto.ReservedHandle) (*response, tpmproto.ResponseCode) {

	if req.handles[0] != tpmproto.RHPlatform {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}
	if rc := f.authorizeHierarchy(req.handles[0], req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	*seed = sha256.Sum256(append(seed[:], "change"...))
	f.dropObjects(func(o *object) bool { return o.hierarchy == hierarchy })
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) dropObjects(match func(*object) bool) {
	for h, o := range f.persistent {
		if match(o) {
			delete(f.persistent, h)
		}
	}
	for h, o := range f.transient {
		if match(o) {
			delete(f.transient, h)
		}
	}
}

func (f *FakeTPM) pcrAllocate(req *request) (*response, tpmproto.ResponseCode) {
	if req.handles[0] != tpmproto.RHPlatform {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}
	if rc := f.authorizeHierarchy(req.handles[0], req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}

	count, err := req.params.U32()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	banks := make(map[tpm2.TPMIAlgHash][]byte)
	for i := uint32(0); i < count; i++ {
		alg, err := req.params.U16()
		if err != nil {
			return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
		}
		n, err := req.params.U8()
		if err != nil {
			return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
		}
		sel := make([]byte, n)
		for j := range sel {
			if sel[j], err = req.params.U8(); err != nil {
				return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
			}
		}
		switch tpm2.TPMIAlgHash(alg) {
		case tpm2.TPMAlgSHA1, tpm2.TPMAlgSHA256, tpm2.TPMAlgSHA384, tpm2.TPMAlgSHA512, tpm2.TPMAlgSM3256:
		default:
			return nil, tpmproto.RCHash | tpmproto.RCP | tpmproto.RC1
		}
		banks[tpm2.TPMIAlgHash(alg)] = sel
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	f.pcrBanks = banks

	// allocationSuccess, maxPCR, sizeNeeded, sizeAvailable
	params := []byte{0x01}
	params = binary.BigEndian.AppendUint32(params, 24)
	params = binary.BigEndian.AppendUint32(params, 0)
	params = binary.BigEndian.AppendUint32(params, 0)
	return &response{params: params}, tpmproto.RCSuccess
}

func (f *FakeTPM) primarySeed(h tpmproto.ReservedHandle) []byte {
	switch h {
	case tpmproto.RHEndorsement:
		return f.eps[:]
	case tpmproto.RHPlatform:
		return f.pps[:]
	case tpmproto.RHOwner:
		return f.sps[:]
	}
	return nil
}

// deriveModulus expands seed and template into a modulus of n bytes with
// the top bit set.
func deriveModulus(seed, template []byte, n int) []byte {
	out := make([]byte, 0, n+sha256.Size)
	for counter := uint32(1); len(out) < n; counter++ {
		h := sha256.New()
		h.Write(binary.BigEndian.AppendUint32(nil, counter))
		h.Write(seed)
		h.Write(template)
		out = h.Sum(out)
	}
	out = out[:n]
	out[0] |= 0x80
	out[n-1] |= 0x01
	return out
}

func objectName(public *tpm2.TPMTPublic) []byte {
	digest := sha256.Sum256(tpm2.Marshal(*public))
	name := binary.BigEndian.AppendUint16(nil, uint16(tpm2.TPMAlgSHA256))
	return append(name, digest[:]...)
}

func (f *FakeTPM) loadTransient(o *object) (tpmproto.ReservedHandle, tpmproto.ResponseCode) {
	if len(f.transient) >= TransientSlots {
		return 0, rcObjectMemory
	}
	h := tpmproto.ReservedHandle(f.nextTransient)
	f.nextTransient++
	f.transient[h] = o
	return h, tpmproto.RCSuccess
}

func (f *FakeTPM) lookupObject(h tpmproto.ReservedHandle) (*object, bool) {
	if o, ok := f.transient[h]; ok {
		return o, true
	}
	o, ok := f.persistent[h]
	return o, ok
}

func decodeObjectPublic(raw []byte) (*tpm2.TPMTPublic, bool) {
	if len(raw) <= 2 {
		return nil, false
	}
	sized, err := tpm2.Unmarshal[tpm2.TPM2BPublic](raw)
	if err != nil {
		return nil, false
	}
	pub, err := sized.Contents()
	if err != nil {
		return nil, false
	}
	return pub, true
}

func (f *FakeTPM) createPrimary(req *request) (*response, tpmproto.ResponseCode) {
	hierarchy := req.handles[0]
	if rc := f.authorizeHierarchy(hierarchy, req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	seed := f.primarySeed(hierarchy)
	if seed == nil {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}

	if _, err := req.params.Sized(); err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	rawPublic, err := req.params.SizedRaw()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC2
	}
	if _, err := req.params.Sized(); err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC3
	}
	if n, err := req.params.U32(); err != nil || n != 0 {
		return nil, tpmproto.RCValue | tpmproto.RCP | tpmproto.RC4
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}

	public, ok := decodeObjectPublic(rawPublic)
	if !ok {
		return nil, tpmproto.RCSize | tpmproto.RCP | tpmproto.RC2
	}
	if public.Type != tpm2.TPMAlgRSA {
		return nil, tpmproto.RCType | tpmproto.RCP | tpmproto.RC2
	}
	detail, err := public.Parameters.RSADetail()
	if err != nil || detail.KeyBits == 0 || detail.KeyBits%8 != 0 {
		return nil, tpmproto.RCKeySize | tpmproto.RCP | tpmproto.RC2
	}
	attrs := public.ObjectAttributes
	if attrs.Restricted && attrs.SignEncrypt == attrs.Decrypt {
		return nil, tpmproto.RCAttributes | tpmproto.RCP | tpmproto.RC2
	}

	template := tpm2.Marshal(*public)
	public.Unique = tpm2.NewTPMUPublicID(tpm2.TPMAlgRSA, &tpm2.TPM2BPublicKeyRSA{
		Buffer: deriveModulus(seed, template, int(detail.KeyBits)/8),
	})
	o := &object{public: *public, hierarchy: hierarchy, name: objectName(public)}
	handle, rc := f.loadTransient(o)
	if rc != tpmproto.RCSuccess {
		return nil, rc
	}

	creationHash := sha256.Sum256(template)
	params := tpm2.Marshal(tpm2.New2B(*public))
	params = appendSized(params, nil)             // creationData
	params = appendSized(params, creationHash[:]) // creationHash
	params = binary.BigEndian.AppendUint16(params, uint16(tpm2.TPMSTCreation))
	params = binary.BigEndian.AppendUint32(params, uint32(hierarchy))
	params = appendSized(params, creationHash[:]) // ticket digest
	params = appendSized(params, o.name)
	return &response{handles: []tpmproto.ReservedHandle{handle}, params: params}, tpmproto.RCSuccess
}

func (f *FakeTPM) readPublic(req *request) (*response, tpmproto.ResponseCode) {
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	o, ok := f.lookupObject(req.handles[0])
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC1
	}
	params := tpm2.Marshal(tpm2.New2B(o.public))
	params = appendSized(params, o.name)
	params = appendSized(params, o.name)
	return &response{params: params}, tpmproto.RCSuccess
}

func (f *FakeTPM) flushContext(req *request) (*response, tpmproto.ResponseCode) {
	v, err := req.params.U32()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	h := tpmproto.ReservedHandle(v)
	if _, ok := f.transient[h]; !ok {
		return nil, tpmproto.RCHandle | tpmproto.RCP | tpmproto.RC1
	}
	delete(f.transient, h)
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) evictControl(req *request) (*response, tpmproto.ResponseCode) {
	auth, objectHandle := req.handles[0], req.handles[1]
	if auth != tpmproto.RHOwner && auth != tpmproto.RHPlatform {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}
	if rc := f.authorizeHierarchy(auth, req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	v, err := req.params.U32()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	persistentHandle := tpmproto.ReservedHandle(v)
	if persistentHandle.Type() != tpmproto.HandleTypePersistent {
		return nil, tpmproto.RCValue | tpmproto.RCP | tpmproto.RC1
	}

	if objectHandle.Type() == tpmproto.HandleTypePersistent {
		if _, ok := f.persistent[objectHandle]; !ok {
			return nil, tpmproto.RCHandle | tpmproto.RC2
		}
		if objectHandle != persistentHandle {
			return nil, tpmproto.RCHandle | tpmproto.RC2
		}
		delete(f.persistent, objectHandle)
		return nil, tpmproto.RCSuccess
	}

	o, ok := f.transient[objectHandle]
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC2
	}
	if _, exists := f.persistent[persistentHandle]; exists {
		return nil, tpmproto.RCNVDefined
	}
	copied := *o
	f.persistent[persistentHandle] = &copied
	return nil, tpmproto.RCSuccess
}

// privateBlob is the stand-in for the parent-wrapped private area Import
// returns and Load accepts.
func privateBlob(parentName, objectPublic, duplicate, seed []byte) []byte {
	h := sha256.New()
	h.Write(parentName)
	h.Write(objectPublic)
	h.Write(duplicate)
	h.Write(seed)
	return h.Sum(nil)
}

func (f *FakeTPM) importObject(req *request) (*response, tpmproto.ResponseCode) {
	parent, ok := f.lookupObject(req.handles[0])
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC1
	}
	if len(req.password) != 0 {
		return nil, tpmproto.RCBadAuth | tpmproto.RCS | tpmproto.RC1
	}

	if _, err := req.params.Sized(); err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	rawPublic, err := req.params.SizedRaw()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC2
	}
	duplicate, err := req.params.Sized()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC3
	}
	seed, err := req.params.Sized()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC4
	}
	alg, err := req.params.U16()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC5
	}
	if tpm2.TPMAlgID(alg) != tpm2.TPMAlgNull {
		return nil, rcSymmetric | tpmproto.RCP | tpmproto.RC5
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if _, ok := decodeObjectPublic(rawPublic); !ok {
		return nil, tpmproto.RCSize | tpmproto.RCP | tpmproto.RC2
	}
	if len(duplicate) == 0 {
		return nil, tpmproto.RCSize | tpmproto.RCP | tpmproto.RC3
	}

	private := privateBlob(parent.name, rawPublic, duplicate, seed)
	f.imported[string(private)] = true
	return &response{params: appendSized(nil, private)}, tpmproto.RCSuccess
}

func (f *FakeTPM) load(req *request) (*response, tpmproto.ResponseCode) {
	parent, ok := f.lookupObject(req.handles[0])
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC1
	}
	if len(req.password) != 0 {
		return nil, tpmproto.RCBadAuth | tpmproto.RCS | tpmproto.RC1
	}
	private, err := req.params.Sized()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	rawPublic, err := req.params.SizedRaw()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC2
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if !f.imported[string(private)] {
		return nil, rcIntegrity | tpmproto.RCP | tpmproto.RC1
	}
	public, ok := decodeObjectPublic(rawPublic)
	if !ok {
		return nil, tpmproto.RCSize | tpmproto.RCP | tpmproto.RC2
	}

	o := &object{public: *public, hierarchy: parent.hierarchy, name: objectName(public)}
	handle, rc := f.loadTransient(o)
	if rc != tpmproto.RCSuccess {
		return nil, rc
	}
	return &response{
		handles: []tpmproto.ReservedHandle{handle},
		params:  appendSized(nil, o.name),
	}, tpmproto.RCSuccess
}

func (f *FakeTPM) nvUsed() int {
	n := 0
	for _, idx := range f.nv {
		n += int(idx.public.DataSize)
	}
	return n
}

func (f *FakeTPM) nvDefineSpace(req *request) (*response, tpmproto.ResponseCode) {
	auth := req.handles[0]
	if auth != tpmproto.RHOwner && auth != tpmproto.RHPlatform {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}
	if rc := f.authorizeHierarchy(auth, req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if auth == tpmproto.RHPlatform && !f.phEnableNV {
		return nil, tpmproto.RCHierarchy | tpmproto.RC1
	}

	indexAuth, err := req.params.Sized()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	rawPublic, err := req.params.SizedRaw()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC2
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	public, err := tpmproto.UnmarshalNVPublic(rawPublic)
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC2
	}

	if public.Index.Type() != tpmproto.HandleTypeNVIndex {
		return nil, tpmproto.RCValue | tpmproto.RCP | tpmproto.RC2
	}
	if public.Attributes.Has(tpmproto.NVPlatformCreate) != (auth == tpmproto.RHPlatform) {
		return nil, tpmproto.RCAttributes | tpmproto.RCP | tpmproto.RC2
	}
	if public.Attributes.Has(tpmproto.NVWritten) {
		return nil, tpmproto.RCAttributes | tpmproto.RCP | tpmproto.RC2
	}
	if public.DataSize > MaxNVIndexSize {
		return nil, tpmproto.RCSize | tpmproto.RCP | tpmproto.RC2
	}
	if _, exists := f.nv[public.Index]; exists {
		return nil, tpmproto.RCNVDefined
	}
	if f.nvUsed()+int(public.DataSize) > f.nvCapacity {
		return nil, tpmproto.RCNVSpace
	}

	f.nv[public.Index] = &nvIndex{
		public: *public,
		auth:   indexAuth,
		data:   make([]byte, public.DataSize),
	}
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) nvUndefineSpace(req *request) (*response, tpmproto.ResponseCode) {
	auth, index := req.handles[0], req.handles[1]
	if auth != tpmproto.RHOwner && auth != tpmproto.RHPlatform {
		return nil, tpmproto.RCValue | tpmproto.RC1
	}
	if rc := f.authorizeHierarchy(auth, req.password); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	idx, ok := f.nv[index]
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC2
	}
	if idx.public.Attributes.Has(tpmproto.NVPlatformCreate) != (auth == tpmproto.RHPlatform) {
		return nil, tpmproto.RCNVAuthorization
	}
	delete(f.nv, index)
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) nvReadPublic(req *request) (*response, tpmproto.ResponseCode) {
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	idx, ok := f.nv[req.handles[0]]
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC1
	}
	public := idx.reported()
	digest := sha256.Sum256(tpm2.Marshal(public.TPMS()))
	name := binary.BigEndian.AppendUint16(nil, uint16(public.NameAlg))
	name = append(name, digest[:]...)

	params := public.Marshal2B()
	params = appendSized(params, name)
	return &response{params: params}, tpmproto.RCSuccess
}

// authorizeNV checks the authorization of an NV_Read or NV_Write. ownerBit,
// authBit and ppBit select the attribute that permits each auth handle.
func (f *FakeTPM) authorizeNV(
	authHandle tpmproto.ReservedHandle,
	password []byte,
	idx *nvIndex,
	ownerBit, authBit, ppBit tpmproto.NVAttributes) tpmproto.ResponseCode {

	attrs := idx.public.Attributes
	switch {
	case authHandle == idx.public.Index:
		if !attrs.Has(authBit) {
			return tpmproto.RCNVAuthorization
		}
		if string(password) != string(idx.auth) {
			return tpmproto.RCBadAuth | tpmproto.RCS | tpmproto.RC1
		}
	case authHandle == tpmproto.RHOwner:
		if rc := f.authorizeHierarchy(authHandle, password); rc != tpmproto.RCSuccess {
			return rc
		}
		if !attrs.Has(ownerBit) {
			return tpmproto.RCNVAuthorization
		}
	case authHandle == tpmproto.RHPlatform:
		if rc := f.authorizeHierarchy(authHandle, password); rc != tpmproto.RCSuccess {
			return rc
		}
		if !attrs.Has(ppBit) {
			return tpmproto.RCNVAuthorization
		}
	default:
		return tpmproto.RCNVAuthorization
	}
	return tpmproto.RCSuccess
}

func (f *FakeTPM) nvWrite(req *request) (*response, tpmproto.ResponseCode) {
	authHandle, index := req.handles[0], req.handles[1]
	idx, ok := f.nv[index]
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC2
	}
	rc := f.authorizeNV(authHandle, req.password, idx,
		tpmproto.NVOwnerWrite, tpmproto.NVAuthWrite, tpmproto.NVPPWrite)
	if rc != tpmproto.RCSuccess {
		return nil, rc
	}

	data, err := req.params.Sized()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	offset, err := req.params.U16()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC2
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if len(data) > MaxNVBufferSize {
		return nil, tpmproto.RCSize | tpmproto.RCP | tpmproto.RC1
	}
	if int(offset)+len(data) > len(idx.data) {
		return nil, tpmproto.RCNVRange
	}
	copy(idx.data[offset:], data)
	idx.written = true
	return nil, tpmproto.RCSuccess
}

func (f *FakeTPM) nvRead(req *request) (*response, tpmproto.ResponseCode) {
	authHandle, index := req.handles[0], req.handles[1]
	idx, ok := f.nv[index]
	if !ok {
		return nil, tpmproto.RCHandle | tpmproto.RC2
	}
	rc := f.authorizeNV(authHandle, req.password, idx,
		tpmproto.NVOwnerRead, tpmproto.NVAuthRead, tpmproto.NVPPRead)
	if rc != tpmproto.RCSuccess {
		return nil, rc
	}

	size, err := req.params.U16()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	offset, err := req.params.U16()
	if err != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC2
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if !idx.written {
		return nil, tpmproto.RCNVUninitialized
	}
	if size > MaxNVBufferSize {
		return nil, tpmproto.RCValue | tpmproto.RCP | tpmproto.RC1
	}
	if int(offset)+int(size) > len(idx.data) {
		return nil, tpmproto.RCNVRange
	}
	return &response{params: appendSized(nil, idx.data[offset:int(offset)+int(size)])}, tpmproto.RCSuccess
}

func (f *FakeTPM) getCapability(req *request) (*response, tpmproto.ResponseCode) {
	capability, err1 := req.params.U32()
	property, err2 := req.params.U32()
	count, err3 := req.params.U32()
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, rcInsufficient | tpmproto.RCP | tpmproto.RC1
	}
	if rc := paramsDone(req.params); rc != tpmproto.RCSuccess {
		return nil, rc
	}
	if capability != tpmproto.CapHandles {
		return nil, tpmproto.RCValue | tpmproto.RCP | tpmproto.RC1
	}

	first := tpmproto.ReservedHandle(property)
	var handles []tpmproto.ReservedHandle
	add := func(h tpmproto.ReservedHandle) {
		if h.Type() == first.Type() && h >= first {
			handles = append(handles, h)
		}
	}
	for h := range f.nv {
		add(h)
	}
	for h := range f.persistent {
		add(h)
	}
	for h := range f.transient {
		add(h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	more := false
	if uint32(len(handles)) > count {
		handles = handles[:count]
		more = true
	}

	params := []byte{0x00}
	if more {
		params[0] = 0x01
	}
	params = binary.BigEndian.AppendUint32(params, tpmproto.CapHandles)
	params = binary.BigEndian.AppendUint32(params, uint32(len(handles)))
	for _, h := range handles {
		params = binary.BigEndian.AppendUint32(params, uint32(h))
	}
	return &response{params: params}, tpmproto.RCSuccess
}
