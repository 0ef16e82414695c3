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

package tpm2

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/uuid"

	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
	"github.com/jeremyhahn/go-vtpm/pkg/tpmproto"
)

type Params struct {
	Config    *Config
	Core      ExecutionCore // Takes precedence over Transport
	Logger    *logging.Logger
	Transport transport.TPM // Optional: wrapped with FromTransport
}

// Engine drives a TPM execution core. It owns a single reply buffer, so an
// Engine must not be used by more than one goroutine at a time. Commands of
// one operation always run back to back.
type Engine struct {
	config *Config
	core   ExecutionCore
	id     uuid.UUID
	logger *logging.Logger
	reply  [ReplyBufferSize]byte
}

// New creates an engine bound to an execution core. The TPM is not started;
// call InitializeTPMEngine after a TPM reset.
func New(params *Params) (*Engine, error) {
	if params == nil {
		params = &Params{}
	}

	config := params.Config
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	core := params.Core
	if core == nil && params.Transport != nil {
		core = FromTransport(params.Transport)
	}
	if core == nil {
		return nil, ErrNoExecutionCore
	}

	logger := params.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	id := uuid.New()
	logger = logger.With("engine", id.String())
	logger.SetRateLimiter(ratelimit.New(&ratelimit.Config{
		Enabled:         config.LogRateLimitPerMinute > 0,
		EventsPerMinute: config.LogRateLimitPerMinute,
	}))

	return &Engine{
		config: config,
		core:   core,
		id:     id,
		logger: logger,
	}, nil
}

// ID returns the identifier the engine attaches to its log records.
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// execute marshals cmd, runs it on the execution core and validates the
// reply. A structurally valid failure reply becomes a CommandFailed error
// carrying the response code.
func (e *Engine) execute(cmd *tpmproto.Command) (*tpmproto.Reply, error) {
	code := cmd.Code()

	buf, err := cmd.Marshal()
	if err != nil {
		kind := CommandCreationFailed
		if errors.Is(err, tpmproto.ErrBufferTooLarge) || errors.Is(err, tpmproto.ErrCommandTooLarge) {
			kind = CommandInvalidInputParameter
		}
		e.recordCommand(code, metrics.StatusCreationError, 0)
		return nil, &CommandError{Kind: kind, Command: code, Err: err}
	}

	e.logger.Debug("executing command", "command", code.String(), "size", len(buf))

	start := time.Now()
	err = e.core.ExecuteCommand(buf, e.reply[:])
	elapsed := time.Since(start).Seconds()
	if err != nil {
		e.recordCommand(code, metrics.StatusExecuteError, elapsed)
		return nil, &CommandError{Kind: CommandExecuteFailed, Command: code, Err: err}
	}

	reply, ok, err := tpmproto.ValidateReply(e.reply[:], cmd.Tag(), cmd.ResponseHandleCount())
	if err != nil {
		e.recordCommand(code, metrics.StatusInvalidResponse, elapsed)
		return nil, &CommandError{Kind: CommandInvalidResponse, Command: code, Err: err}
	}
	if !ok {
		rc := reply.ResponseCode()
		e.recordCommand(code, metrics.StatusFailed, elapsed)
		if e.config.MetricsEnabled {
			metrics.RecordResponseCode(code.String(), rc.String())
		}
		e.logger.Debug("command failed", "command", code.String(), "response_code", rc.String())
		return nil, &CommandError{Kind: CommandFailed, Command: code, ResponseCode: rc}
	}

	e.recordCommand(code, metrics.StatusSuccess, elapsed)
	return reply, nil
}

// parseError reports a reply whose parameter area does not decode.
func parseError(code tpmproto.CommandCode, err error) error {
	return &CommandError{Kind: CommandInvalidResponse, Command: code, Err: err}
}

func invalidInput(code tpmproto.CommandCode, format string, args ...any) error {
	return &CommandError{
		Kind:    CommandInvalidInputParameter,
		Command: code,
		Err:     fmt.Errorf(format, args...),
	}
}

func (e *Engine) recordCommand(code tpmproto.CommandCode, status string, elapsed float64) {
	if e.config.MetricsEnabled {
		metrics.RecordCommand(code.String(), status, elapsed)
	}
}

func (e *Engine) recordOperation(op string, err error) {
	if !e.config.MetricsEnabled {
		return
	}
	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
	}
	metrics.RecordHelperOperation(op, status)
}

// absorb logs a tolerated command failure, rate limited per site.
func (e *Engine) absorb(op string, code tpmproto.CommandCode, err error, args ...any) {
	reason := "error"
	if rc, ok := ResponseCodeOf(err); ok {
		reason = rc.String()
	}
	if e.config.MetricsEnabled {
		metrics.RecordAbsorbedFailure(op, reason)
	}
	args = append([]any{"operation", op, "command", code.String(), "error", err}, args...)
	if !e.logger.ErrorRateLimited(op, "tolerated tpm failure", args...) && e.config.MetricsEnabled {
		metrics.RecordDroppedLog(op)
	}
}
