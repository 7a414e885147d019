package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNoResponses      = errors.New("no node produced a usable response")
	ErrFingerprintDrift = errors.New("node fingerprints disagree")
	ErrHalted           = errors.New("adapter halted")
)

// Class is how the control flow reacts to a failure.
type Class int

const (
	// ClassNone means no error.
	ClassNone Class = iota
	// ClassRetryable failures are transient; retry the same block.
	ClassRetryable
	// ClassAbort failures abort the current block attempt and must be reported.
	ClassAbort
	// ClassHalt failures stop the adapter until an operator intervenes.
	ClassHalt
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassAbort:
		return "abort"
	case ClassHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// ConnectivityError reports that no node answered usefully in time.
type ConnectivityError struct {
	Chain   string
	BlockID int64
	Node    string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connectivity failure at block %d (last node %s): %v", e.Chain, e.BlockID, e.Node, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ConsensusError reports disagreeing nodes. The block must not be processed.
type ConsensusError struct {
	Chain     string
	BlockID   int64
	Reference string
	Node      string
	Got       string
	Reason    string
}

func (e *ConsensusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: consensus failure at block %d: %s", e.Chain, e.BlockID, e.Reason)
	}
	return fmt.Sprintf("%s: consensus failure at block %d: node %s reported %q, reference %q",
		e.Chain, e.BlockID, e.Node, e.Got, e.Reference)
}

func (e *ConsensusError) Unwrap() error { return ErrFingerprintDrift }

// ModuleError reports a response shape or protocol invariant the adapter
// cannot handle.
type ModuleError struct {
	Chain   string
	BlockID int64
	Reason  string
	Err     error
}

func (e *ModuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: module error at block %d: %s: %v", e.Chain, e.BlockID, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: module error at block %d: %s", e.Chain, e.BlockID, e.Reason)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// ModuleErrorf builds a ModuleError from a formatted reason.
func ModuleErrorf(chain string, blockID int64, format string, args ...any) error {
	return &ModuleError{Chain: chain, BlockID: blockID, Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports a missing or invalid adapter setting.
type ConfigurationError struct {
	Chain   string
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	return fmt.Sprintf("%s: configuration %s %s", e.Chain, e.Setting, reason)
}

// Classify maps an error onto the control-flow class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var (
		connErr   *ConnectivityError
		consErr   *ConsensusError
		modErr    *ModuleError
		configErr *ConfigurationError
	)

	switch {
	case errors.As(err, &configErr), errors.As(err, &modErr), errors.Is(err, ErrHalted):
		return ClassHalt
	case errors.As(err, &consErr):
		return ClassAbort
	case errors.As(err, &connErr):
		return ClassRetryable
	default:
		// Unclassified transport errors surface from node clients.
		return ClassRetryable
	}
}
