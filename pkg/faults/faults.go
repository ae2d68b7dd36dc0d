// Package faults classifies orchestration errors into the kinds a session reacts to.
//
// Fatal kinds (ProtocolDesync, ConfigurationMissing) abort the current operation and end the
// session. Recoverable kinds are contained by the component that detects them and never change
// the interview stage.
package faults

import (
	"errors"
	"fmt"

	"interviewer/pkg/llm/llmerrors"
)

// Kind categorizes an orchestration failure.
type Kind int8

const (
	// KindUnknown is returned for errors this package did not classify.
	KindUnknown Kind = iota
	// KindProtocolDesync: an event arrived that nothing expected.
	KindProtocolDesync
	// KindConfigurationMissing: required session configuration is absent.
	KindConfigurationMissing
	// KindEvaluatorMalformed: scorer output failed schema validation.
	KindEvaluatorMalformed
	// KindTransientNetwork: a model or evaluator call failed in transit.
	KindTransientNetwork
	// KindPolicyViolation: model output broke a behavioral contract.
	KindPolicyViolation
)

func (k Kind) String() string {
	switch k {
	case KindProtocolDesync:
		return "protocol_desync"
	case KindConfigurationMissing:
		return "configuration_missing"
	case KindEvaluatorMalformed:
		return "evaluator_malformed"
	case KindTransientNetwork:
		return "transient_network"
	case KindPolicyViolation:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind end the session.
func (k Kind) Fatal() bool {
	return k == KindProtocolDesync || k == KindConfigurationMissing
}

// Error is a classified orchestration error.
type Error struct {
	Err     error
	Op      string
	Message string
	Kind    Kind
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Message, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind.
func Wrap(kind Kind, op string, cause error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// Desync creates a ProtocolDesync error.
func Desync(op, format string, args ...any) *Error {
	return Newf(KindProtocolDesync, op, format, args...)
}

// Missing creates a ConfigurationMissing error naming the absent field.
func Missing(op, field string) *Error {
	return Newf(KindConfigurationMissing, op, "required field %q is missing", field)
}

// Malformed creates an EvaluatorMalformed error.
func Malformed(op, format string, args ...any) *Error {
	return Newf(KindEvaluatorMalformed, op, format, args...)
}

// Violation creates a PolicyViolation error.
func Violation(op, format string, args ...any) *Error {
	return Newf(KindPolicyViolation, op, format, args...)
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err should end the session.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}

// FromLLM classifies an error returned by a model call. Empty or unparseable output becomes
// EvaluatorMalformed; everything else the provider layer reports is TransientNetwork, since
// the stage is left unchanged either way and retries are the caller's decision.
func FromLLM(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
		return Wrap(KindEvaluatorMalformed, op, err, "model returned no usable output")
	}
	return Wrap(KindTransientNetwork, op, err, "model call failed")
}
