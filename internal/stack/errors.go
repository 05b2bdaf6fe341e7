package stack

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError reports a bad stack, method, or parameter definition. It
// aborts the whole run before any utterance is processed.
type ConfigError struct {
	Stack  string // offending stack id, when known
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Stack == "" {
		return fmt.Sprintf("config: %s", e.Detail)
	}
	return fmt.Sprintf("config: stack %q: %s", e.Stack, e.Detail)
}

// UnknownMethodError reports a lookup for a method name that is not
// registered for its stage kind.
type UnknownMethodError struct {
	Kind   StageKind
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("no %s method %q registered", e.Kind, e.Method)
}

// RegistrationError reports a second registration of the same
// (stage kind, method) pair. Collisions are defects, not overwrites.
type RegistrationError struct {
	Kind   StageKind
	Method string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s method %q already registered", e.Kind, e.Method)
}

// PipelineConfigError reports an illegal stage-skip combination, e.g.
// active scoring with zero feature extractors. Detected at validation
// time, before execution.
type PipelineConfigError struct {
	Stack  string
	Detail string
}

func (e *PipelineConfigError) Error() string {
	return fmt.Sprintf("pipeline config: stack %q: %s", e.Stack, e.Detail)
}

// FeatureAlignmentError reports extractors disagreeing on segment count
// within one stack, which makes column-wise concatenation impossible.
type FeatureAlignmentError struct {
	Method string // extractor that disagreed
	Got    int
	Want   int
}

func (e *FeatureAlignmentError) Error() string {
	return fmt.Sprintf("feature extractor %q produced %d rows, want %d", e.Method, e.Got, e.Want)
}

// MetricInputError reports malformed metric inputs such as mismatched
// prediction/reference lengths. Distinct from degenerate-but-well-formed
// inputs, which yield NaN instead.
type MetricInputError struct {
	Metric string
	Detail string
}

func (e *MetricInputError) Error() string {
	return fmt.Sprintf("metric %q: %s", e.Metric, e.Detail)
}

// AlignmentTimeoutError reports an external alignment tool exceeding its
// configured deadline for one utterance. Non-fatal: the utterance is
// excluded from its fold's aggregates and the run continues.
type AlignmentTimeoutError struct {
	Utterance string
	Method    string
	Timeout   time.Duration
}

func (e *AlignmentTimeoutError) Error() string {
	return fmt.Sprintf("alignment %q timed out after %v on utterance %q", e.Method, e.Timeout, e.Utterance)
}

// ExternalToolError reports an external tool failing for one utterance
// (non-zero exit, unparseable output). Non-fatal, like a timeout.
type ExternalToolError struct {
	Utterance string
	Method    string
	Err       error
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("external tool %q failed on utterance %q: %v", e.Method, e.Utterance, e.Err)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// IsUtteranceFailure reports whether err is one of the per-utterance,
// non-fatal failures that exclude a single utterance from fold aggregates
// rather than aborting the run.
func IsUtteranceFailure(err error) bool {
	var timeout *AlignmentTimeoutError
	var tool *ExternalToolError
	return errors.As(err, &timeout) || errors.As(err, &tool)
}
