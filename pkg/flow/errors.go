package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/stateflow/pkg/graph"
)

// ErrorKind classifies why a flow operation was refused.
type ErrorKind string

const (
	KindTransitionNotFound    ErrorKind = "transition_not_found"
	KindWrongSourceState      ErrorKind = "wrong_source_state"
	KindGuardRejected         ErrorKind = "guard_rejected"
	KindVersionNotEnabled     ErrorKind = "version_not_enabled"
	KindConflict              ErrorKind = "conflict"
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"
	KindInstanceNotFound      ErrorKind = "instance_not_found"
	KindInstanceFinished      ErrorKind = "instance_finished"
	KindInstanceExists        ErrorKind = "instance_exists"
	KindInvalidRequest        ErrorKind = "invalid_request"
)

// Error is returned by every engine operation that leaves the instance unchanged.
// It names the transition and, for rejections, the guard that failed.
type Error struct {
	Kind         ErrorKind
	InstanceID   string
	TransitionID string
	Guard        string
	Reason       string
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))

	if e.TransitionID != "" {
		fmt.Fprintf(&b, " (transition %s)", e.TransitionID)
	}

	if e.Guard != "" {
		fmt.Fprintf(&b, " [%s]", e.Guard)
	}

	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}

	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a flow error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of a flow error, or "" for any other error.
func KindOf(err error) ErrorKind {
	var flowErr *Error
	if errors.As(err, &flowErr) {
		return flowErr.Kind
	}

	return ""
}

func dependencyError(err error, guard string) *Error {
	return &Error{Kind: KindDependencyUnavailable, Guard: guard, Err: err}
}

// PublishError rejects a model version activation.
type PublishError struct {
	VersionID string
	Findings  []graph.Finding
	Err       error
}

func (e *PublishError) Error() string {
	if len(e.Findings) == 0 {
		return fmt.Sprintf("model version %s cannot be published: %v", e.VersionID, e.Err)
	}

	cycles := make([]string, 0, len(e.Findings))
	for _, finding := range e.Findings {
		cycles = append(cycles, finding.String())
	}

	return fmt.Sprintf("model version %s cannot be published: cycles %s", e.VersionID, strings.Join(cycles, "; "))
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
