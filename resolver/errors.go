package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/modrt/resource"
)

var (
	ErrUnresolved         = errors.New("unable to resolve")
	ErrMissingRequirement = errors.New("missing requirement")
	ErrSingletonCollision = errors.New("singleton collision")
	ErrUsesConflict       = errors.New("uses constraint violation")
	ErrNoHost             = errors.New("no host to attach to")
	ErrExcluded           = errors.New("excluded from resolution")
)

// CandidateReason explains why a matching capability was not usable.
type CandidateReason struct {
	Capability *resource.Capability
	Reason     string
}

// ResolutionError reports why a resource could not be resolved. Every
// ResolutionError matches ErrUnresolved and the sentinel of its cause.
type ResolutionError struct {
	Resource    *resource.Resource
	Requirement *resource.Requirement
	Reasons     []CandidateReason
	cause       error
	detail      string
}

// NewResolutionError reports that r could not be resolved because of cause.
// Requirement q and detail are optional.
func NewResolutionError(cause error, r *resource.Resource, q *resource.Requirement, detail string) *ResolutionError {
	return &ResolutionError{Resource: r, Requirement: q, cause: cause, detail: detail}
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", ErrUnresolved, e.Resource, e.cause)
	if e.Requirement != nil {
		fmt.Fprintf(&b, " %s", e.Requirement)
	}
	if e.detail != "" {
		fmt.Fprintf(&b, " (%s)", e.detail)
	}
	for _, r := range e.Reasons {
		fmt.Fprintf(&b, "; candidate %s: %s", r.Capability, r.Reason)
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() []error {
	return []error{ErrUnresolved, e.cause}
}
