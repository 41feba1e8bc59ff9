// Package snaperr defines the error kinds raised across the snapshot and
// rebalance core, and a first-error/suppressed aggregator used by every
// component that must report exactly one error per lifecycle (§7).
package snaperr

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// Kind classifies an error per the failure-handling design in §7.
type Kind int

const (
	// KindProtocol covers meta/name/offset/count mismatches and unexpected
	// policies on the wire. Fatal to the owning session.
	KindProtocol Kind = iota
	// KindIO covers local or remote filesystem/channel failures.
	KindIO
	// KindIntegrity covers a zero-filled or corrupt page observed on read.
	// Logged and skipped at the page level; never fails the containing task.
	KindIntegrity
	// KindCancelled covers an external cancel or stop.
	KindCancelled
	// KindState covers a partition not OWNING at mark-end, a missing group
	// context, or a partition destroyed concurrently.
	KindState
	// KindTopologyChanged covers a rebalance-topology mismatch.
	KindTopologyChanged
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindIntegrity:
		return "integrity"
	case KindCancelled:
		return "cancelled"
	case KindState:
		return "state"
	case KindTopologyChanged:
		return "topology-changed"
	default:
		return "unknown"
	}
}

// Error is a typed, wrapped error carrying one of the Kind values above.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of this error.
func (e *Error) Kind() Kind { return e.kind }

// New builds a typed error of the given kind, wrapping cause (which may be
// nil).
func New(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, err: cause}
}

func Protocol(msg string, cause error) error        { return New(KindProtocol, msg, cause) }
func IO(msg string, cause error) error               { return New(KindIO, msg, cause) }
func Integrity(msg string, cause error) error        { return New(KindIntegrity, msg, cause) }
func Cancelled(msg string, cause error) error        { return New(KindCancelled, msg, cause) }
func State(msg string, cause error) error            { return New(KindState, msg, cause) }
func TopologyChanged(msg string, cause error) error  { return New(KindTopologyChanged, msg, cause) }

// Is reports whether err carries the given Kind, unwrapping through
// fmt.Errorf("%w", ...) chains.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.kind == kind
	}
	return false
}

// FirstError is a CAS-protected, first-writer-wins error holder. Subsequent
// errors are recorded as suppressed detail (visible via Suppressed) but
// never replace the first error returned to
// callers, matching §7's "first error is preserved; subsequent errors are
// appended as suppressed".
type FirstError struct {
	mu   sync.Mutex
	set  atomic.Bool
	first error
	extra *multierror.Error
}

// Set records err. The first call wins; later calls accumulate err as
// suppressed detail and return false.
func (f *FirstError) Set(err error) (isFirst bool) {
	if err == nil {
		return false
	}
	if f.set.CompareAndSwap(false, true) {
		f.mu.Lock()
		f.first = err
		f.mu.Unlock()
		return true
	}
	f.mu.Lock()
	f.extra = multierror.Append(f.extra, err)
	f.mu.Unlock()
	return false
}

// First returns the first error recorded, or nil if none was.
func (f *FirstError) First() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.first
}

// Loaded reports whether any error has been recorded.
func (f *FirstError) Loaded() bool {
	return f.set.Load()
}

// Suppressed returns the errors recorded after the first one, for logging.
func (f *FirstError) Suppressed() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extra == nil {
		return nil
	}
	return f.extra.Errors
}
