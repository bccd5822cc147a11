package modrt

import (
	"errors"
	"fmt"
)

// Framework errors
var (
	// Lifecycle errors
	ErrFrameworkNotInitialized = errors.New("framework is not initialized")
	ErrFrameworkStopped        = errors.New("framework is stopped")
	ErrBundleUninstalled       = errors.New("bundle is uninstalled")
	ErrSystemBundle            = errors.New("operation not allowed on the system bundle")
	ErrFragmentBundle          = errors.New("operation not allowed on a fragment bundle")
	ErrStateChangeTimeout      = errors.New("unable to transition within reasonable time")
	ErrActivatorNotRegistered  = errors.New("activator is not registered")
	ErrActivatorPanic          = errors.New("activator panicked")
	ErrInvalidStartLevel       = errors.New("start level must be positive")
	ErrReentrantResolve        = errors.New("resolution requested from within a resolver hook")
	ErrBundleNotFound          = errors.New("bundle not found")
	ErrDuplicateBundle         = errors.New("bundle with the same symbolic name and version is installed")
	ErrInvalidContext          = errors.New("bundle context is no longer valid")

	// Service registry errors
	ErrNoObjectClass          = errors.New("service must be registered under at least one class name")
	ErrNilService             = errors.New("service object is nil")
	ErrNotAssignable          = errors.New("service object is not assignable to class")
	ErrServiceUnregistered    = errors.New("service is unregistered")
	ErrDuplicatePropertyKey   = errors.New("service properties contain keys that differ only in case")
	ErrFactoryReturnedNil     = errors.New("service factory returned nil")
	ErrFactoryPanic           = errors.New("service factory panicked")
	ErrInvalidListener        = errors.New("listener is nil or not comparable")
	ErrUnknownSingletonPolicy = errors.New("unknown singleton policy")
)

// BundleErrorKind classifies a BundleError.
type BundleErrorKind int

const (
	KindUnspecified BundleErrorKind = iota
	KindStartFailed
	KindStopFailed
	KindActivatorError
	KindStateChangeTimeout
	KindResolveFailed
	KindUninstalled
	KindInvalidOperation
	KindExecutionEnvironment
	KindNativeCode
	KindDuplicate
	KindReadError
)

var bundleErrorKindNames = map[BundleErrorKind]string{
	KindUnspecified:          "unspecified",
	KindStartFailed:          "start failed",
	KindStopFailed:           "stop failed",
	KindActivatorError:       "activator error",
	KindStateChangeTimeout:   "state change timeout",
	KindResolveFailed:        "resolve failed",
	KindUninstalled:          "uninstalled",
	KindInvalidOperation:     "invalid operation",
	KindExecutionEnvironment: "execution environment",
	KindNativeCode:           "native code",
	KindDuplicate:            "duplicate",
	KindReadError:            "read error",
}

func (k BundleErrorKind) String() string {
	if s, ok := bundleErrorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// BundleError is returned by lifecycle operations.
type BundleError struct {
	Kind   BundleErrorKind
	Bundle *Bundle
	Op     string
	Err    error
}

func newBundleError(kind BundleErrorKind, b *Bundle, op string, err error) *BundleError {
	return &BundleError{Kind: kind, Bundle: b, Op: op, Err: err}
}

func (e *BundleError) Error() string {
	name := "<nil>"
	if e.Bundle != nil {
		name = e.Bundle.String()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, name, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, name, e.Kind, e.Err)
}

func (e *BundleError) Unwrap() error { return e.Err }

// IsBundleError reports whether err is a BundleError of the given kind.
func IsBundleError(err error, kind BundleErrorKind) bool {
	var be *BundleError
	return errors.As(err, &be) && be.Kind == kind
}

// ServiceErrorKind classifies a ServiceError.
type ServiceErrorKind int

const (
	ServiceFactoryError ServiceErrorKind = iota + 1
	ServiceFactoryReturnedNil
	ServiceFactoryPanic
	ServiceInvalidObjectClass
)

func (k ServiceErrorKind) String() string {
	switch k {
	case ServiceFactoryError:
		return "factory error"
	case ServiceFactoryReturnedNil:
		return "factory returned nil"
	case ServiceFactoryPanic:
		return "factory panic"
	case ServiceInvalidObjectClass:
		return "invalid object class"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ServiceError reports a failure obtaining or registering a service.
type ServiceError struct {
	Kind      ServiceErrorKind
	ServiceID int64
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %d: %s: %v", e.ServiceID, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
