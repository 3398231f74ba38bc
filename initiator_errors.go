package initiator

import (
	werrors "github.com/pkg/errors"
)

// Errors are centralised here for the same reason metrics are: to keep them consistent.
//
// Errors originating within the initiator package use sentinel errors (which can be processed programmatically)
// as cause, wrapped with message and context so they can be logged upstream. Errors originating beneath the package
// (bbolt, gRPC, coordination service) are wrapped with an initiator-recognisable message.
//
// To test an error returned by the package against a sentinel, call errors.Cause() on it and compare it to the
// sentinel values. IsFatal() classifies the promotion outcomes which must take the node down.

// Keyword for error field in logger...
const initiatorErrKeyword = "err"
const initiatorSentinel = "errCode: "

// Error implements the error interface and represents sentinel errors for the initiator package.
type Error string

func (e Error) Error() string { return string(e) }

// InitiatorErrorBadOption is returned (extracted using errors.Cause(err)) if options provided to MakeInitiator
// fail to apply.
const InitiatorErrorBadOption = Error(initiatorSentinel + "bad MakeInitiator option")

// InitiatorErrorMissingConfig is returned (extracted using errors.Cause(err)) if InitiatorConfig is missing
// mandatory collaborators or identity.
const InitiatorErrorMissingConfig = Error(initiatorSentinel + "initiator config insufficient")

// InitiatorErrorMissingLogger is returned if logging could not be set up.
const InitiatorErrorMissingLogger = Error(initiatorSentinel + "no logger setup")

// InitiatorErrorNotConfigured is returned if a promotion is attempted before Configure completed.
const InitiatorErrorNotConfigured = Error(initiatorSentinel + "initiator not configured")

// InitiatorErrorAlreadyConfigured is returned if Configure is invoked more than once.
const InitiatorErrorAlreadyConfigured = Error(initiatorSentinel + "initiator already configured")

// InitiatorErrorPromotionInProgress is returned by AcceptPromotion when a promotion is already in flight (or
// leadership already established) for this initiator. Duplicate election notifications resolve to this no-op.
const InitiatorErrorPromotionInProgress = Error(initiatorSentinel + "promotion already in progress")

// InitiatorErrorUnresolvableRepair is the fatal outcome of a multi-partition repair which found more than one
// transaction requiring restart. The node must stop serving.
const InitiatorErrorUnresolvableRepair = Error(initiatorSentinel + "unresolvable repair condition")

// InitiatorErrorPromotionFailed is the fatal outcome of an unexpected failure during promotion.
const InitiatorErrorPromotionFailed = Error(initiatorSentinel + "terminally failed leader promotion")

// InitiatorErrorCoordinationUnavailable is returned if the coordination service can not be reached or has been
// shut down. Leadership can not be determined safely, so callers treat this as fatal to the host.
const InitiatorErrorCoordinationUnavailable = Error(initiatorSentinel + "coordination service unavailable")

// InitiatorErrorRepairLog is returned if a bbolt operation on the repair log fails.
const InitiatorErrorRepairLog = Error(initiatorSentinel + "repair log persistence failed")

// InitiatorErrorUnknownEndpoint is returned by the message bus when the destination HSID has no registered
// endpoint or host address.
const InitiatorErrorUnknownEndpoint = Error(initiatorSentinel + "unknown message endpoint")

// InitiatorErrorDuplicateEndpoint is returned by the message bus if an HSID is registered twice.
const InitiatorErrorDuplicateEndpoint = Error(initiatorSentinel + "duplicate message endpoint")

// InitiatorErrorServerNotSetup is returned if the gRPC bus local listener is not set up when expected.
const InitiatorErrorServerNotSetup = Error(initiatorSentinel + "local server side not set up yet")

// InitiatorErrorClientConnectionUnrecoverable is returned if a gRPC client connection to a remote host failed in an
// unrecoverable way.
const InitiatorErrorClientConnectionUnrecoverable = Error(
	initiatorSentinel + "gRPC client connection failed in an unrecoverable way. Check GRPCBusConfig is correct.")


// initiatorErrorf is a simple wrapper which ensures that all initiator errors are prefixed consistently, and that we
// always either wrap a root cause error bubbling up from packages beneath, or a sentinel error from above.
func initiatorErrorf(rootCause error, format string, args ...interface{}) error {
	return werrors.WithMessagef(rootCause, "initiator: "+format, args...)
}

// IsFatal returns true if err describes a promotion outcome the process must not survive: an unresolvable repair
// conflict, an unexpected promotion failure or loss of the coordination service.
func IsFatal(err error) bool {
	switch werrors.Cause(err) {
	case InitiatorErrorUnresolvableRepair, InitiatorErrorPromotionFailed, InitiatorErrorCoordinationUnavailable:
		return true
	}
	return false
}
