// Package errors provides structured error handling for the nexus service.
package errors

import (
	"strings"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Allocation errors
	CodeAllocationInsufficientSignal Code = "ALLOCATION_INSUFFICIENT_SIGNAL"
	CodeAllocationOverload           Code = "ALLOCATION_OVERLOAD"
	CodeAllocationMalformedKey       Code = "ALLOCATION_MALFORMED_KEY"
	CodeAllocationUnknownAttribute   Code = "ALLOCATION_UNKNOWN_ATTRIBUTE"
	CodeAllocationNegativeValue      Code = "ALLOCATION_NEGATIVE_VALUE"

	// Routing and command errors
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeInvalidTarget       Code = "INVALID_TARGET"
	CodeInvalidTrack        Code = "INVALID_TRACK"
	CodePulseInvalidKind    Code = "PULSE_INVALID_KIND"
	CodePulseInvalidPayload Code = "PULSE_INVALID_PAYLOAD"
	CodeUnauthorized        Code = "UNAUTHORIZED"

	// Storage errors
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeStorageFailure Code = "STORAGE_FAILURE"

	// Runtime errors
	CodeConfigurationFault Code = "CONFIGURATION_FAULT"
	CodeServiceClosed      Code = "SERVICE_CLOSED"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeAllocationInsufficientSignal,
		CodeAllocationOverload,
		CodeAllocationMalformedKey,
		CodeAllocationUnknownAttribute,
		CodeAllocationNegativeValue,
		CodeInvalidArgument,
		CodeInvalidTarget,
		CodeInvalidTrack,
		CodePulseInvalidKind,
		CodePulseInvalidPayload:
		return codes.InvalidArgument

	case CodeUnauthorized:
		return codes.PermissionDenied

	case CodeNotFound:
		return codes.NotFound

	case CodeAlreadyExists:
		return codes.AlreadyExists

	// FailedPrecondition - the deployment is missing reference data
	case CodeConfigurationFault:
		return codes.FailedPrecondition

	case CodeStorageFailure, CodeServiceClosed:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// StatusName returns the upper snake case name of the mapped gRPC code,
// e.g. INVALID_ARGUMENT. Realtime transports use it as their error code.
func (c Code) StatusName() string {
	grpcCode := c.GRPCCode()
	if grpcCode == codes.OK {
		return "OK"
	}
	name := grpcCode.String()
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// IsUserCorrectable reports whether the code describes input the caller can fix.
// These are not system faults and should not be logged as such.
func (c Code) IsUserCorrectable() bool {
	return c.GRPCCode() == codes.InvalidArgument
}
