package apdu

import "fmt"

// ErrorClass values reported by a device in an error PDU or a
// read-access-result failure.
type ErrorClass uint32

const (
	ErrorClassDevice    ErrorClass = 0
	ErrorClassObject    ErrorClass = 1
	ErrorClassProperty  ErrorClass = 2
	ErrorClassResources ErrorClass = 3
	ErrorClassSecurity  ErrorClass = 4
	ErrorClassServices  ErrorClass = 5
)

type ErrorCode uint32

const (
	ErrorCodeOther             ErrorCode = 0
	ErrorCodeUnknownObject     ErrorCode = 31
	ErrorCodeUnknownProperty   ErrorCode = 32
	ErrorCodeWriteAccessDenied ErrorCode = 40
	ErrorCodeInvalidDataType   ErrorCode = 9
)

// ProtocolError is a device-reported error for one property or request.
type ProtocolError struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("apdu: protocol error class=%d code=%d", e.Class, e.Code)
}

// RejectError reports a reject PDU for a confirmed request.
type RejectError struct {
	Reason uint8
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("apdu: request rejected reason=%d", e.Reason)
}

// AbortError reports an abort PDU for a confirmed request.
type AbortError struct {
	Reason uint8
	Server bool
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("apdu: request aborted reason=%d server=%t", e.Reason, e.Server)
}
