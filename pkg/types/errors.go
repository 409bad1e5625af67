package types

import (
	"errors"
	"fmt"
)

// Provider error codes (EIP-1193) plus the server error range used for
// policy rejections.
const (
	CodeUserRejected     = 4001
	CodeUnauthorized     = 4100
	CodeUnsupportedChain = 4902
	CodePolicyViolation  = -32008
)

// RPCError is a coded error carried in response content. It crosses the
// channel verbatim: the client surfaces the remote code and message without
// reclassifying them.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewUserRejectedError reports that the user declined the request on the
// trusted surface.
func NewUserRejectedError(reason string) *RPCError {
	if reason == "" {
		reason = "user rejected the request"
	}
	return &RPCError{Code: CodeUserRejected, Message: reason}
}

// NewUnsupportedChainError reports a switch to a chain the surface does not
// recognize.
func NewUnsupportedChainError(chainID uint64) *RPCError {
	return &RPCError{
		Code:    CodeUnsupportedChain,
		Message: fmt.Sprintf("unrecognized chain id %d", chainID),
	}
}

// NewPolicyViolationError reports a transaction the active session policy
// does not permit.
func NewPolicyViolationError(reason string) *RPCError {
	return &RPCError{Code: CodePolicyViolation, Message: reason}
}

// IsUserRejected reports whether err (anywhere in its chain) is a user
// rejection from the trusted surface.
func IsUserRejected(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeUserRejected
}
