package protocol

import "fmt"

// ErrorCode enumerates the wire error vocabulary. Values are stable across
// the protocol and are never renumbered once shipped.
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota

	// Protocol-level: connection-wide, soft-close follows.
	ErrUnknownMessage
	ErrBadSyntax
	ErrLimitsExceeded
	ErrBadDecompression
	ErrBadChangesetHeaderSyntax
	ErrBadChangesetSize
	ErrReuseOfSessionIdent
	ErrBadMessageOrder
	ErrBadSessionIdent

	// Session-level: only the offending session is terminated.
	ErrBadServerVersion
	ErrBadClientVersion
	ErrBadClientFileIdent
	ErrDivergingHistories
	ErrClientFileExpired
	ErrClientFileBlacklisted
	ErrBoundInOtherSession
	ErrIllegalRealmPath
	ErrServerFileDeleted
	ErrBadChangeset
	ErrBadOriginFileIdent

	// Backpressure: session closed, client should retry.
	ErrConnectionClosed
)

var errorCodeNames = map[ErrorCode]string{
	ErrUnknown:                  "unknown",
	ErrUnknownMessage:           "unknown_message",
	ErrBadSyntax:                "bad_syntax",
	ErrLimitsExceeded:           "limits_exceeded",
	ErrBadDecompression:         "bad_decompression",
	ErrBadChangesetHeaderSyntax: "bad_changeset_header_syntax",
	ErrBadChangesetSize:         "bad_changeset_size",
	ErrReuseOfSessionIdent:      "reuse_of_session_ident",
	ErrBadMessageOrder:          "bad_message_order",
	ErrBadSessionIdent:          "bad_session_ident",
	ErrBadServerVersion:         "bad_server_version",
	ErrBadClientVersion:         "bad_client_version",
	ErrBadClientFileIdent:       "bad_client_file_ident",
	ErrDivergingHistories:       "diverging_histories",
	ErrClientFileExpired:        "client_file_expired",
	ErrClientFileBlacklisted:    "client_file_blacklisted",
	ErrBoundInOtherSession:      "bound_in_other_session",
	ErrIllegalRealmPath:         "illegal_realm_path",
	ErrServerFileDeleted:        "server_file_deleted",
	ErrBadChangeset:             "bad_changeset",
	ErrBadOriginFileIdent:       "bad_origin_file_ident",
	ErrConnectionClosed:         "connection_closed",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error_code(%d)", int(c))
}

// IsConnectionLevel reports whether the error cascades to every session on
// the connection, per the propagation policy in the error handling design.
func (c ErrorCode) IsConnectionLevel() bool {
	switch c {
	case ErrUnknownMessage, ErrBadSyntax, ErrLimitsExceeded, ErrBadDecompression,
		ErrBadChangesetHeaderSyntax, ErrBadChangesetSize, ErrReuseOfSessionIdent,
		ErrBadMessageOrder, ErrBadSessionIdent:
		return true
	default:
		return false
	}
}

// ProtocolError wraps a wire error code with a human-readable message and
// the retry hint carried on ERROR frames, mirroring a stable problem-detail
// vocabulary rather than raw Go error strings.
type ProtocolError struct {
	Code     ErrorCode
	Message  string
	TryAgain bool
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code.String()
}

// NewProtocolError constructs a ProtocolError with no retry hint.
func NewProtocolError(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// NewRetryableError constructs a ProtocolError with TryAgain set, used for
// the backpressure-driven connection_closed case.
func NewRetryableError(code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, TryAgain: true}
}
