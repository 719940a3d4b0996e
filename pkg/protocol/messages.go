package protocol

import (
	"context"

	"github.com/arcusdb/realmsync/pkg/cursor"
)

// SessionIdent is the connection-scoped identifier a client assigns to a
// session when it issues BIND; it is opaque to the core beyond equality and
// reuse detection.
type SessionIdent int64

// Changeset is an opaque, serialized mutation batch together with the
// cursor it advances, as produced by one side and integrated by the other.
type Changeset struct {
	UploadCursor cursor.UploadCursor
	Body         []byte
}

// BindMessage (C->S) opens a session against a virtual realm path.
type BindMessage struct {
	SessionIdent        SessionIdent
	Path                string
	SignedUserToken     string
	NeedClientFileIdent bool
	IsSubserver         bool
}

// IdentMessage (C->S) completes bootstrap once the client file identifier is
// known, either pre-assigned or delivered by a prior ALLOC/IDENT exchange.
type IdentMessage struct {
	SessionIdent          SessionIdent
	ClientFileIdent       cursor.FileIdent
	ClientFileIdentSalt   cursor.Salt
	ScanServerVersion     cursor.Version
	ScanClientVersion     cursor.Version
	LatestServerVersion   cursor.Version
	LatestServerVersionSalt cursor.Salt
}

// UploadMessage (C->S) reports upload progress and carries zero or more
// changesets produced by the client since its last UPLOAD.
type UploadMessage struct {
	SessionIdent       SessionIdent
	ProgressClientVersion cursor.Version
	ProgressServerVersion cursor.Version
	LockedServerVersion   cursor.Version
	Changesets            []Changeset
}

// MarkMessage (C->S and S->C) requests or delivers a download-completion
// notification tagged with an opaque request identifier.
type MarkMessage struct {
	SessionIdent SessionIdent
	RequestIdent int64
}

// UnbindMessage (C->S) requests session teardown.
type UnbindMessage struct {
	SessionIdent SessionIdent
}

// PingMessage (C->S) carries a client timestamp and, from the second PING
// onward, the client's most recently observed round-trip time.
type PingMessage struct {
	Timestamp int64
	RTT       int64
}

// IncomingMessage is the union of all message types the core accepts from a
// Connection. Exactly one field is populated; Kind disambiguates.
type IncomingMessage struct {
	Kind   IncomingKind
	Bind   *BindMessage
	Ident  *IdentMessage
	Upload *UploadMessage
	Mark   *MarkMessage
	Unbind *UnbindMessage
	Ping   *PingMessage
}

// IncomingKind tags the populated field of an IncomingMessage.
type IncomingKind int

const (
	KindBind IncomingKind = iota
	KindIdent
	KindUpload
	KindMark
	KindUnbind
	KindPing
)

// IdentReply (S->C) delivers a client file identifier and its salt, either
// in response to an IDENT with need_client_file_ident, or standalone.
type IdentReply struct {
	SessionIdent        SessionIdent
	ClientFileIdent     cursor.FileIdent
	ClientFileIdentSalt cursor.Salt
}

// DownloadMessage (S->C) delivers one contiguous run of server history.
type DownloadMessage struct {
	SessionIdent      SessionIdent
	Progress          cursor.DownloadCursor
	End               cursor.SaltedVersion
	UploadProgress    cursor.UploadCursor
	DownloadableBytes int64
	NumChangesets     int
	Body              []byte
	Compressed        bool
}

// MarkReply (S->C) confirms a client's earlier MARK request once the
// session's download scan has caught up to the point the MARK was issued.
type MarkReply struct {
	SessionIdent SessionIdent
	RequestIdent int64
}

// AllocMessage (S->C) relays a server-allocated client file identifier to a
// legacy (protocol version <= 23) client. Modern clients receive identifiers
// only via IdentReply; see the open question in the design notes.
type AllocMessage struct {
	SessionIdent SessionIdent
	FileIdent    cursor.SaltedFileIdent
}

// ErrorMessage (S->C) reports a protocol or session-level error.
// SessionIdent is 0 for connection-wide errors.
type ErrorMessage struct {
	SessionIdent SessionIdent
	ErrorCode    ErrorCode
	Message      string
	TryAgain     bool
}

// UnboundMessage (S->C) confirms a session has been torn down.
type UnboundMessage struct {
	SessionIdent SessionIdent
}

// PongMessage (S->C) echoes the timestamp carried on the triggering PING.
type PongMessage struct {
	Timestamp int64
}

// OutgoingMessage is the union of all message types the core emits to a
// Transport. Exactly one field is populated; Kind disambiguates.
type OutgoingMessage struct {
	Kind     OutgoingKind
	Ident    *IdentReply
	Download *DownloadMessage
	Mark     *MarkReply
	Alloc    *AllocMessage
	Error    *ErrorMessage
	Unbound  *UnboundMessage
	Pong     *PongMessage
}

// OutgoingKind tags the populated field of an OutgoingMessage.
type OutgoingKind int

const (
	KindIdentReply OutgoingKind = iota
	KindDownload
	KindMarkReply
	KindAlloc
	KindError
	KindUnbound
	KindPong
)

// Transport is the wire-codec boundary: a framed binary message sink that
// the core hands encoded-ready structs to. Implementations live at the edge
// (e.g. over gorilla/websocket) and are not part of the hard core.
type Transport interface {
	// SendMessage encodes and writes one outgoing message. Implementations
	// must not block indefinitely; ctx governs cancellation on shutdown.
	SendMessage(ctx context.Context, msg OutgoingMessage) error

	// Close closes the underlying transport, optionally after flushing a
	// final close frame carrying code and reason.
	Close(code int, reason string) error
}
