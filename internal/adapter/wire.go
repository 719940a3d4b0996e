// Package adapter implements the edge of the synchronization core: a
// gorilla/websocket-backed protocol.Transport and the binary encode/decode
// of protocol messages across it. None of this is part of the hard core —
// the wire codec itself is explicitly out of scope for the protocol's
// semantics — but a server needs a concrete, runnable implementation to
// boot against real clients.
package adapter

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/arcusdb/realmsync/pkg/protocol"
)

// wireEnvelope is the on-the-wire shape for both directions: a kind tag
// plus a gob-encoded payload of the matching message struct. gob is used
// rather than a schema-compiled format like flatbuffers.
type wireEnvelope struct {
	Kind    int32
	Payload []byte
}

// EncodeOutgoing serializes msg for transmission over one WebSocket binary
// frame.
func EncodeOutgoing(msg protocol.OutgoingMessage) ([]byte, error) {
	var payload interface{}
	switch msg.Kind {
	case protocol.KindIdentReply:
		payload = msg.Ident
	case protocol.KindDownload:
		payload = msg.Download
	case protocol.KindMarkReply:
		payload = msg.Mark
	case protocol.KindAlloc:
		payload = msg.Alloc
	case protocol.KindError:
		payload = msg.Error
	case protocol.KindUnbound:
		payload = msg.Unbound
	case protocol.KindPong:
		payload = msg.Pong
	default:
		return nil, fmt.Errorf("adapter: unknown outgoing kind %d", msg.Kind)
	}
	return encodeEnvelope(int32(msg.Kind), payload)
}

// DecodeIncoming parses one WebSocket binary frame into a protocol message.
func DecodeIncoming(frame []byte) (protocol.IncomingMessage, error) {
	var env wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(frame)).Decode(&env); err != nil {
		return protocol.IncomingMessage{}, fmt.Errorf("adapter: decode envelope: %w", err)
	}

	kind := protocol.IncomingKind(env.Kind)
	dec := gob.NewDecoder(bytes.NewReader(env.Payload))

	switch kind {
	case protocol.KindBind:
		var m protocol.BindMessage
		if err := dec.Decode(&m); err != nil {
			return protocol.IncomingMessage{}, err
		}
		return protocol.IncomingMessage{Kind: kind, Bind: &m}, nil
	case protocol.KindIdent:
		var m protocol.IdentMessage
		if err := dec.Decode(&m); err != nil {
			return protocol.IncomingMessage{}, err
		}
		return protocol.IncomingMessage{Kind: kind, Ident: &m}, nil
	case protocol.KindUpload:
		var m protocol.UploadMessage
		if err := dec.Decode(&m); err != nil {
			return protocol.IncomingMessage{}, err
		}
		return protocol.IncomingMessage{Kind: kind, Upload: &m}, nil
	case protocol.KindMark:
		var m protocol.MarkMessage
		if err := dec.Decode(&m); err != nil {
			return protocol.IncomingMessage{}, err
		}
		return protocol.IncomingMessage{Kind: kind, Mark: &m}, nil
	case protocol.KindUnbind:
		var m protocol.UnbindMessage
		if err := dec.Decode(&m); err != nil {
			return protocol.IncomingMessage{}, err
		}
		return protocol.IncomingMessage{Kind: kind, Unbind: &m}, nil
	case protocol.KindPing:
		var m protocol.PingMessage
		if err := dec.Decode(&m); err != nil {
			return protocol.IncomingMessage{}, err
		}
		return protocol.IncomingMessage{Kind: kind, Ping: &m}, nil
	default:
		return protocol.IncomingMessage{}, fmt.Errorf("adapter: unknown incoming kind %d", env.Kind)
	}
}

func encodeEnvelope(kind int32, payload interface{}) ([]byte, error) {
	var payloadBuf bytes.Buffer
	if err := gob.NewEncoder(&payloadBuf).Encode(payload); err != nil {
		return nil, fmt.Errorf("adapter: encode payload: %w", err)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireEnvelope{Kind: kind, Payload: payloadBuf.Bytes()}); err != nil {
		return nil, fmt.Errorf("adapter: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

