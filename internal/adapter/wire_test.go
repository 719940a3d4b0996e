package adapter

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/arcusdb/realmsync/pkg/cursor"
	"github.com/arcusdb/realmsync/pkg/protocol"
)

func TestEncodeDecodeRoundTrip_Bind(t *testing.T) {
	want := protocol.BindMessage{
		SessionIdent:        42,
		Path:                "/tenants/acme/main",
		SignedUserToken:     "token",
		NeedClientFileIdent: true,
	}

	frame, err := encodeEnvelope(int32(protocol.KindBind), &want)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}

	got, err := DecodeIncoming(frame)
	if err != nil {
		t.Fatalf("DecodeIncoming: %v", err)
	}
	if got.Kind != protocol.KindBind || got.Bind == nil {
		t.Fatalf("expected a decoded BindMessage, got %+v", got)
	}
	if *got.Bind != want {
		t.Errorf("got %+v, want %+v", *got.Bind, want)
	}
}

func TestEncodeOutgoing_Download(t *testing.T) {
	msg := protocol.OutgoingMessage{
		Kind: protocol.KindDownload,
		Download: &protocol.DownloadMessage{
			SessionIdent:      7,
			Progress:          cursor.DownloadCursor{},
			Body:              []byte("hello"),
			DownloadableBytes: 5,
		},
	}

	frame, err := EncodeOutgoing(msg)
	if err != nil {
		t.Fatalf("EncodeOutgoing: %v", err)
	}

	got, err := decodeOutgoingForTest(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Download == nil || string(got.Download.Body) != "hello" {
		t.Errorf("expected decoded download body %q, got %+v", "hello", got)
	}
}

// decodeOutgoingForTest decodes an outgoing frame for round-trip assertions;
// production code never needs to decode its own outgoing frames, so this
// lives in the test only.
func decodeOutgoingForTest(frame []byte) (protocol.OutgoingMessage, error) {
	var env wireEnvelope
	if err := gob.NewDecoder(bytes.NewReader(frame)).Decode(&env); err != nil {
		return protocol.OutgoingMessage{}, err
	}
	var m protocol.DownloadMessage
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&m); err != nil {
		return protocol.OutgoingMessage{}, err
	}
	return protocol.OutgoingMessage{Kind: protocol.OutgoingKind(env.Kind), Download: &m}, nil
}

func TestEncodeOutgoing_UnknownKind(t *testing.T) {
	_, err := EncodeOutgoing(protocol.OutgoingMessage{Kind: protocol.OutgoingKind(99)})
	if err == nil {
		t.Error("expected an error for an unrecognized outgoing kind")
	}
}

func TestDecodeIncoming_UnknownKind(t *testing.T) {
	frame, err := encodeEnvelope(int32(99), &protocol.PingMessage{})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	if _, err := DecodeIncoming(frame); err == nil {
		t.Error("expected an error for an unrecognized incoming kind")
	}
}
