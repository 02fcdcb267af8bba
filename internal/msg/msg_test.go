package msg

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	decoded, err := Decode(m.Marshal())
	if err != nil {
		t.Fatalf("decode %T: %v", m, err)
	}
	if decoded.Type() != m.Type() {
		t.Fatalf("type mismatch: got %v want %v", decoded.Type(), m.Type())
	}
	return decoded
}

func TestKexInitRoundTrip(t *testing.T) {
	orig := KexInit{
		Cookie: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Algorithms: KexAlgorithms{
			Kex:                     []string{"curve25519-sha256"},
			ServerHostKey:           []string{"ssh-ed25519", "ssh-ed25519-cert-v01@openssh.com"},
			EncryptionClientServer:  []string{"chacha20-poly1305@openssh.com"},
			EncryptionServerClient:  []string{"chacha20-poly1305@openssh.com"},
			MACClientServer:         nil,
			MACServerClient:         nil,
			CompressionClientServer: []string{"none"},
			CompressionServerClient: []string{"none"},
			LanguagesClientServer:   nil,
			LanguagesServerClient:   nil,
		},
		FirstKexPacketFollows: false,
		Reserved:              0,
	}
	decoded := roundTrip(t, orig).(KexInit)
	if decoded.Cookie != orig.Cookie {
		t.Fatal("cookie mismatch")
	}
	if len(decoded.Algorithms.ServerHostKey) != 2 {
		t.Fatalf("server host key list: got %v", decoded.Algorithms.ServerHostKey)
	}
	if decoded.Algorithms.MACClientServer != nil {
		t.Fatalf("expected nil mac list, got %v", decoded.Algorithms.MACClientServer)
	}
}

func TestChannelDataRoundTrip(t *testing.T) {
	orig := ChannelData{RecipientChannel: 7, Data: []byte("payload bytes")}
	decoded := roundTrip(t, orig).(ChannelData)
	if decoded.RecipientChannel != 7 || !bytes.Equal(decoded.Data, orig.Data) {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestChannelOpenAndFailureRoundTrip(t *testing.T) {
	open := ChannelOpen{ChannelType: "session", SenderChannel: 3, InitialWindowSize: 32768, MaxPacketSize: 16384}
	decodedOpen := roundTrip(t, open).(ChannelOpen)
	if decodedOpen.ChannelType != "session" || decodedOpen.SenderChannel != 3 {
		t.Fatalf("mismatch: %+v", decodedOpen)
	}

	fail := ChannelOpenFailure{RecipientChannel: 3, ReasonCode: OpenResourceShortage, Description: "no slots"}
	decodedFail := roundTrip(t, fail).(ChannelOpenFailure)
	if decodedFail.ReasonCode != OpenResourceShortage || decodedFail.Description != "no slots" {
		t.Fatalf("mismatch: %+v", decodedFail)
	}
}

func TestChannelRequestWantReply(t *testing.T) {
	req := ChannelRequest{RecipientChannel: 1, RequestType: "exec", WantReply: true, Data: []byte{0, 0, 0, 2, 'l', 's'}}
	decoded := roundTrip(t, req).(ChannelRequest)
	if !decoded.WantReply || decoded.RequestType != "exec" {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestDisconnectAndIgnore(t *testing.T) {
	d := Disconnect{ReasonCode: DisconnectProtocolError, Description: "bad packet", Language: ""}
	decodedD := roundTrip(t, d).(Disconnect)
	if decodedD.ReasonCode != DisconnectProtocolError || decodedD.Description != "bad packet" {
		t.Fatalf("mismatch: %+v", decodedD)
	}

	ig := Ignore{Data: []byte("filler")}
	decodedIg := roundTrip(t, ig).(Ignore)
	if !bytes.Equal(decodedIg.Data, ig.Data) {
		t.Fatalf("mismatch: %+v", decodedIg)
	}
}

func TestNewKeysAndRequestFailureEmptyBody(t *testing.T) {
	roundTrip(t, NewKeys{})
	roundTrip(t, RequestFailure{})
}

func TestUnrecognizedTypeFails(t *testing.T) {
	if _, err := Decode([]byte{200}); err == nil {
		t.Fatal("expected error decoding unrecognized message type")
	}
}

func TestTypeNameFallback(t *testing.T) {
	if TypeChannelData.Name() != "SSH_MSG_CHANNEL_DATA" {
		t.Fatalf("got %q", TypeChannelData.Name())
	}
	if Type(250).Name() == "" {
		t.Fatal("expected non-empty fallback name")
	}
}
