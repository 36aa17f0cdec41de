package protocol

import (
	"bytes"
	"testing"

	"github.com/fbion/dnscat2/internal/crypto"
)

// TestSerializeParseRoundTrip verifies every packet kind survives a
// serialize/parse cycle with all of its fields intact.
func TestSerializeParseRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *Packet
	}{
		{"SYN with name", NewSYN(0x1234, 1000, OptCommand, "command (host)")},
		{"SYN anonymous", NewSYN(0x1234, 0, 0, "")},
		{"MSG with data", NewMSG(0xBEEF, 42, 17, []byte("hello world"))},
		{"MSG empty ack-only", NewMSG(0xBEEF, 42, 17, nil)},
		{"FIN with reason", NewFIN(0xCAFE, "process exited")},
		{"FIN bare", NewFIN(0xCAFE, "")},
		{"ENC INIT", NewEncInit(0x0001, make([]byte, crypto.PublicKeySize))},
		{"ENC AUTH", NewEncAuth(0x0001, make([]byte, crypto.AuthenticatorSize))},
		{"PING", NewPING("abc123")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := Parse(Serialize(tc.pkt))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}

			if decoded.PacketID != tc.pkt.PacketID {
				t.Errorf("PacketID mismatch: got 0x%04x, want 0x%04x", decoded.PacketID, tc.pkt.PacketID)
			}
			if decoded.Kind != tc.pkt.Kind {
				t.Errorf("Kind mismatch: got %s, want %s", decoded.Kind, tc.pkt.Kind)
			}
			if decoded.SessionID != tc.pkt.SessionID {
				t.Errorf("SessionID mismatch: got 0x%04x, want 0x%04x", decoded.SessionID, tc.pkt.SessionID)
			}
			if decoded.Seq != tc.pkt.Seq || decoded.Ack != tc.pkt.Ack {
				t.Errorf("Seq/Ack mismatch: got %d/%d, want %d/%d",
					decoded.Seq, decoded.Ack, tc.pkt.Seq, tc.pkt.Ack)
			}
			if decoded.Options != tc.pkt.Options {
				t.Errorf("Options mismatch: got 0x%04x, want 0x%04x", decoded.Options, tc.pkt.Options)
			}
			if decoded.Name != tc.pkt.Name {
				t.Errorf("Name mismatch: got %q, want %q", decoded.Name, tc.pkt.Name)
			}
			if !bytes.Equal(decoded.Data, tc.pkt.Data) {
				t.Errorf("Data mismatch: got %x, want %x", decoded.Data, tc.pkt.Data)
			}
			if decoded.Reason != tc.pkt.Reason {
				t.Errorf("Reason mismatch: got %q, want %q", decoded.Reason, tc.pkt.Reason)
			}
			if !bytes.Equal(decoded.PublicKey, tc.pkt.PublicKey) {
				t.Error("PublicKey mismatch")
			}
			if !bytes.Equal(decoded.Authenticator, tc.pkt.Authenticator) {
				t.Error("Authenticator mismatch")
			}
			if decoded.Nonce != tc.pkt.Nonce {
				t.Errorf("Nonce mismatch: got %q, want %q", decoded.Nonce, tc.pkt.Nonce)
			}
		})
	}
}

// TestSYNWireLayout pins the SYN wire form byte for byte: big-endian header,
// ISN, options, then the NUL-terminated name.
func TestSYNWireLayout(t *testing.T) {
	pkt := NewSYN(0x0203, 0x0405, 0, "ab")
	pkt.PacketID = 0x0001

	want := []byte{
		0x00, 0x01, // packet id
		0x00,       // kind SYN
		0x02, 0x03, // session id
		0x04, 0x05, // initial sequence number
		0x00, 0x01, // options (OptName set by the constructor)
		'a', 'b', 0x00, // name
	}
	if got := Serialize(pkt); !bytes.Equal(got, want) {
		t.Errorf("Wire form mismatch:\n got  %x\n want %x", got, want)
	}
}

// TestParseMalformed verifies that truncated or corrupt packets are rejected
// with errors rather than misread.
func TestParseMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x00, 0x01, 0x00}},
		{"unknown kind", []byte{0x00, 0x01, 0x07, 0x00, 0x02}},
		{"SYN truncated body", []byte{0x00, 0x01, 0x00, 0x00, 0x02, 0x00}},
		{"SYN name missing NUL", []byte{0x00, 0x01, 0x00, 0x00, 0x02, 0x00, 0x01, 0x00, 0x01, 'a'}},
		{"MSG truncated body", []byte{0x00, 0x01, 0x01, 0x00, 0x02, 0x00, 0x01}},
		{"FIN reason missing NUL", []byte{0x00, 0x01, 0x02, 0x00, 0x02, 'x'}},
		{"ENC truncated body", []byte{0x00, 0x01, 0x03, 0x00, 0x02, 0x00}},
		{"ENC unknown subtype", []byte{0x00, 0x01, 0x03, 0x00, 0x02, 0x00, 0x07, 0x00, 0x00}},
		{"ENC INIT short key", append([]byte{0x00, 0x01, 0x03, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00}, make([]byte, 10)...)},
		{"ENC AUTH long authenticator", append([]byte{0x00, 0x01, 0x03, 0x00, 0x02, 0x00, 0x01, 0x00, 0x00}, make([]byte, 64)...)},
		{"PING nonce missing NUL", []byte{0x00, 0x01, 0xFF, 0x00, 0x00, 'n'}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.data); err == nil {
				t.Fatal("Expected a parse error, got nil")
			}
		})
	}
}

// pairedCiphers builds the two ends of an established session.
func pairedCiphers() (client, server *crypto.Cipher) {
	a, _ := crypto.NewHandshake(nil)
	b, _ := crypto.NewHandshake(nil)
	_ = a.SetPeerPublicKey(b.PublicKey())
	_ = b.SetPeerPublicKey(a.PublicKey())
	ak, _ := a.Keys()

	// Both sides derive identical key material; the server reads with the
	// client's write keys and vice versa.
	sk := &crypto.SessionKeys{
		WriteKey:    ak.ReadKey,
		WriteMACKey: ak.ReadMACKey,
		ReadKey:     ak.WriteKey,
		ReadMACKey:  ak.WriteMACKey,
	}
	return crypto.NewCipher(ak), crypto.NewCipher(sk)
}

// TestEncryptedRoundTrip verifies an encrypted MSG leaves its header
// readable for routing but seals the body, and parses back intact.
func TestEncryptedRoundTrip(t *testing.T) {
	clientCipher, serverCipher := pairedCiphers()

	pkt := NewMSG(0x4242, 7, 3, []byte("secret payload"))
	wire, err := SerializeEncrypted(pkt, clientCipher)
	if err != nil {
		t.Fatalf("SerializeEncrypted failed: %v", err)
	}

	// The header routes in the clear.
	packetID, kind, sessionID, err := ParseHeader(wire)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if packetID != pkt.PacketID || kind != KindMSG || sessionID != 0x4242 {
		t.Fatalf("Header mismatch: id=0x%04x kind=%s session=0x%04x", packetID, kind, sessionID)
	}

	// The body does not.
	if bytes.Contains(wire, []byte("secret payload")) {
		t.Fatal("Plaintext payload visible in the encrypted wire form")
	}
	if len(wire) != HeaderSize+EncryptedOverhead+4+len(pkt.Data) {
		t.Fatalf("Wire size is %d, want %d", len(wire), HeaderSize+EncryptedOverhead+4+len(pkt.Data))
	}

	decoded, err := ParseEncrypted(wire, serverCipher)
	if err != nil {
		t.Fatalf("ParseEncrypted failed: %v", err)
	}
	if decoded.Seq != 7 || decoded.Ack != 3 || !bytes.Equal(decoded.Data, pkt.Data) {
		t.Errorf("Decoded packet mismatch: %+v", decoded)
	}
}

// TestEncryptedRejectsTampering verifies a modified session id (part of the
// plaintext header) invalidates the signature.
func TestEncryptedRejectsTampering(t *testing.T) {
	clientCipher, serverCipher := pairedCiphers()

	wire, err := SerializeEncrypted(NewMSG(0x4242, 1, 0, []byte("data")), clientCipher)
	if err != nil {
		t.Fatalf("SerializeEncrypted failed: %v", err)
	}

	wire[4] ^= 0x01 // low byte of the session id
	if _, err := ParseEncrypted(wire, serverCipher); err == nil {
		t.Fatal("Expected a signature error for a tampered header, got nil")
	}
}

// TestEncryptedRejectsPing verifies sessionless PINGs cannot be encrypted.
func TestEncryptedRejectsPing(t *testing.T) {
	clientCipher, _ := pairedCiphers()
	if _, err := SerializeEncrypted(NewPING("n"), clientCipher); err == nil {
		t.Fatal("Expected an error, got nil")
	}
}
