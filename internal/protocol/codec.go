package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fbion/dnscat2/internal/crypto"
)

// EncryptedOverhead is the number of extra bytes an encrypted packet costs
// over its plaintext form.
const EncryptedOverhead = crypto.SignatureSize + crypto.NonceSize

// EncInitSize is the wire size of an ENC INIT packet: header, subtype,
// flags, and the public key. It is the largest packet with no elastic field,
// so a transmission budget below it cannot carry the handshake at all.
const EncInitSize = HeaderSize + 4 + crypto.PublicKeySize

// Serialization errors are reported, never panicked: every byte here may
// come straight off the network.

// Serialize converts a packet to its plaintext wire form.
func Serialize(pkt *Packet) []byte {
	return append(serializeHeader(pkt), serializeBody(pkt)...)
}

// SerializeEncrypted converts a packet to its encrypted wire form: the
// header in the clear (the receiver routes on the session id), the
// kind-specific body sealed by the session cipher. PING packets are
// sessionless and must not be passed here.
func SerializeEncrypted(pkt *Packet, cipher *crypto.Cipher) ([]byte, error) {
	if pkt.Kind == KindPING {
		return nil, fmt.Errorf("PING packets are never encrypted")
	}
	header := serializeHeader(pkt)
	sealed, err := cipher.Seal(header, serializeBody(pkt))
	if err != nil {
		return nil, err
	}
	return append(header, sealed...), nil
}

// serializeHeader renders the fixed header: packet id, kind, session id.
func serializeHeader(pkt *Packet) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.BigEndian.AppendUint16(buf, pkt.PacketID)
	buf = append(buf, byte(pkt.Kind))
	return binary.BigEndian.AppendUint16(buf, pkt.SessionID)
}

// serializeBody renders the kind-specific fields.
func serializeBody(pkt *Packet) []byte {
	var buf []byte

	switch pkt.Kind {
	case KindSYN:
		buf = binary.BigEndian.AppendUint16(buf, pkt.Seq)
		buf = binary.BigEndian.AppendUint16(buf, pkt.Options)
		if pkt.Options&OptName != 0 {
			buf = appendString(buf, pkt.Name)
		}

	case KindMSG:
		buf = binary.BigEndian.AppendUint16(buf, pkt.Seq)
		buf = binary.BigEndian.AppendUint16(buf, pkt.Ack)
		buf = append(buf, pkt.Data...)

	case KindFIN:
		buf = appendString(buf, pkt.Reason)

	case KindENC:
		buf = binary.BigEndian.AppendUint16(buf, pkt.Subtype)
		buf = binary.BigEndian.AppendUint16(buf, pkt.Flags)
		switch pkt.Subtype {
		case EncInit:
			buf = append(buf, pkt.PublicKey...)
		case EncAuth:
			buf = append(buf, pkt.Authenticator...)
		}

	case KindPING:
		buf = appendString(buf, pkt.Nonce)
	}

	return buf
}

// ParseHeader extracts just the fixed header, so the receiver can route the
// packet to its session before deciding how to decrypt the body.
func ParseHeader(data []byte) (packetID uint16, kind Kind, sessionID uint16, err error) {
	if len(data) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	return binary.BigEndian.Uint16(data[0:2]), Kind(data[2]), binary.BigEndian.Uint16(data[3:5]), nil
}

// Parse extracts a packet from its plaintext wire form.
func Parse(data []byte) (*Packet, error) {
	packetID, kind, sessionID, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	return parseBody(packetID, kind, sessionID, data[HeaderSize:])
}

// ParseEncrypted extracts a packet whose body is sealed, verifying the
// signature before any field is interpreted.
func ParseEncrypted(data []byte, cipher *crypto.Cipher) (*Packet, error) {
	packetID, kind, sessionID, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	body, err := cipher.Open(data[:HeaderSize], data[HeaderSize:])
	if err != nil {
		return nil, err
	}
	return parseBody(packetID, kind, sessionID, body)
}

// parseBody interprets the kind-specific fields.
func parseBody(packetID uint16, kind Kind, sessionID uint16, rest []byte) (*Packet, error) {
	pkt := &Packet{
		PacketID:  packetID,
		Kind:      kind,
		SessionID: sessionID,
	}

	switch pkt.Kind {
	case KindSYN:
		if len(rest) < 4 {
			return nil, fmt.Errorf("SYN body is %d bytes, need at least 4", len(rest))
		}
		pkt.Seq = binary.BigEndian.Uint16(rest[0:2])
		pkt.Options = binary.BigEndian.Uint16(rest[2:4])
		if pkt.Options&OptName != 0 {
			name, _, err := readString(rest[4:])
			if err != nil {
				return nil, fmt.Errorf("SYN name: %w", err)
			}
			pkt.Name = name
		}

	case KindMSG:
		if len(rest) < 4 {
			return nil, fmt.Errorf("MSG body is %d bytes, need at least 4", len(rest))
		}
		pkt.Seq = binary.BigEndian.Uint16(rest[0:2])
		pkt.Ack = binary.BigEndian.Uint16(rest[2:4])
		if len(rest) > 4 {
			pkt.Data = append([]byte(nil), rest[4:]...)
		}

	case KindFIN:
		reason, _, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("FIN reason: %w", err)
		}
		pkt.Reason = reason

	case KindENC:
		if len(rest) < 4 {
			return nil, fmt.Errorf("ENC body is %d bytes, need at least 4", len(rest))
		}
		pkt.Subtype = binary.BigEndian.Uint16(rest[0:2])
		pkt.Flags = binary.BigEndian.Uint16(rest[2:4])
		payload := rest[4:]
		switch pkt.Subtype {
		case EncInit:
			if len(payload) != crypto.PublicKeySize {
				return nil, fmt.Errorf("ENC INIT public key is %d bytes, want %d", len(payload), crypto.PublicKeySize)
			}
			pkt.PublicKey = append([]byte(nil), payload...)
		case EncAuth:
			if len(payload) != crypto.AuthenticatorSize {
				return nil, fmt.Errorf("ENC AUTH authenticator is %d bytes, want %d", len(payload), crypto.AuthenticatorSize)
			}
			pkt.Authenticator = append([]byte(nil), payload...)
		default:
			return nil, fmt.Errorf("unknown ENC subtype 0x%04x", pkt.Subtype)
		}

	case KindPING:
		nonce, _, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("PING nonce: %w", err)
		}
		pkt.Nonce = nonce

	default:
		return nil, fmt.Errorf("unrecognized packet kind 0x%02x", uint8(pkt.Kind))
	}

	return pkt, nil
}

// appendString appends a NUL-terminated string.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// readString reads a NUL-terminated string, returning it and the remainder.
func readString(data []byte) (string, []byte, error) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("string is not NUL-terminated")
	}
	return string(data[:i]), data[i+1:], nil
}
