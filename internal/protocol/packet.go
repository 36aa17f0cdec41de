// Package protocol defines the tunnel packet format: the packet kinds, the
// header layout, and serialization to and from the opaque byte payloads the
// DNS codec carries.
package protocol

import (
	"fmt"

	"github.com/fbion/dnscat2/internal/util"
)

// Kind identifies a packet's role in the protocol.
type Kind uint8

// Packet kinds.
const (
	KindSYN  Kind = 0x00 // opens a session; carries the initial sequence number and options
	KindMSG  Kind = 0x01 // carries data plus seq/ack bookkeeping
	KindFIN  Kind = 0x02 // closes a session, optionally with a reason
	KindENC  Kind = 0x03 // handshake: key exchange and authentication
	KindPING Kind = 0xFF // liveness probe; sessionless, echoed verbatim
)

// String returns the kind's protocol name.
func (k Kind) String() string {
	switch k {
	case KindSYN:
		return "SYN"
	case KindMSG:
		return "MSG"
	case KindFIN:
		return "FIN"
	case KindENC:
		return "ENC"
	case KindPING:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
	}
}

// SYN option flags.
const (
	OptName    uint16 = 0x0001 // the SYN carries a session name
	OptCommand uint16 = 0x0020 // the session speaks the command sub-protocol
)

// ENC subtypes.
const (
	EncInit uint16 = 0x0000 // public key exchange
	EncAuth uint16 = 0x0001 // pre-shared-secret authenticator
)

// HeaderSize is the fixed header: PacketID(2) + Kind(1) + SessionID(2).
const HeaderSize = 5

// Packet is one protocol message. Which fields beyond the header are
// meaningful depends on Kind. Packets are ephemeral: built for one
// transmission or one decode.
type Packet struct {
	PacketID  uint16 // correlation token echoed between query and answer
	Kind      Kind
	SessionID uint16 // zero for PING, which is sessionless

	Seq     uint16 // SYN: initial sequence number; MSG: current sequence number
	Ack     uint16 // MSG: highest contiguous sequence received from the peer
	Options uint16 // SYN: option flags
	Name    string // SYN: session name, present when Options&OptName != 0
	Data    []byte // MSG: payload
	Reason  string // FIN: human-readable close reason

	Subtype       uint16 // ENC: EncInit or EncAuth
	Flags         uint16 // ENC: reserved, zero
	PublicKey     []byte // ENC INIT: 64-byte public key
	Authenticator []byte // ENC AUTH: 32-byte authenticator

	Nonce string // PING: opaque nonce, echoed verbatim by the peer
}

// NewSYN builds a session-opening packet.
func NewSYN(sessionID, isn, options uint16, name string) *Packet {
	p := &Packet{
		PacketID:  util.RandUint16(),
		Kind:      KindSYN,
		SessionID: sessionID,
		Seq:       isn,
		Options:   options,
		Name:      name,
	}
	if name != "" {
		p.Options |= OptName
	}
	return p
}

// NewMSG builds a data packet.
func NewMSG(sessionID, seq, ack uint16, data []byte) *Packet {
	return &Packet{
		PacketID:  util.RandUint16(),
		Kind:      KindMSG,
		SessionID: sessionID,
		Seq:       seq,
		Ack:       ack,
		Data:      data,
	}
}

// NewFIN builds a session-closing packet.
func NewFIN(sessionID uint16, reason string) *Packet {
	return &Packet{
		PacketID:  util.RandUint16(),
		Kind:      KindFIN,
		SessionID: sessionID,
		Reason:    reason,
	}
}

// NewEncInit builds the key-exchange half of the handshake.
func NewEncInit(sessionID uint16, publicKey []byte) *Packet {
	return &Packet{
		PacketID:  util.RandUint16(),
		Kind:      KindENC,
		SessionID: sessionID,
		Subtype:   EncInit,
		PublicKey: publicKey,
	}
}

// NewEncAuth builds the authenticator half of the handshake.
func NewEncAuth(sessionID uint16, authenticator []byte) *Packet {
	return &Packet{
		PacketID:      util.RandUint16(),
		Kind:          KindENC,
		SessionID:     sessionID,
		Subtype:       EncAuth,
		Authenticator: authenticator,
	}
}

// NewPING builds a sessionless liveness probe.
func NewPING(nonce string) *Packet {
	return &Packet{
		PacketID: util.RandUint16(),
		Kind:     KindPING,
		Nonce:    nonce,
	}
}

// String renders the packet for trace logging.
func (p *Packet) String() string {
	switch p.Kind {
	case KindSYN:
		return fmt.Sprintf("SYN [id=0x%04x] session=0x%04x isn=%d options=0x%04x name=%q",
			p.PacketID, p.SessionID, p.Seq, p.Options, p.Name)
	case KindMSG:
		return fmt.Sprintf("MSG [id=0x%04x] session=0x%04x seq=%d ack=%d data=%d bytes",
			p.PacketID, p.SessionID, p.Seq, p.Ack, len(p.Data))
	case KindFIN:
		return fmt.Sprintf("FIN [id=0x%04x] session=0x%04x reason=%q",
			p.PacketID, p.SessionID, p.Reason)
	case KindENC:
		sub := "INIT"
		if p.Subtype == EncAuth {
			sub = "AUTH"
		}
		return fmt.Sprintf("ENC(%s) [id=0x%04x] session=0x%04x", sub, p.PacketID, p.SessionID)
	case KindPING:
		return fmt.Sprintf("PING [id=0x%04x] nonce=%q", p.PacketID, p.Nonce)
	default:
		return fmt.Sprintf("%s [id=0x%04x]", p.Kind, p.PacketID)
	}
}
