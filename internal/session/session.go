// Package session implements one logical ordered byte stream multiplexed
// over the DNS transport: the state machine, the send and reassembly
// buffers, and the per-session encryption context.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fbion/dnscat2/internal/crypto"
	"github.com/fbion/dnscat2/internal/protocol"
	"github.com/fbion/dnscat2/internal/util"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateNew State = iota // created; handshake (if any) and SYN still pending
	StateSynSent
	StateEstablished
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Session errors.
var (
	ErrClosed       = errors.New("session: closed")
	ErrNotEncrypted = errors.New("session: handshake has not completed")
)

// Stream is the local front end attached to a session: a consumer of the
// bytes the tunnel delivers and (via Send) a producer of bytes to carry.
// Deliver is called with in-order data only; Closed is called exactly once
// when the session reaches CLOSED.
type Stream interface {
	Deliver(data []byte) error
	Closed(reason string)
}

// Config carries the per-session options fixed at creation time.
type Config struct {
	Name      string  // advertised in the SYN when non-empty
	IsCommand bool    // the session speaks the command sub-protocol
	Encrypt   bool    // run the handshake before any user data flows
	Preshared []byte  // optional pre-shared key material for authentication
	ISN       *uint16 // initial sequence number override (debug)
}

// Session is one logical stream. Send and Close may be called from any
// goroutine (front ends pump input from their own); packet processing is
// driven by the controller from the driver's polling goroutine. s.mu guards
// the lifecycle state and the buffers against that concurrency.
type Session struct {
	id        uint16
	name      string
	isCommand bool

	mu       sync.Mutex
	state    State
	outbound outbuf

	seq   uint16 // our byte offset acknowledged by the peer so far
	reasm *Reassembler

	stream Stream

	encrypt   bool
	handshake *crypto.Handshake
	cipher    *crypto.Cipher

	outstanding  bool // a packet is in flight with no reply yet
	retransmits  int  // consecutive unanswered attempts for that packet
	finSent      bool
	closeReason  string
	notified     bool // the front end's Closed callback has run
	lastActivity time.Time
}

// New creates a session in StateNew with a fresh random id (or the
// configured ISN override for the sequence number).
func New(id uint16, cfg Config, stream Stream) (*Session, error) {
	s := &Session{
		id:           id,
		name:         cfg.Name,
		isCommand:    cfg.IsCommand,
		stream:       stream,
		encrypt:      cfg.Encrypt,
		seq:          util.RandUint16(),
		lastActivity: time.Now(),
	}
	if cfg.ISN != nil {
		s.seq = *cfg.ISN
	}
	if cfg.Encrypt {
		hs, err := crypto.NewHandshake(cfg.Preshared)
		if err != nil {
			return nil, err
		}
		s.handshake = hs
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uint16 { return s.id }

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retransmits returns the consecutive unanswered attempts for the packet
// currently in flight.
func (s *Session) Retransmits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retransmits
}

// LastActivity returns the time of the last received reply.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Send queues producer bytes for transmission. Safe for concurrent use.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateClosing {
		return ErrClosed
	}
	s.outbound.push(data)
	return nil
}

// Pending reports whether the session has anything useful to transmit
// beyond a bare poll: handshake or SYN in progress, buffered data, or a
// pending FIN.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateNew, StateSynSent, StateClosing:
		return true
	case StateEstablished:
		return s.outbound.size() > 0
	default:
		return false
	}
}

// Close moves the session toward teardown; the next transmission slot sends
// a FIN carrying reason. Safe for concurrent use.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateClosing {
		return
	}
	s.state = StateClosing
	s.closeReason = reason
}

// Teardown forcibly closes the session without a FIN exchange (retransmit
// ceiling reached or driver shutdown) and notifies the front end.
func (s *Session) Teardown(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.closeReason = reason
	s.mu.Unlock()
	s.notifyClosed(reason)
}

// notifyClosed runs the front end's Closed callback exactly once, outside
// the session lock (front ends may call back into the session).
func (s *Session) notifyClosed(reason string) {
	s.mu.Lock()
	already := s.notified
	s.notified = true
	s.mu.Unlock()
	if !already {
		s.stream.Closed(reason)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbound path
// ──────────────────────────────────────────────────────────────────────────────

// NextPacket builds the packet this session should transmit now, given a
// total payload budget in bytes. Re-invoking without an intervening reply
// rebuilds the same logical packet and counts as a retransmission attempt.
// Returns nil when the session is CLOSED.
func (s *Session) NextPacket(maxPayload int) *protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pkt *protocol.Packet

	switch s.state {
	case StateNew, StateSynSent:
		if hs := s.handshakePacket(); hs != nil {
			pkt = hs
			break
		}
		// Elastic fields bend to the budget; the fixed ones never exceed it
		// (the driver refuses budgets below the handshake packet size).
		name := clampString(s.name, s.wireBudget(maxPayload)-5) // seq, options, NUL
		pkt = protocol.NewSYN(s.id, s.seq, s.synOptions(name), name)
		if s.state == StateNew {
			s.state = StateSynSent
			util.LogDebug("session 0x%04x: %s", s.id, s.state)
		}

	case StateEstablished:
		chunk := s.outbound.peek(s.dataBudget(maxPayload))
		pkt = protocol.NewMSG(s.id, s.seq, s.reasm.Expected(), chunk)

	case StateClosing:
		reason := clampString(s.closeReason, s.wireBudget(maxPayload)-1)
		pkt = protocol.NewFIN(s.id, reason)
		s.finSent = true

	default:
		return nil
	}

	if s.outstanding {
		s.retransmits++
		util.Stats.AddRetransmit()
	} else {
		s.retransmits = 0
	}
	s.outstanding = true
	return pkt
}

// Encode serializes an outbound packet, sealing the body once the
// handshake has completed.
func (s *Session) Encode(pkt *protocol.Packet) ([]byte, error) {
	if s.authenticated() && pkt.Kind != protocol.KindENC {
		return protocol.SerializeEncrypted(pkt, s.cipher)
	}
	return protocol.Serialize(pkt), nil
}

// handshakePacket returns the next handshake packet to send, or nil when
// the handshake is complete (or encryption is off). Caller holds s.mu.
func (s *Session) handshakePacket() *protocol.Packet {
	if !s.encrypt {
		return nil
	}
	switch s.handshake.State() {
	case crypto.StateUnauthenticated:
		return protocol.NewEncInit(s.id, s.handshake.PublicKey())
	case crypto.StateKeyAgreed:
		auth, err := s.handshake.Authenticator()
		if err != nil {
			// Unreachable: KeyAgreed implies a shared secret exists.
			util.LogError("session 0x%04x: %v", s.id, err)
			return nil
		}
		return protocol.NewEncAuth(s.id, auth)
	default:
		return nil
	}
}

func (s *Session) synOptions(name string) uint16 {
	var options uint16
	if s.isCommand {
		options |= protocol.OptCommand
	}
	if name != "" {
		options |= protocol.OptName
	}
	return options
}

// wireBudget converts the DNS payload budget into the bytes available for a
// packet body, after the header and (once sealed) the encryption overhead.
func (s *Session) wireBudget(maxPayload int) int {
	budget := maxPayload - protocol.HeaderSize
	if s.authenticated() {
		budget -= protocol.EncryptedOverhead
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

// dataBudget is the number of data bytes one MSG can carry.
func (s *Session) dataBudget(maxPayload int) int {
	budget := s.wireBudget(maxPayload) - 4 // seq + ack
	if budget < 0 {
		budget = 0
	}
	return budget
}

// clampString truncates elastic string fields (SYN name, FIN reason) to what
// the budget leaves for them.
func clampString(v string, budget int) string {
	if budget < 0 {
		budget = 0
	}
	if len(v) > budget {
		return v[:budget]
	}
	return v
}

func (s *Session) authenticated() bool {
	return s.cipher != nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound path
// ──────────────────────────────────────────────────────────────────────────────

// Decode parses an inbound wire packet addressed to this session, removing
// the encryption layer once it is active. A failed signature or replayed
// nonce is an error; the caller discards the packet and the session state
// is left untouched.
func (s *Session) Decode(data []byte) (*protocol.Packet, error) {
	if s.authenticated() {
		return protocol.ParseEncrypted(data, s.cipher)
	}
	return protocol.Parse(data)
}

// Handle applies one decoded inbound packet to the state machine. The error
// return distinguishes fatal conditions (authentication failure) from the
// silently-tolerated ones, which are logged and dropped inside.
func (s *Session) Handle(pkt *protocol.Packet) error {
	// Any reply resets the retransmission accounting.
	s.mu.Lock()
	s.outstanding = false
	s.retransmits = 0
	s.lastActivity = time.Now()
	s.mu.Unlock()

	switch pkt.Kind {
	case protocol.KindENC:
		return s.handleEnc(pkt)

	case protocol.KindSYN:
		return s.handleSyn(pkt)

	case protocol.KindMSG:
		return s.handleMsg(pkt)

	case protocol.KindFIN:
		util.LogInfo("session 0x%04x: received FIN: %s", s.id, pkt.Reason)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.notifyClosed(pkt.Reason)
		return nil

	default:
		util.LogWarning("session 0x%04x: dropping unexpected %s", s.id, pkt.Kind)
		return nil
	}
}

func (s *Session) handleSyn(pkt *protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSynSent:
		if s.reasm == nil {
			s.reasm = NewReassembler(pkt.Seq)
		}
		s.state = StateEstablished
		util.LogInfo("session 0x%04x (%s): established, remote isn=%d", s.id, s.name, pkt.Seq)

	case StateNew:
		// Remote-initiated session: the peer's SYN arrives before ours has
		// gone out. Latch its ISN now; our own SYN takes the next
		// transmission slot and the peer's reply completes establishment.
		s.reasm = NewReassembler(pkt.Seq)
		util.LogInfo("session 0x%04x (%s): remote SYN, isn=%d", s.id, s.name, pkt.Seq)

	default:
		util.LogWarning("session 0x%04x: unexpected SYN in state %s, ignoring", s.id, s.state)
	}
	return nil
}

func (s *Session) handleEnc(pkt *protocol.Packet) error {
	if !s.encrypt {
		util.LogWarning("session 0x%04x: ENC packet on an unencrypted session, ignoring", s.id)
		return nil
	}

	switch pkt.Subtype {
	case protocol.EncInit:
		if s.handshake.State() != crypto.StateUnauthenticated {
			util.LogWarning("session 0x%04x: duplicate ENC INIT, ignoring", s.id)
			return nil
		}
		if err := s.handshake.SetPeerPublicKey(pkt.PublicKey); err != nil {
			return fmt.Errorf("session 0x%04x: %w", s.id, err)
		}

	case protocol.EncAuth:
		if err := s.handshake.VerifyAuthenticator(pkt.Authenticator); err != nil {
			return fmt.Errorf("session 0x%04x: %w", s.id, err)
		}
	}

	if s.handshake.State() == crypto.StateAuthenticated && s.cipher == nil {
		keys, err := s.handshake.Keys()
		if err != nil {
			return err
		}
		s.cipher = crypto.NewCipher(keys)
		util.LogInfo("session 0x%04x: handshake complete, channel is encrypted", s.id)
	}
	return nil
}

func (s *Session) handleMsg(pkt *protocol.Packet) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosing:
		// Our FIN has been answered; teardown is complete.
		finSent, reason := s.finSent, s.closeReason
		if finSent {
			s.state = StateClosed
		}
		s.mu.Unlock()
		if finSent {
			s.notifyClosed(reason)
		}
		return nil

	case s.state == StateSynSent && s.reasm != nil:
		// Remote-initiated session: the peer answered our SYN with data
		// instead of another SYN.
		s.state = StateEstablished
		util.LogInfo("session 0x%04x (%s): established", s.id, s.name)

	case s.state != StateEstablished:
		state := s.state
		s.mu.Unlock()
		util.LogWarning("session 0x%04x: MSG in state %s, ignoring", s.id, state)
		return nil
	}

	// Acknowledgment: the peer confirms bytes through pkt.Ack. An ack past
	// what we have actually buffered is a protocol violation.
	acked := pkt.Ack - s.seq // u16 arithmetic
	if int(acked) <= s.outbound.size() {
		s.outbound.advance(int(acked))
		s.seq = pkt.Ack
	} else if acked != 0 {
		util.LogWarning("session 0x%04x: peer acked %d bytes but only %d are outstanding, ignoring",
			s.id, acked, s.outbound.size())
	}
	s.mu.Unlock()

	// Data: reassemble and deliver whatever is now in order. The front end
	// runs outside the lock; it may call Send from inside Deliver.
	for _, chunk := range s.reasm.Feed(pkt.Seq, pkt.Data) {
		util.Stats.AddRecv(len(chunk))
		if err := s.stream.Deliver(chunk); err != nil {
			util.LogWarning("session 0x%04x: consumer rejected data: %v", s.id, err)
			s.Close("local consumer failed")
			return nil
		}
	}
	return nil
}
