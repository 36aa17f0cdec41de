// Package controller owns the set of active sessions, decides what to
// transmit on each polling tick, and routes inbound packets to the session
// they belong to.
package controller

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fbion/dnscat2/internal/protocol"
	"github.com/fbion/dnscat2/internal/session"
	"github.com/fbion/dnscat2/internal/util"
)

// DefaultMaxRetransmits is the retransmit ceiling applied unless configured
// otherwise. RetransmitForever disables the ceiling.
const (
	DefaultMaxRetransmits = 10
	RetransmitForever     = -1
)

// Controller errors.
var (
	ErrNoSessionIDs = errors.New("controller: could not allocate a unique session id")
)

// idAttempts bounds the search for an unused random session id before the
// registry is declared full.
const idAttempts = 16

// AcceptFunc is invoked when a SYN for an unknown session id arrives; it
// returns the front end for the remote-initiated session, or nil to refuse.
type AcceptFunc func(id uint16, name string) session.Stream

// Controller multiplexes sessions over one tunnel driver. All methods are
// safe for concurrent use; packet processing itself happens on the driver's
// polling goroutine.
type Controller struct {
	mu       sync.Mutex
	sessions map[uint16]*session.Session
	order    []uint16 // round-robin transmission order
	rr       int

	maxRetransmits int
	sessionCfg     session.Config // template for remote-initiated sessions
	accept         AcceptFunc

	pingNonce    string // outstanding liveness probe, empty when none
	pingAttempts int    // transmissions of that probe so far
	onPong       func(nonce string)
}

// New creates an empty controller with the given retransmit ceiling
// (RetransmitForever to retry indefinitely).
func New(maxRetransmits int) *Controller {
	return &Controller{
		sessions:       make(map[uint16]*session.Session),
		maxRetransmits: maxRetransmits,
	}
}

// SetAccept installs the handler for remote-initiated sessions, along with
// the session options template to create them with.
func (c *Controller) SetAccept(cfg session.Config, fn AcceptFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCfg = cfg
	c.accept = fn
}

// NewSession creates and registers a locally-initiated session. Fails when
// no unique id can be found (registry exhaustion).
func (c *Controller) NewSession(cfg session.Config, stream session.Stream) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < idAttempts; i++ {
		id := util.RandUint16()
		if _, taken := c.sessions[id]; taken {
			continue
		}
		s, err := session.New(id, cfg, stream)
		if err != nil {
			return nil, err
		}
		c.register(s)
		util.LogInfo("session 0x%04x (%s) created", id, cfg.Name)
		return s, nil
	}
	return nil, ErrNoSessionIDs
}

// register adds a session to the registry and the round-robin order.
// Caller holds c.mu.
func (c *Controller) register(s *session.Session) {
	c.sessions[s.ID()] = s
	c.order = append(c.order, s.ID())
}

// unregister releases all packet-tracking state for a session id.
// Caller holds c.mu.
func (c *Controller) unregister(id uint16) {
	delete(c.sessions, id)
	for i, sid := range c.order {
		if sid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// ActiveSessions returns the number of sessions not yet closed.
func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown tears down every session (driver shutdown path; no FIN
// round-trip is attempted).
func (c *Controller) Shutdown(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		s.Teardown(reason)
		delete(c.sessions, id)
	}
	c.order = nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Outbound selection
// ──────────────────────────────────────────────────────────────────────────────

// NextOutgoing picks the session to service this tick (round-robin over
// ready sessions, falling back to polling an established one) and returns
// its next packet in wire form. Returns nil when there is nothing to send.
func (c *Controller) NextOutgoing(maxPayload int) []byte {
	// A pending liveness probe takes the slot.
	if data := c.nextPing(); data != nil {
		return data
	}

	s := c.pickSession()
	if s == nil {
		return nil
	}

	if c.ceilingReached(s) {
		util.LogError("session 0x%04x: retransmit ceiling (%d) reached with no reply, giving up", s.ID(), c.maxRetransmits)
		s.Teardown(fmt.Sprintf("retransmit ceiling of %d reached", c.maxRetransmits))
		c.mu.Lock()
		c.unregister(s.ID())
		c.mu.Unlock()
		return nil
	}

	pkt := s.NextPacket(maxPayload)
	if pkt == nil {
		return nil
	}
	if s.Retransmits() > 0 {
		util.LogDebug("session 0x%04x: retransmitting (attempt %d)", s.ID(), s.Retransmits()+1)
	}

	data, err := s.Encode(pkt)
	if err != nil {
		util.LogError("session 0x%04x: cannot encode packet: %v", s.ID(), err)
		s.Teardown("encoding failure")
		c.mu.Lock()
		c.unregister(s.ID())
		c.mu.Unlock()
		return nil
	}

	util.TracePacket("OUTGOING", pkt)
	return data
}

// pickSession returns the next session in round-robin order that has
// something to say, or failing that any session that should be polled.
func (c *Controller) pickSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.order)
	if n == 0 {
		return nil
	}

	// First pass: a session with pending work.
	for i := 0; i < n; i++ {
		id := c.order[(c.rr+i)%n]
		if s := c.sessions[id]; s != nil && s.Pending() {
			c.rr = (c.rr + i + 1) % n
			return s
		}
	}

	// Otherwise poll: an established session with nothing to send still
	// needs empty MSGs to pick up server-to-client data.
	for i := 0; i < n; i++ {
		id := c.order[(c.rr+i)%n]
		if s := c.sessions[id]; s != nil && s.State() == session.StateEstablished {
			c.rr = (c.rr + i + 1) % n
			return s
		}
	}
	return nil
}

// ceilingReached reports whether the session has burned through its
// retransmission budget: the attempt about to be made would exceed the
// configured number of consecutive unanswered transmissions.
func (c *Controller) ceilingReached(s *session.Session) bool {
	if c.maxRetransmits == RetransmitForever {
		return false
	}
	return s.Retransmits()+1 >= c.maxRetransmits
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound routing
// ──────────────────────────────────────────────────────────────────────────────

// HandleIncoming routes one decoded answer payload. Malformed packets are
// dropped and logged; they count as a lost round trip, nothing more.
// The return value reports whether the packet carried session progress
// (used by the transmit-immediately-on-reply policy).
func (c *Controller) HandleIncoming(data []byte) bool {
	_, kind, sessionID, err := protocol.ParseHeader(data)
	if err != nil {
		util.LogWarning("controller: dropping malformed packet: %v", err)
		return false
	}

	if kind == protocol.KindPING {
		c.handlePong(data)
		return false
	}

	c.mu.Lock()
	s := c.sessions[sessionID]
	c.mu.Unlock()

	if s == nil {
		if kind == protocol.KindSYN {
			c.acceptRemote(data, sessionID)
			return true
		}
		util.LogDebug("controller: dropping %s for unknown session 0x%04x", kind, sessionID)
		return false
	}

	pkt, err := s.Decode(data)
	if err != nil {
		// Undecodable or failed authentication tag: discard, leave the
		// session state (including retransmission accounting) untouched.
		util.LogWarning("session 0x%04x: dropping packet: %v", sessionID, err)
		return false
	}

	util.TracePacket("INCOMING", pkt)

	if err := s.Handle(pkt); err != nil {
		util.LogError("session 0x%04x: fatal: %v", sessionID, err)
		s.Teardown(err.Error())
	}

	if s.State() == session.StateClosed {
		c.mu.Lock()
		c.unregister(sessionID)
		c.mu.Unlock()
		util.LogInfo("session 0x%04x closed (%d still active)", sessionID, c.ActiveSessions())
	}
	return true
}

// acceptRemote creates a session for a SYN with an unknown id, if an accept
// handler is installed.
func (c *Controller) acceptRemote(data []byte, sessionID uint16) {
	pkt, err := protocol.Parse(data)
	if err != nil {
		util.LogWarning("controller: dropping malformed SYN: %v", err)
		return
	}

	c.mu.Lock()
	accept := c.accept
	cfg := c.sessionCfg
	c.mu.Unlock()

	if accept == nil {
		util.LogDebug("controller: no accept handler, dropping SYN for session 0x%04x", sessionID)
		return
	}
	stream := accept(sessionID, pkt.Name)
	if stream == nil {
		return
	}

	cfg.Name = pkt.Name
	s, err := session.New(sessionID, cfg, stream)
	if err != nil {
		util.LogError("controller: cannot create remote session 0x%04x: %v", sessionID, err)
		return
	}

	c.mu.Lock()
	c.register(s)
	c.mu.Unlock()
	util.LogInfo("session 0x%04x (%s) accepted from remote", sessionID, pkt.Name)

	if err := s.Handle(pkt); err != nil {
		util.LogError("session 0x%04x: fatal: %v", sessionID, err)
		s.Teardown(err.Error())
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Liveness probes
// ──────────────────────────────────────────────────────────────────────────────

// StartPing queues a liveness probe with a random nonce. The callback runs
// when the echo arrives. An unanswered probe is retransmitted under the same
// ceiling as session packets; its attempts run out silently in PingPending.
func (c *Controller) StartPing(onPong func(nonce string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingNonce = fmt.Sprintf("%x", util.RandBytes(8))
	c.pingAttempts = 0
	c.onPong = onPong
}

// PingPending reports whether a liveness probe is still awaiting its echo.
func (c *Controller) PingPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingNonce != ""
}

// nextPing returns the wire form of the outstanding probe, if any. A probe
// that has burned through the retransmission budget is abandoned, which is a
// failed liveness check.
func (c *Controller) nextPing() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingNonce == "" {
		return nil
	}
	if c.maxRetransmits != RetransmitForever && c.pingAttempts >= c.maxRetransmits {
		util.LogError("ping: no reply after %d attempts, the endpoint looks dead", c.pingAttempts)
		c.pingNonce = ""
		c.onPong = nil
		return nil
	}
	c.pingAttempts++
	pkt := protocol.NewPING(c.pingNonce)
	util.TracePacket("OUTGOING", pkt)
	return protocol.Serialize(pkt)
}

// handlePong matches a PING reply against the outstanding probe. A
// mismatched nonce is a failed liveness check, not an error.
func (c *Controller) handlePong(data []byte) {
	pkt, err := protocol.Parse(data)
	if err != nil {
		util.LogWarning("controller: dropping malformed PING: %v", err)
		return
	}
	util.TracePacket("INCOMING", pkt)

	c.mu.Lock()
	nonce := c.pingNonce
	onPong := c.onPong
	c.mu.Unlock()

	if nonce == "" {
		util.LogDebug("controller: unsolicited PING reply, ignoring")
		return
	}
	if pkt.Nonce != nonce {
		util.LogWarning("controller: PING reply nonce %q does not match %q", pkt.Nonce, nonce)
		return
	}

	c.mu.Lock()
	c.pingNonce = ""
	c.onPong = nil
	c.mu.Unlock()

	util.LogInfo("ping reply received, the tunnel endpoint is alive")
	if onPong != nil {
		onPong(pkt.Nonce)
	}
}
