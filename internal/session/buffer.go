package session

// outbuf holds bytes accepted from the local producer but not yet
// acknowledged by the peer. Its front sits at the session's current
// sequence number; acknowledged bytes are dropped from the front.
type outbuf struct {
	data []byte
}

// push appends bytes from the producer.
func (b *outbuf) push(p []byte) {
	b.data = append(b.data, p...)
}

// peek returns up to n bytes from the front without consuming them. The
// same bytes are returned again until advance moves past them (this is what
// makes retransmission of an unacknowledged chunk automatic).
func (b *outbuf) peek(n int) []byte {
	if n > len(b.data) {
		n = len(b.data)
	}
	return b.data[:n]
}

// advance drops n acknowledged bytes from the front.
func (b *outbuf) advance(n int) {
	b.data = b.data[n:]
}

// size returns the number of unacknowledged bytes held.
func (b *outbuf) size() int {
	return len(b.data)
}
