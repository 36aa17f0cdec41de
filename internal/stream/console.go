// Package stream provides the local front ends that produce and consume a
// session's byte stream: the interactive console and wrapped processes.
// The tunnel core treats them purely as byte producers/consumers.
package stream

import (
	"io"
	"os"

	"github.com/fbion/dnscat2/internal/session"
	"github.com/fbion/dnscat2/internal/util"
)

// readBufferSize is how much a front end reads from its source per call.
const readBufferSize = 4 * 1024

// Console bridges a session to stdin/stdout.
type Console struct {
	in  io.Reader
	out io.Writer
}

// NewConsole creates a console front end over the process's stdin/stdout.
func NewConsole() *Console {
	return &Console{in: os.Stdin, out: os.Stdout}
}

// Attach starts pumping local input into the session. Call once, after the
// session is registered.
func (c *Console) Attach(s *session.Session) {
	go pump(c.in, s, "console")
}

// Deliver writes received tunnel bytes to stdout.
func (c *Console) Deliver(data []byte) error {
	_, err := c.out.Write(data)
	return err
}

// Closed reports the session teardown to the operator.
func (c *Console) Closed(reason string) {
	util.LogWarning("console session closed: %s", reason)
}

// pump reads from src until EOF or error, queuing everything on the
// session. Shared by the console and exec front ends.
func pump(src io.Reader, s *session.Session, name string) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if sendErr := s.Send(buf[:n]); sendErr != nil {
				util.LogDebug("%s: session no longer accepts data: %v", name, sendErr)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				util.LogWarning("%s: read error: %v", name, err)
			}
			s.Close(name + " input closed")
			return
		}
	}
}
