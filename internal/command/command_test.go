package command

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/fbion/dnscat2/internal/protocol"
	"github.com/fbion/dnscat2/internal/session"
)

// newAttached builds a processor on top of an established session, so
// responses can be read back out of the session's send queue.
func newAttached(t *testing.T) (*Processor, *session.Session) {
	t.Helper()
	p := NewProcessor()
	isn := uint16(0)
	s, err := session.New(0x0101, session.Config{IsCommand: true, ISN: &isn}, p)
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	s.NextPacket(1024) // SYN out
	if err := s.Handle(&protocol.Packet{Kind: protocol.KindSYN, Seq: 0}); err != nil {
		t.Fatalf("establishing session: %v", err)
	}
	p.Attach(s)
	return p, s
}

// mkFrame builds one request frame: length | request id | command id | body.
func mkFrame(requestID, commandID uint16, body []byte) []byte {
	frame := binary.BigEndian.AppendUint32(nil, uint32(4+len(body)))
	frame = binary.BigEndian.AppendUint16(frame, requestID)
	frame = binary.BigEndian.AppendUint16(frame, commandID)
	return append(frame, body...)
}

// takeResponse drains the session's queue, acknowledges it as the peer
// would, and parses one response frame.
func takeResponse(t *testing.T, s *session.Session) (requestID, commandID uint16, body []byte) {
	t.Helper()
	pkt := s.NextPacket(4096)
	data := pkt.Data
	if len(data) < 8 {
		t.Fatalf("queued response is %d bytes, want at least 8", len(data))
	}
	ack := &protocol.Packet{Kind: protocol.KindMSG, Seq: 0, Ack: pkt.Seq + uint16(len(data))}
	if err := s.Handle(ack); err != nil {
		t.Fatalf("acknowledging response: %v", err)
	}
	length := binary.BigEndian.Uint32(data[:4])
	if int(length) != len(data)-4 {
		t.Fatalf("frame length prefix %d does not match %d remaining bytes", length, len(data)-4)
	}
	return binary.BigEndian.Uint16(data[4:6]), binary.BigEndian.Uint16(data[6:8]), data[8:]
}

// TestPingEcho verifies a PING request is echoed back with the response
// flag set and the body untouched.
func TestPingEcho(t *testing.T) {
	p, s := newAttached(t)

	if err := p.Deliver(mkFrame(0x0001, CmdPing, []byte("are you there"))); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	requestID, commandID, body := takeResponse(t, s)
	if requestID != 0x0001|0x8000 {
		t.Errorf("Response request id is 0x%04x, want 0x8001", requestID)
	}
	if commandID != CmdPing {
		t.Errorf("Response command id is 0x%04x, want PING", commandID)
	}
	if !bytes.Equal(body, []byte("are you there")) {
		t.Errorf("Echo body mismatch: %q", body)
	}
}

// TestPartialFrames verifies a frame split across deliveries is processed
// only once it is complete, and multiple frames in one delivery all run.
func TestPartialFrames(t *testing.T) {
	p, s := newAttached(t)

	frame := mkFrame(0x0002, CmdPing, []byte("split"))
	if err := p.Deliver(frame[:5]); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if s.Pending() {
		t.Fatal("A partial frame produced a response")
	}
	if err := p.Deliver(frame[5:]); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if _, _, body := takeResponse(t, s); string(body) != "split" {
		t.Errorf("Echo body mismatch: %q", body)
	}

	// Two frames back to back in one delivery.
	double := append(mkFrame(0x0003, CmdPing, []byte("a")), mkFrame(0x0004, CmdPing, []byte("b"))...)
	if err := p.Deliver(double); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	pkt := s.NextPacket(4096)
	if got, want := len(pkt.Data), 2*(8+1); got != want {
		t.Errorf("Queued %d response bytes, want %d", got, want)
	}
}

// TestUnknownCommand verifies an unrecognized command id yields an ERROR
// response instead of tearing anything down.
func TestUnknownCommand(t *testing.T) {
	p, s := newAttached(t)

	if err := p.Deliver(mkFrame(0x0005, 0x7777, nil)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	_, commandID, body := takeResponse(t, s)
	if commandID != CmdError {
		t.Fatalf("Response command id is 0x%04x, want ERROR", commandID)
	}
	if len(body) < 3 || binary.BigEndian.Uint16(body[:2]) != 0x0001 {
		t.Errorf("ERROR body missing the failure status: %x", body)
	}
	if body[len(body)-1] != 0 {
		t.Error("ERROR message is not NUL-terminated")
	}
}

// TestResponsesIgnored verifies inbound frames with the response flag set
// are dropped silently.
func TestResponsesIgnored(t *testing.T) {
	p, s := newAttached(t)

	if err := p.Deliver(mkFrame(0x8001, CmdPing, []byte("x"))); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if s.Pending() {
		t.Error("A response frame was answered")
	}
}

// TestOversizedFrame verifies a corrupt length prefix is a fatal stream
// error rather than an unbounded buffer.
func TestOversizedFrame(t *testing.T) {
	p, _ := newAttached(t)

	huge := binary.BigEndian.AppendUint32(nil, maxFrameSize+1)
	if err := p.Deliver(huge); err == nil {
		t.Fatal("Expected an error for an oversized frame, got nil")
	}
}

// TestExecSpawn verifies SHELL/EXEC requests go through the NewSession
// callback and answer with the new session id.
func TestExecSpawn(t *testing.T) {
	p, s := newAttached(t)

	var gotName, gotCommand string
	p.NewSession = func(name, command string) (uint16, error) {
		gotName, gotCommand = name, command
		return 0xABCD, nil
	}

	body := append([]byte("uptime\x00"), []byte("uptime -p\x00")...)
	if err := p.Deliver(mkFrame(0x0006, CmdExec, body)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if gotName != "uptime" || gotCommand != "uptime -p" {
		t.Errorf("Callback got (%q, %q)", gotName, gotCommand)
	}
	_, commandID, respBody := takeResponse(t, s)
	if commandID != CmdExec {
		t.Errorf("Response command id is 0x%04x, want EXEC", commandID)
	}
	if len(respBody) != 2 || binary.BigEndian.Uint16(respBody) != 0xABCD {
		t.Errorf("Response body is %x, want the new session id", respBody)
	}

	// SHELL with no callback installed is an error, not a panic.
	p.NewSession = nil
	if err := p.Deliver(mkFrame(0x0007, CmdShell, []byte("sh\x00"))); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if _, commandID, _ := takeResponse(t, s); commandID != CmdError {
		t.Errorf("Expected an ERROR response, got command 0x%04x", commandID)
	}
}

// TestDelayAndShutdown verifies the control commands reach their callbacks.
func TestDelayAndShutdown(t *testing.T) {
	p, _ := newAttached(t)

	var gotDelay uint32
	shutdowns := 0
	p.SetDelay = func(ms uint32) { gotDelay = ms }
	p.Shutdown = func() { shutdowns++ }

	delayBody := binary.BigEndian.AppendUint32(nil, 2500)
	if err := p.Deliver(mkFrame(0x0008, CmdDelay, delayBody)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if gotDelay != 2500 {
		t.Errorf("SetDelay got %d, want 2500", gotDelay)
	}

	if err := p.Deliver(mkFrame(0x0009, CmdShutdown, nil)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if shutdowns != 1 {
		t.Errorf("Shutdown ran %d times, want 1", shutdowns)
	}
}

// TestDownloadUpload exercises the file transfer commands against a
// temporary directory.
func TestDownloadUpload(t *testing.T) {
	p, s := newAttached(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("file contents"), 0o644); err != nil {
		t.Fatalf("Writing fixture: %v", err)
	}

	if err := p.Deliver(mkFrame(0x000A, CmdDownload, []byte(src+"\x00"))); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if _, _, body := takeResponse(t, s); string(body) != "file contents" {
		t.Errorf("Download body mismatch: %q", body)
	}

	dst := filepath.Join(dir, "dst.txt")
	uploadBody := append([]byte(dst+"\x00"), []byte("pushed bytes")...)
	if err := p.Deliver(mkFrame(0x000B, CmdUpload, uploadBody)); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("Reading uploaded file: %v", err)
	}
	if string(got) != "pushed bytes" {
		t.Errorf("Uploaded contents mismatch: %q", got)
	}

	// Downloading a missing file is an ERROR response.
	if err := p.Deliver(mkFrame(0x000C, CmdDownload, []byte(filepath.Join(dir, "missing")+"\x00"))); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if _, commandID, _ := takeResponse(t, s); commandID != CmdError {
		t.Errorf("Expected an ERROR response, got command 0x%04x", commandID)
	}
}
