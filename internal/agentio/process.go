package agentio

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/deepfates/haven/internal/acp"
)

// ErrClosed is returned by Send after the process has been killed or has
// exited.
var ErrClosed = errors.New("agent process closed")

// Process is one spawned agent subprocess. Frames go out on stdin under a
// send lock, frames come in via Recv, stderr is drained to the log, and
// Done closes exactly once when the process is gone.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames *FrameReader
	log    *slog.Logger

	sendMu  sync.Mutex
	closed  bool
	done    chan struct{}
	exitErr error
}

// Spawn starts the agent command through the shell with the given working
// directory. The command runs in its own process group so Kill can take
// down anything it forked.
func Spawn(command, cwd string, extraEnv []string, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %q: %w", command, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		frames: NewFrameReader(stdout, log),
		log:    log,
		done:   make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			log.Debug("agent stderr", "msg", scanner.Text())
		}
	}()

	go func() {
		err := cmd.Wait()
		p.sendMu.Lock()
		p.closed = true
		p.exitErr = err
		p.sendMu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// Send writes one frame followed by a newline. Concurrent senders are
// serialized so frames never interleave.
func (p *Process) Send(msg acp.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, err := p.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write agent stdin: %w", err)
	}
	return nil
}

// Recv blocks until the next well-formed frame or the stream ends.
// The read loop is the only caller.
func (p *Process) Recv() (*acp.Message, error) {
	return p.frames.Next()
}

// Done closes when the subprocess has exited for any reason.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the subprocess exit error, valid after Done closes.
func (p *Process) ExitErr() error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.exitErr
}

// Kill closes stdin and sends SIGKILL to the whole process group. Safe to
// call more than once and after exit.
func (p *Process) Kill() {
	p.sendMu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.sendMu.Unlock()

	_ = p.stdin.Close()
	if alreadyClosed {
		return
	}
	if p.cmd.Process != nil {
		// Negative pid addresses the process group set at spawn.
		if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.log.Warn("kill agent process group", "pid", p.cmd.Process.Pid, "error", err)
		}
	}
}
