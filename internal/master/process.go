package master

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/tos-network/pool-portal/internal/ipc"
	"github.com/tos-network/pool-portal/internal/util"
)

// ExecSpawner re-executes a binary in a child role. The bootstrap is the first
// line on the child's stdin; the child answers on descriptor 3.
type ExecSpawner struct {
	// Path of the executable, the running binary when empty.
	Path string
	// Args are passed before the role flags.
	Args []string
}

// Spawn starts one child.
func (s *ExecSpawner) Spawn(boot *ipc.Bootstrap) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = exe
	}

	args := append(append([]string{}, s.Args...), "-role", string(boot.Role), "-fork", strconv.Itoa(boot.ForkID))
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open child stdin: %w", err)
	}
	msgR, msgW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open child message pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{msgW}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		msgR.Close()
		msgW.Close()
		return nil, fmt.Errorf("failed to start %s fork %d: %w", boot.Role, boot.ForkID, err)
	}
	msgW.Close()

	p := &execProcess{
		cmd:  cmd,
		in:   ipc.NewWriter(stdin),
		msgs: make(chan ipc.Message),
	}
	if err := p.in.Write(boot); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		msgR.Close()
		return nil, fmt.Errorf("failed to send bootstrap: %w", err)
	}
	go p.read(msgR)
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	in   *ipc.Writer
	msgs chan ipc.Message

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) read(r *os.File) {
	defer close(p.msgs)
	defer r.Close()

	reader := ipc.NewReader(r)
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if _, ok := err.(*ipc.DecodeError); ok {
				util.Warnf("Malformed message from pid %d: %v", p.cmd.Process.Pid, err)
				continue
			}
			return
		}
		p.msgs <- msg
	}
}

func (p *execProcess) Send(msg ipc.Message) error {
	return p.in.Write(msg)
}

func (p *execProcess) Messages() <-chan ipc.Message {
	return p.msgs
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.in.Close()
	})
	return p.waitErr
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
