// Package ipc carries typed messages between the supervisor and its forks.
// Every message is one JSON object per line.
package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tos-network/pool-portal/internal/config"
)

// Message types
const (
	TypeReloadPool  = "reloadpool"
	TypeBlockNotify = "blocknotify"
	TypeBanIP       = "banIP"
)

// ChildMessageFD is the descriptor a child writes supervisor-bound messages to.
const ChildMessageFD = 3

const maxLine = 16 << 20

// ErrClosed is returned by a Writer after Close.
var ErrClosed = errors.New("ipc: writer closed")

// Message is one supervisor/worker message
type Message struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	Hash string `json:"hash,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// Role of a supervised process
type Role string

const (
	RoleMaster   Role = "master"
	RoleWorker   Role = "worker"
	RolePayments Role = "payments"
	RoleServer   Role = "server"
)

// Valid reports whether r names a child role.
func (r Role) Valid() bool {
	switch r {
	case RoleWorker, RolePayments, RoleServer:
		return true
	}
	return false
}

// Bootstrap is the structured configuration a child receives at start.
type Bootstrap struct {
	Role   Role                          `json:"role"`
	ForkID int                           `json:"forkId"`
	Portal *config.Config                `json:"portal"`
	Pools  map[string]*config.PoolConfig `json:"pools"`
}

// Validate checks the bootstrap once at the process boundary.
func (b *Bootstrap) Validate() error {
	if !b.Role.Valid() {
		return fmt.Errorf("invalid role %q", b.Role)
	}
	if b.ForkID < 0 {
		return fmt.Errorf("invalid fork id %d", b.ForkID)
	}
	if b.Portal == nil {
		return fmt.Errorf("portal config is required")
	}
	if err := b.Portal.Validate(); err != nil {
		return fmt.Errorf("portal config: %w", err)
	}
	if b.Role == RoleWorker && len(b.Pools) == 0 {
		return fmt.Errorf("worker needs at least one pool")
	}
	for name, p := range b.Pools {
		if p == nil || p.Coin.Name != name {
			return fmt.Errorf("pool %q is malformed", name)
		}
	}
	return nil
}

// Writer encodes values as JSON lines. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewWriter creates a Writer over w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes v as one line.
func (w *Writer) Write(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	_, err = w.w.Write(b)
	return err
}

// Close marks the writer closed and closes the underlying writer if it can be.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// DecodeError reports a line that could not be decoded.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ipc: malformed message %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reader decodes JSON lines.
type Reader struct {
	s *bufio.Scanner
}

// NewReader creates a Reader over r
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLine)
	return &Reader{s: s}
}

// Read decodes the next line into v. It returns io.EOF at end of stream.
func (r *Reader) Read(v interface{}) error {
	for r.s.Scan() {
		line := r.s.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return &DecodeError{Line: string(line), Err: err}
		}
		return nil
	}
	if err := r.s.Err(); err != nil {
		return err
	}
	return io.EOF
}

// ReadMessage decodes the next Message.
func (r *Reader) ReadMessage() (Message, error) {
	var m Message
	err := r.Read(&m)
	return m, err
}

// Child is the child side of the supervisor link.
type Child struct {
	Bootstrap *Bootstrap
	in        *Reader
	out       *Writer
}

// Attach reads and validates the bootstrap from in and returns the link.
func Attach(in io.Reader, out io.Writer) (*Child, error) {
	r := NewReader(in)
	var boot Bootstrap
	if err := r.Read(&boot); err != nil {
		return nil, fmt.Errorf("error reading bootstrap: %w", err)
	}
	if err := boot.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bootstrap: %w", err)
	}
	return &Child{Bootstrap: &boot, in: r, out: NewWriter(out)}, nil
}

// AttachStdio attaches over stdin and the inherited message descriptor.
func AttachStdio() (*Child, error) {
	out := os.NewFile(ChildMessageFD, "ipc")
	if out == nil {
		return nil, fmt.Errorf("ipc descriptor %d is not open", ChildMessageFD)
	}
	return Attach(os.Stdin, out)
}

// Send sends a message to the supervisor.
func (c *Child) Send(m Message) error {
	return c.out.Write(m)
}

// Messages streams supervisor messages until the link closes. Malformed lines
// are reported through onError and skipped.
func (c *Child) Messages(onError func(error)) <-chan Message {
	ch := make(chan Message)
	go func() {
		defer close(ch)
		for {
			m, err := c.in.ReadMessage()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if onError != nil {
					onError(err)
				}
				var decodeErr *DecodeError
				if errors.As(err, &decodeErr) {
					continue
				}
				return
			}
			ch <- m
		}
	}()
	return ch
}
