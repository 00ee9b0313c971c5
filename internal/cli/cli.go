// Package cli implements the line-oriented control channel of the master.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tos-network/pool-portal/internal/util"
)

// ErrClosed is returned by Start after Stop.
var ErrClosed = errors.New("cli: listener closed")

// Request is one control command
type Request struct {
	Command string            `json:"command"`
	Params  []string          `json:"params"`
	Options map[string]string `json:"options"`
}

// Handler executes control commands. reply must be called exactly once.
type Handler interface {
	OnCommand(command string, params []string, options map[string]string, reply func(string))
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(command string, params []string, options map[string]string, reply func(string))

// OnCommand calls f
func (f HandlerFunc) OnCommand(command string, params []string, options map[string]string, reply func(string)) {
	f(command, params, options, reply)
}

// ParseLine parses either the JSON form or "command p1 p2 --key=value".
func ParseLine(line string) (Request, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Request{}, fmt.Errorf("empty command")
	}

	if strings.HasPrefix(line, "{") {
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return Request{}, fmt.Errorf("malformed command: %w", err)
		}
		if req.Command == "" {
			return Request{}, fmt.Errorf("missing command")
		}
		if req.Options == nil {
			req.Options = map[string]string{}
		}
		return req, nil
	}

	fields := strings.Fields(line)
	req := Request{Command: fields[0], Options: map[string]string{}}
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "--") {
			kv := strings.SplitN(strings.TrimPrefix(f, "--"), "=", 2)
			if len(kv) == 2 {
				req.Options[kv[0]] = kv[1]
			} else {
				req.Options[kv[0]] = "true"
			}
			continue
		}
		req.Params = append(req.Params, f)
	}
	return req, nil
}

// Server accepts control connections
type Server struct {
	bind    string
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a control channel server
func NewServer(bind string, handler Handler) *Server {
	return &Server{
		bind:    bind,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		quit:    make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.bind)
	if err != nil {
		return fmt.Errorf("cli listen on %s: %w", s.bind, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	util.Infof("CLI listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all connections
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.quit)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				util.Errorf("CLI accept error: %v", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		req, err := ParseLine(line)
		if err != nil {
			if _, werr := fmt.Fprintf(conn, "%v\n", err); werr != nil {
				return
			}
			continue
		}

		util.Infof("CLI command received: %s", req.Command)

		done := make(chan string, 1)
		var once sync.Once
		s.handler.OnCommand(req.Command, req.Params, req.Options, func(msg string) {
			once.Do(func() { done <- msg })
		})
		var msg string
		select {
		case msg = <-done:
		case <-s.quit:
			return
		}
		if _, err := fmt.Fprintf(conn, "%s\n", strings.ReplaceAll(msg, "\n", " ")); err != nil {
			return
		}
	}
}

// Send dials a control channel, sends one request and returns the reply line.
func Send(ctx context.Context, addr string, req Request) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if req.Options == nil {
		req.Options = map[string]string{}
	}
	if req.Params == nil {
		req.Params = []string{}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}
