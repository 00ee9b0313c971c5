package cli

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Request
		wantErr bool
	}{
		{
			name: "plain",
			line: "reloadpool litecoin",
			want: Request{Command: "reloadpool", Params: []string{"litecoin"}, Options: map[string]string{}},
		},
		{
			name: "options",
			line: "  blocknotify litecoin abcd --source=zmq --force ",
			want: Request{Command: "blocknotify", Params: []string{"litecoin", "abcd"}, Options: map[string]string{"source": "zmq", "force": "true"}},
		},
		{
			name: "json",
			line: `{"command":"blocknotify","params":["litecoin","abcd"],"options":{"x":"y"}}`,
			want: Request{Command: "blocknotify", Params: []string{"litecoin", "abcd"}, Options: map[string]string{"x": "y"}},
		},
		{
			name: "json without options",
			line: `{"command":"status"}`,
			want: Request{Command: "status", Options: map[string]string{}},
		},
		{name: "empty", line: "   ", wantErr: true},
		{name: "bad json", line: `{"command":`, wantErr: true},
		{name: "json missing command", line: `{"params":[]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseLine() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

type recorder struct {
	mu   sync.Mutex
	reqs []Request
}

func (r *recorder) OnCommand(command string, params []string, options map[string]string, reply func(string)) {
	r.mu.Lock()
	r.reqs = append(r.reqs, Request{Command: command, Params: params, Options: options})
	r.mu.Unlock()

	// replies may come from another goroutine
	go reply(fmt.Sprintf("ok %s %s", command, strings.Join(params, ",")))
}

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", h)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestServerOneReplyPerLine(t *testing.T) {
	rec := &recorder{}
	s := startServer(t, rec)

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprint(conn, "reloadpool litecoin\n\n\n"+`{"command":"blocknotify","params":["litecoin","ff"]}`+"\n")

	r := bufio.NewReader(conn)
	want := []string{"ok reloadpool litecoin", "ok blocknotify litecoin,ff"}
	for _, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error: %v", err)
		}
		if got := strings.TrimSpace(line); got != w {
			t.Errorf("reply = %q, want %q", got, w)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.reqs) != 2 {
		t.Errorf("handled = %d, want 2", len(rec.reqs))
	}
}

func TestServerMalformedLine(t *testing.T) {
	s := startServer(t, &recorder{})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprint(conn, "{broken\n")
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error: %v", err)
	}
	if !strings.HasPrefix(line, "malformed command") {
		t.Errorf("reply = %q, want malformed command error", line)
	}
}

func TestSend(t *testing.T) {
	s := startServer(t, HandlerFunc(func(command string, params []string, options map[string]string, reply func(string)) {
		reply(command + ":" + options["k"])
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := Send(ctx, s.Addr().String(), Request{Command: "hello", Options: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got != "hello:v" {
		t.Errorf("Send() = %q, want hello:v", got)
	}
}

func TestStartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()

	s := NewServer(ln.Addr().String(), &recorder{})
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("Start() on a bound port should fail")
	}
}

func TestStopUnblocksPendingReply(t *testing.T) {
	s := startServer(t, HandlerFunc(func(string, []string, map[string]string, func(string)) {}))

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	fmt.Fprint(conn, "hang\n")
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if err := s.Start(context.Background()); err != ErrClosed {
		t.Errorf("Start() after Stop error = %v, want ErrClosed", err)
	}
}
