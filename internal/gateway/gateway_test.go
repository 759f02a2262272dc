package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/queuegate/internal/engine"
	"github.com/me/queuegate/internal/logging"
	"github.com/me/queuegate/pkg/model"
)

type fakeTicker struct {
	mu     sync.Mutex
	queues []string
	result model.TickResult
	panics bool
}

func (f *fakeTicker) Tick(_ context.Context, queue string, force bool) model.TickResult {
	if f.panics {
		panic("store exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, queue)
	return f.result
}

type recordingTrigger struct {
	mu     sync.Mutex
	queue  string
	delay  time.Duration
	called bool
}

func (r *recordingTrigger) Schedule(_ context.Context, queue string, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue, r.delay, r.called = queue, delay, true
	return nil
}

// backendRecorder is a fake backend app recording what reaches it.
type backendRecorder struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func newBackend(t *testing.T) (*backendRecorder, *httptest.Server) {
	t.Helper()
	rec := &backendRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, r)
		rec.bodies = append(rec.bodies, string(body))
		rec.mu.Unlock()

		switch r.URL.Path {
		case "/redirect":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		default:
			w.Header().Set("X-Backend", "streamlit")
			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("backend says " + r.Method + " " + r.URL.RequestURI()))
		}
	}))
	t.Cleanup(srv.Close)
	return rec, srv
}

func (b *backendRecorder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func newTestGateway(t *testing.T, backendAddr string, tk *fakeTicker, trig *recordingTrigger) *httptest.Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BackendAddr = backendAddr
	cfg.DefaultQueue = "mmm"
	cfg.DialTimeout = time.Second
	cfg.TunnelIdleTimeout = 5 * time.Second
	if tk == nil {
		tk = &fakeTicker{}
	}
	var g *Gateway
	if trig == nil {
		g = New(cfg, tk, nil, logging.Discard())
	} else {
		g = New(cfg, tk, trig, logging.Discard())
	}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   Kind
	}{
		{"plain", "/", nil, KindHTTP},
		{"tick", "/?queue_tick=1", nil, KindTick},
		{"tick wins over upgrade", "/?queue_tick=1", map[string]string{"Upgrade": "websocket"}, KindTick},
		{"tick flag must be 1", "/?queue_tick=true", nil, KindHTTP},
		{"upgrade header", "/_stcore/stream", map[string]string{"Upgrade": "websocket"}, KindUpgrade},
		{"connection upgrade", "/", map[string]string{"Connection": "keep-alive, Upgrade"}, KindUpgrade},
		{"connection close", "/", map[string]string{"Connection": "close"}, KindHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := Classify(r); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsAuthBypass(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"/?queue_tick=1", true},
		{"/?health=true", true},
		{"/?health=1", false},
		{"/?queue_tick=0", false},
		{"/", false},
	}
	for _, tt := range tests {
		if got := IsAuthBypass(httptest.NewRequest("GET", tt.target, nil)); got != tt.want {
			t.Errorf("IsAuthBypass(%s) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestTick_NeverReachesBackend(t *testing.T) {
	backend, bsrv := newBackend(t)
	tk := &fakeTicker{result: model.TickResult{OK: true, Message: "Launched", Changed: true}}
	trig := &recordingTrigger{}
	gw := newTestGateway(t, hostOf(bsrv), tk, trig)

	resp, err := http.Get(gw.URL + "/?queue_tick=1&name=mmm")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := resp.Header.Get(NextActionHeader); got != "delayed" {
		t.Errorf("%s = %q, want delayed", NextActionHeader, got)
	}
	var res model.TickResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res != tk.result {
		t.Errorf("result = %+v, want %+v", res, tk.result)
	}
	if backend.count() != 0 {
		t.Errorf("backend saw %d requests, want 0", backend.count())
	}
	if !trig.called || trig.queue != "mmm" || trig.delay != DefaultConfig().PollDelay {
		t.Errorf("trigger = %+v, want mmm after poll delay", trig)
	}
}

func TestTick_DefaultQueueAndIdle(t *testing.T) {
	tk := &fakeTicker{result: model.TickResult{OK: true, Message: "empty queue"}}
	trig := &recordingTrigger{}
	gw := newTestGateway(t, "127.0.0.1:1", tk, trig)

	resp, err := http.Get(gw.URL + "/?queue_tick=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if len(tk.queues) != 1 || tk.queues[0] != "mmm" {
		t.Errorf("ticked %v, want [mmm]", tk.queues)
	}
	if got := resp.Header.Get(NextActionHeader); got != "none" {
		t.Errorf("%s = %q, want none", NextActionHeader, got)
	}
	if trig.called {
		t.Error("idle result must not arm the trigger")
	}
}

func TestTick_UnknownQueueArmsNothing(t *testing.T) {
	_, bsrv := newBackend(t)
	tk := &fakeTicker{result: model.TickResult{OK: false, Message: engine.MsgQueueNotFound}}
	trig := &recordingTrigger{}
	gw := newTestGateway(t, hostOf(bsrv), tk, trig)

	for _, name := range []string{"nope", "also-nope"} {
		resp, err := http.Get(gw.URL + "/?queue_tick=1&name=" + name)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		if got := resp.Header.Get(NextActionHeader); got != "none" {
			t.Errorf("%s = %q, want none", NextActionHeader, got)
		}
	}

	trig.mu.Lock()
	defer trig.mu.Unlock()
	if trig.called {
		t.Errorf("trigger armed for %q, want nothing armed", trig.queue)
	}
}

func TestTick_PanicIs500JSON(t *testing.T) {
	gw := newTestGateway(t, "127.0.0.1:1", &fakeTicker{panics: true}, nil)

	for i := 0; i < 2; i++ {
		resp, err := http.Get(gw.URL + "/?queue_tick=1")
		if err != nil {
			t.Fatal(err)
		}
		var body model.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", resp.StatusCode)
		}
		if body.Error != "store exploded" {
			t.Errorf("error = %q", body.Error)
		}
	}
}

func TestForward_PostBodyOnce(t *testing.T) {
	backend, bsrv := newBackend(t)
	gw := newTestGateway(t, hostOf(bsrv), nil, nil)

	req, _ := http.NewRequest("POST", gw.URL+"/upload?x=1", strings.NewReader("payload-bytes"))
	req.Header.Set("X-Custom", "kept")
	req.Header.Set(AuthBypassHeader, "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want 418", resp.StatusCode)
	}
	if string(body) != "backend says POST /upload?x=1" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("X-Backend") != "streamlit" {
		t.Error("backend header not copied")
	}
	if !resp.Close && resp.Header.Get("Connection") != "close" {
		t.Error("response should carry Connection: close")
	}

	if backend.count() != 1 {
		t.Fatalf("backend saw %d requests, want 1", backend.count())
	}
	got := backend.requests[0]
	if backend.bodies[0] != "payload-bytes" {
		t.Errorf("backend body = %q", backend.bodies[0])
	}
	if got.Header.Get("X-Custom") != "kept" {
		t.Error("X-Custom not forwarded")
	}
	if got.Header.Get(AuthBypassHeader) != "" {
		t.Error("client-supplied bypass header must be stripped")
	}
	if got.Host != hostOf(bsrv) {
		t.Errorf("backend Host = %q, want %q", got.Host, hostOf(bsrv))
	}
}

func TestForward_HealthBypass(t *testing.T) {
	backend, bsrv := newBackend(t)
	gw := newTestGateway(t, hostOf(bsrv), nil, nil)

	resp, err := http.Get(gw.URL + "/_stcore/health?health=true")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if backend.count() != 1 {
		t.Fatalf("backend saw %d requests, want 1", backend.count())
	}
	if backend.requests[0].Header.Get(AuthBypassHeader) != "1" {
		t.Error("health probe should carry the bypass header")
	}
}

func TestForward_RedirectNotFollowed(t *testing.T) {
	backend, bsrv := newBackend(t)
	gw := newTestGateway(t, hostOf(bsrv), nil, nil)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(gw.URL + "/redirect")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302", resp.StatusCode)
	}
	if backend.count() != 1 {
		t.Errorf("backend saw %d requests, want 1", backend.count())
	}
}

func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestForward_BackendDown(t *testing.T) {
	gw := newTestGateway(t, deadAddr(t), nil, nil)

	resp, err := http.Get(gw.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestUpgrade_BackendDown(t *testing.T) {
	gw := newTestGateway(t, deadAddr(t), nil, nil)

	req, _ := http.NewRequest("GET", gw.URL+"/_stcore/stream", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

// echoBackend accepts one connection, answers the upgrade and echoes
// everything after it.
func echoBackend(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	heads := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		br := bufio.NewReader(conn)
		var head strings.Builder
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			head.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		heads <- head.String()

		io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
		io.Copy(conn, br)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	return ln.Addr().String(), heads
}

func TestUpgrade_EchoThroughTunnel(t *testing.T) {
	addr, heads := echoBackend(t)
	gw := newTestGateway(t, addr, nil, nil)

	conn, err := net.Dial("tcp", hostOf(gw))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Early frame bytes share the write with the handshake, so the gateway's
	// HTTP server has them buffered before the hijack.
	handshake := "GET /_stcore/stream?x=1 HTTP/1.1\r\n" +
		"Host: app.example.com\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		AuthBypassHeader + ": 1\r\n" +
		"\r\n"
	if _, err := io.WriteString(conn, handshake+"early"); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read upgrade response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	head := <-heads
	if !strings.HasPrefix(head, "GET /_stcore/stream?x=1 HTTP/1.1\r\n") {
		t.Errorf("request line not replayed: %q", head)
	}
	if !strings.Contains(head, "Host: app.example.com\r\n") {
		t.Errorf("Host not replayed: %q", head)
	}
	if !strings.Contains(head, "Sec-Websocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n") {
		t.Errorf("headers not replayed: %q", head)
	}
	if strings.Contains(head, AuthBypassHeader) {
		t.Errorf("client bypass header reached backend: %q", head)
	}

	msg := []byte{0x81, 0x05, 'h', 'e', 'l', 'l', 'o', 0x00, 0xff}
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}

	want := append([]byte("early"), msg...)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("echo = %q, want %q", got, want)
	}

	// Half-close: the backend sees EOF, finishes, and the tunnel closes.
	conn.(*net.TCPConn).CloseWrite()
	if rest, err := io.ReadAll(br); err != nil || len(rest) != 0 {
		t.Errorf("after close: rest=%q err=%v", rest, err)
	}
}

func TestTunnel_IdleTeardown(t *testing.T) {
	// Backend that accepts the upgrade and then never speaks.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	cfg := DefaultConfig()
	cfg.BackendAddr = ln.Addr().String()
	cfg.TunnelIdleTimeout = 100 * time.Millisecond
	g := New(cfg, &fakeTicker{}, nil, logging.Discard())
	gw := httptest.NewServer(g)
	defer gw.Close()

	conn, err := net.Dial("tcp", hostOf(gw))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	start := time.Now()
	_, err = io.ReadAll(conn)
	if err != nil {
		t.Fatalf("tunnel was not torn down: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("torn down after %v, before the idle timeout", elapsed)
	}
}
