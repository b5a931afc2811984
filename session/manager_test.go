package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/reknottycat/Qwen3-Livetranslate/dashscope"
	"github.com/reknottycat/Qwen3-Livetranslate/frame"
)

var upgrader = websocket.Upgrader{}

func testConfig(t *testing.T, upstreamURL string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TranscriptDir = t.TempDir()
	cfg.Upstream = dashscope.Options{
		APIKey:         "test-key",
		BaseURL:        upstreamURL,
		ConnectTimeout: 2 * time.Second,
		Backoff: dashscope.Backoff{
			BaseDelay:   5 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    20 * time.Millisecond,
			MaxAttempts: 2,
		},
	}
	return cfg
}

// fakeTranslator accepts upstream connections, swallows the init message and
// idles until the test closes it.
func fakeTranslator(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// browserPair upgrades a loopback websocket and hands back both ends: the
// server side goes to Manager.Open, the dialer side plays the browser.
func browserPair(t *testing.T) (server, browser *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
		select {} // hold the handler so the hijacked conn stays up
	}))
	t.Cleanup(srv.CloseClientConnections)

	browser, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial browser pair: %v", err)
	}
	t.Cleanup(func() { browser.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("browser pair never upgraded")
	}
	return server, browser
}

func TestOpenFailsWhenUpstreamDown(t *testing.T) {
	srv, url := fakeTranslator(t)
	srv.Close() // nothing listening anymore

	server, _ := browserPair(t)
	m := NewManager(testConfig(t, url), log.New(os.Stderr))

	_, err := m.Open(context.Background(), server)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	if len(m.Sessions()) != 0 {
		t.Error("failed open left a session registered")
	}
}

func TestCloseIsIdempotentUnderConcurrency(t *testing.T) {
	srv, url := fakeTranslator(t)
	defer srv.Close()

	server, browser := browserPair(t)
	m := NewManager(testConfig(t, url), log.New(os.Stderr))

	sess, err := m.Open(context.Background(), server)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("state = %v, want active", sess.State())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close(frame.ReasonClientClosed)
		}()
	}
	wg.Wait()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never finished closing")
	}
	if sess.State() != StateClosed {
		t.Errorf("state = %v, want closed", sess.State())
	}
	if len(m.Sessions()) != 0 {
		t.Error("closed session still registered")
	}

	// Exactly one trailer line in the transcript.
	if n := countTrailers(t, sess.TranscriptPath()); n != 1 {
		t.Errorf("transcript has %d trailers, want 1", n)
	}

	// The browser was told why.
	reason, ok := readCloseReason(browser)
	if !ok || reason != frame.ReasonClientClosed {
		t.Errorf("browser close reason = %q (ok=%v)", reason, ok)
	}
}

func TestUpstreamExhaustionClosesSession(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()
		if !first {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Take the init message, then drop the connection to trigger the
		// reconnect path, which the handler above then starves.
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	server, browser := browserPair(t)
	m := NewManager(testConfig(t, "ws"+strings.TrimPrefix(srv.URL, "http")), log.New(os.Stderr))

	sess, err := m.Open(context.Background(), server)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after reconnect exhaustion")
	}

	reason, ok := readCloseReason(browser)
	if !ok || reason != frame.ReasonUpstreamUnavailable {
		t.Errorf("browser close reason = %q (ok=%v)", reason, ok)
	}
	if n := countTrailers(t, sess.TranscriptPath()); n != 1 {
		t.Errorf("transcript has %d trailers, want 1", n)
	}
}

func TestFailedOpenCreatesNoStorage(t *testing.T) {
	srv, url := fakeTranslator(t)
	srv.Close()

	server, _ := browserPair(t)
	cfg := testConfig(t, url)
	m := NewManager(cfg, log.New(os.Stderr))

	if _, err := m.Open(context.Background(), server); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}

	entries, err := os.ReadDir(cfg.TranscriptDir)
	if err != nil {
		t.Fatalf("read transcript dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("failed open left storage behind: %s", entries[0].Name())
	}
}

func TestSessionStaysActiveAcrossReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	drop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		switch n {
		case 1:
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.ReadMessage() // init
			<-drop
			conn.Close()
		case 2:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		default:
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.ReadMessage() // init
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"output":{"text":"好","source_text":"ok","finished":true}}`))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	server, browser := browserPair(t)
	m := NewManager(testConfig(t, "ws"+strings.TrimPrefix(srv.URL, "http")), log.New(os.Stderr))

	sess, err := m.Open(context.Background(), server)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close(frame.ReasonShutdown)

	if sess.State() != StateActive {
		t.Fatalf("state before outage = %v, want active", sess.State())
	}

	close(drop)
	if sess.State() != StateActive {
		t.Errorf("state during outage = %v, want active", sess.State())
	}

	// Attempt 1 is starved, attempt 2 succeeds and delivers a final; the
	// relay must still be forwarding it to the browser.
	text, turn, ok := readFinal(browser)
	if !ok {
		t.Fatal("no final received after reconnect")
	}
	if text != "好" || turn != 1 {
		t.Errorf("final = %q turn %d", text, turn)
	}

	if sess.State() != StateActive {
		t.Errorf("state after reconnect = %v, want active", sess.State())
	}
}

func TestSessionIDsAreUniquePerMillisecond(t *testing.T) {
	m := NewManager(DefaultConfig(), log.New(io.Discard))
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first := m.newID(now)
	m.sessions[first] = &Session{}
	second := m.newID(now)
	if first == second {
		t.Fatalf("duplicate id %q", first)
	}
	if !strings.HasPrefix(second, first) {
		t.Errorf("collision suffix changed the base: %q vs %q", first, second)
	}
}

// readFinal drains browser-bound frames until a final translation envelope.
func readFinal(browser *websocket.Conn) (text string, turn uint64, ok bool) {
	browser.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := browser.ReadMessage()
		if err != nil {
			return "", 0, false
		}
		var env struct {
			Type   string `json:"type"`
			Text   string `json:"text"`
			TurnID uint64 `json:"turn_id"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == "final" {
			return env.Text, env.TurnID, true
		}
	}
}

// readCloseReason drains browser-bound frames until the close envelope.
func readCloseReason(browser *websocket.Conn) (string, bool) {
	browser.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := browser.ReadMessage()
		if err != nil {
			return "", false
		}
		var env struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == "close" {
			return env.Reason, true
		}
	}
}

func countTrailers(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.Contains(sc.Text(), "closed_at") {
			n++
		}
	}
	return n
}
