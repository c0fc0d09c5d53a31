package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mailtools/pop3-to-pipe/config"
	"github.com/mailtools/pop3-to-pipe/ledger"
	"github.com/mailtools/pop3-to-pipe/model"
	"github.com/mailtools/pop3-to-pipe/stats"
)

// testPOP3Server is a minimal plain-auth server speaking just enough of
// the protocol for an end-to-end run: STAT, LIST, UIDL, RETR, DELE and
// QUIT. Message bodies use CRLF line endings like a real server.
type testPOP3Server struct {
	ln net.Listener

	mu       sync.Mutex
	messages []testMessage
	conns    int
}

type testMessage struct {
	uid  string
	body string
}

func newTestPOP3Server(t *testing.T, messages []testMessage) *testPOP3Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &testPOP3Server{ln: ln, messages: messages}
	go srv.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (s *testPOP3Server) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *testPOP3Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *testPOP3Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *testPOP3Server) handle(conn net.Conn) {
	defer conn.Close()
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	tp := textproto.NewConn(conn)

	_ = tp.PrintfLine("+OK test server ready")

	deleted := make(map[int]bool)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")

		s.mu.Lock()
		msgs := s.messages
		s.mu.Unlock()

		switch strings.ToUpper(verb) {
		case "USER", "PASS":
			_ = tp.PrintfLine("+OK")
		case "STAT":
			_ = tp.PrintfLine("+OK %d 0", len(msgs))
		case "LIST":
			_ = tp.PrintfLine("+OK")
			for i, m := range msgs {
				_ = tp.PrintfLine("%d %d", i+1, len(m.body))
			}
			_ = tp.PrintfLine(".")
		case "UIDL":
			_ = tp.PrintfLine("+OK")
			for i, m := range msgs {
				_ = tp.PrintfLine("%d %s", i+1, m.uid)
			}
			_ = tp.PrintfLine(".")
		case "RETR":
			var seq int
			_, _ = fmt.Sscanf(arg, "%d", &seq)
			if seq < 1 || seq > len(msgs) {
				_ = tp.PrintfLine("-ERR no such message")
				continue
			}
			_ = tp.PrintfLine("+OK")
			dw := tp.DotWriter()
			_, _ = dw.Write([]byte(msgs[seq-1].body))
			_ = dw.Close()
		case "DELE":
			var seq int
			_, _ = fmt.Sscanf(arg, "%d", &seq)
			deleted[seq] = true
			_ = tp.PrintfLine("+OK")
		case "QUIT":
			if len(deleted) > 0 {
				s.mu.Lock()
				var kept []testMessage
				for i, m := range s.messages {
					if !deleted[i+1] {
						kept = append(kept, m)
					}
				}
				s.messages = kept
				s.mu.Unlock()
			}
			_ = tp.PrintfLine("+OK bye")
			return
		default:
			_ = tp.PrintfLine("-ERR unknown command")
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T, accounts []model.Account) config.Config {
	t.Helper()
	return config.Config{
		LedgerPath: filepath.Join(t.TempDir(), "ledger.db"),
		LogLevel:   "error",
		Accounts:   accounts,
	}
}

func serverAccount(srv *testPOP3Server, command string) model.Account {
	return model.Account{
		Host:     "127.0.0.1",
		User:     "alice",
		Password: "secret",
		Port:     srv.port(),
		Command:  command,
	}
}

func TestRunDeliversAndRecords(t *testing.T) {
	srv := newTestPOP3Server(t, []testMessage{
		{uid: "uid-1", body: "Subject: one\r\n\r\nfirst\r\n"},
		{uid: "uid-2", body: "Subject: two\r\n\r\nsecond\r\n"},
	})

	outDir := t.TempDir()
	outFile := filepath.Join(outDir, "delivered")
	account := serverAccount(srv, fmt.Sprintf("cat >> %s", outFile))

	cfg := testConfig(t, []model.Account{account})

	r, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var delivered int
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		for evt := range events {
			if evt.Type == stats.EventTypeDelivered {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}
		return nil
	})

	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	got := delivered
	mu.Unlock()
	if got != 2 {
		t.Errorf("delivered events = %d, want 2", got)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	for _, want := range []string{"first\n", "second\n"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("output missing %q:\n%s", want, data)
		}
	}
	if strings.Contains(string(data), "\r\n") {
		t.Errorf("output still carries CRLF line endings:\n%q", data)
	}
}

func TestSecondRunDeliversNothing(t *testing.T) {
	srv := newTestPOP3Server(t, []testMessage{
		{uid: "uid-1", body: "Subject: one\r\n\r\nfirst\r\n"},
	})

	outFile := filepath.Join(t.TempDir(), "delivered")
	account := serverAccount(srv, fmt.Sprintf("cat >> %s", outFile))
	cfg := testConfig(t, []model.Account{account})

	for i := 0; i < 2; i++ {
		r, err := New(context.Background(), cfg, testLogger())
		if err != nil {
			t.Fatalf("New (run %d): %v", i+1, err)
		}
		if err := r.Run(); err != nil {
			t.Fatalf("Run (run %d): %v", i+1, err)
		}
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := strings.Count(string(data), "first"); got != 1 {
		t.Errorf("message delivered %d times across two runs, want exactly 1", got)
	}
}

func TestAccountFailureDoesNotStopOthers(t *testing.T) {
	srv := newTestPOP3Server(t, []testMessage{
		{uid: "uid-1", body: "Subject: one\r\n\r\nfirst\r\n"},
	})

	// A listener that is closed immediately yields a connect failure for
	// the first account without touching a real remote host.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadPort := dead.Addr().(*net.TCPAddr).Port
	_ = dead.Close()

	outFile := filepath.Join(t.TempDir(), "delivered")
	broken := model.Account{Host: "127.0.0.1", User: "bob", Password: "x", Port: deadPort, Command: "cat > /dev/null"}
	working := serverAccount(srv, fmt.Sprintf("cat >> %s", outFile))

	cfg := testConfig(t, []model.Account{broken, working})

	r, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Run(); err != nil {
		t.Fatalf("Run should isolate per-account failures, got %v", err)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("working account was not processed: %v", err)
	}
	if !strings.Contains(string(data), "first") {
		t.Errorf("working account output missing message body:\n%s", data)
	}
}

func TestDeleteModeRemovesFromServer(t *testing.T) {
	srv := newTestPOP3Server(t, []testMessage{
		{uid: "uid-1", body: "Subject: one\r\n\r\nfirst\r\n"},
		{uid: "uid-2", body: "Subject: two\r\n\r\nsecond\r\n"},
	})

	outFile := filepath.Join(t.TempDir(), "delivered")
	account := serverAccount(srv, fmt.Sprintf("cat >> %s", outFile))
	cfg := testConfig(t, []model.Account{account})
	cfg.Delete = true

	r, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		srv.mu.Lock()
		left := len(srv.messages)
		srv.mu.Unlock()
		if left == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d messages still on server after delete run", left)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLedgerFailureStopsRun(t *testing.T) {
	srv1 := newTestPOP3Server(t, []testMessage{
		{uid: "uid-1", body: "Subject: one\r\n\r\nfirst\r\n"},
	})
	srv2 := newTestPOP3Server(t, []testMessage{
		{uid: "uid-2", body: "Subject: two\r\n\r\nsecond\r\n"},
	})

	cfg := testConfig(t, []model.Account{
		serverAccount(srv1, "cat > /dev/null"),
		serverAccount(srv2, "cat > /dev/null"),
	})

	r, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Kill the backing store before any account runs. Every ledger call
	// now fails, which must end the run instead of being retried against
	// the remaining accounts.
	if err := r.Store().Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	err = r.Run()
	if err == nil {
		t.Fatal("Run must fail when the ledger store is gone")
	}
	if !errors.Is(err, ledger.ErrStorage) {
		t.Fatalf("Run = %v, want a ledger storage error", err)
	}
	if got := srv2.connCount(); got != 0 {
		t.Errorf("second account was contacted %d times after the ledger died, want 0", got)
	}
}

func TestInterruptReturnsCanceled(t *testing.T) {
	srv := newTestPOP3Server(t, []testMessage{
		{uid: "uid-1", body: "Subject: one\r\n\r\nfirst\r\n"},
	})

	account := serverAccount(srv, "cat > /dev/null")
	cfg := testConfig(t, []model.Account{account})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := New(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Run(); err == nil {
		t.Fatal("Run on a cancelled context must not report success")
	}
}
