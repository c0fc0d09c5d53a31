package pop3

import (
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/mailtools/pop3-to-pipe/model"
)

var (
	// ErrConnect marks failures to reach the server at all.
	ErrConnect = errors.New("pop3 connect failed")
	// ErrTLS marks failures during TLS negotiation.
	ErrTLS = errors.New("pop3 tls negotiation failed")
	// ErrAuth marks a rejected login (plain or APOP).
	ErrAuth = errors.New("pop3 authentication failed")
)

type Options struct {
	Host               string
	Port               int
	User               string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	UseAPOP            bool
}

// Session is one authenticated connection to a POP3 mailbox. Deletions
// requested with Dele are committed by Quit and discarded by Abort, per
// RFC 1939 update semantics.
type Session struct {
	tp     *textproto.Conn
	log    *slog.Logger
	banner string
	broken bool
}

// Dial connects, reads the greeting banner and authenticates.
func Dial(opts Options, log *slog.Logger) (*Session, error) {
	// Credentials end up verbatim on the command line; a CR or LF would
	// let a config value smuggle extra commands into the session.
	if strings.ContainsAny(opts.User, "\r\n") || strings.ContainsAny(opts.Password, "\r\n") {
		return nil, fmt.Errorf("%w: user or password contains a line break", ErrAuth)
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	var (
		nc  net.Conn
		err error
	)
	if opts.UseTLS {
		nc, err = tls.Dial("tcp", addr, &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrTLS, addr, err)
		}
	} else {
		nc, err = net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConnect, addr, err)
		}
	}

	s := &Session{
		tp:  textproto.NewConn(nc),
		log: log,
	}

	s.banner, err = s.readReplyLine()
	if err != nil {
		s.Abort()
		return nil, fmt.Errorf("%w: greeting: %v", ErrConnect, err)
	}

	if err := s.auth(opts); err != nil {
		s.Abort()
		return nil, err
	}

	if log != nil {
		log.Debug("pop3 session opened", "address", addr, "user", opts.User, "tls", opts.UseTLS, "apop", opts.UseAPOP)
	}
	return s, nil
}

func (s *Session) auth(opts Options) error {
	if opts.UseAPOP {
		timestamp := apopTimestamp(s.banner)
		if timestamp == "" {
			return fmt.Errorf("%w: server offers no APOP timestamp", ErrAuth)
		}
		sum := md5.Sum([]byte(timestamp + opts.Password))
		if _, err := s.transaction("APOP %s %s", opts.User, hex.EncodeToString(sum[:])); err != nil {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil
	}

	if _, err := s.transaction("USER %s", opts.User); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if _, err := s.transaction("PASS %s", opts.Password); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

// apopTimestamp extracts the RFC 1939 msg-id (<pid.clock@host>) from the
// greeting banner, empty if the server sent none.
func apopTimestamp(banner string) string {
	start := strings.IndexByte(banner, '<')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(banner[start:], '>')
	if end < 0 {
		return ""
	}
	return banner[start : start+end+1]
}

func (s *Session) transaction(format string, args ...any) (string, error) {
	if err := s.tp.PrintfLine(format, args...); err != nil {
		s.broken = true
		return "", err
	}
	reply, err := s.readReplyLine()
	if err != nil {
		return reply, err
	}
	return reply, nil
}

func (s *Session) readReplyLine() (string, error) {
	line, err := s.tp.ReadLine()
	if err != nil {
		s.broken = true
		return line, err
	}
	if strings.HasPrefix(line, "+OK") {
		return strings.TrimPrefix(line[3:], " "), nil
	}
	if strings.HasPrefix(line, "-ERR") {
		return "", fmt.Errorf("server error: %s", strings.TrimPrefix(line[4:], " "))
	}
	s.broken = true
	return "", fmt.Errorf("unexpected server reply: %q", line)
}

// Stat returns the message count and total mailbox size.
func (s *Session) Stat() (int, int64, error) {
	reply, err := s.transaction("STAT")
	if err != nil {
		return 0, 0, err
	}
	var count int
	var size int64
	if n, err := fmt.Sscanf(reply, "%d %d", &count, &size); n != 2 || err != nil {
		return 0, 0, fmt.Errorf("bad STAT reply %q", reply)
	}
	return count, size, nil
}

// Pending merges LIST and UIDL into the per-session pending view, ordered
// by server ordinal ascending. A server without UIDL support is an error:
// without stable identifiers no dedup decision is possible.
func (s *Session) Pending() ([]model.Remote, error) {
	sizes, err := s.listSizes()
	if err != nil {
		return nil, err
	}
	uids, err := s.listUIDs()
	if err != nil {
		return nil, err
	}

	pending := make([]model.Remote, 0, len(sizes))
	for seq, size := range sizes {
		uid, ok := uids[seq]
		if !ok {
			return nil, fmt.Errorf("server listed message %d without a unique id", seq)
		}
		pending = append(pending, model.Remote{Seq: seq, Size: size, UID: uid})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	return pending, nil
}

func (s *Session) listSizes() (map[int]int64, error) {
	if _, err := s.transaction("LIST"); err != nil {
		return nil, err
	}
	lines, err := s.tp.ReadDotLines()
	if err != nil {
		s.broken = true
		return nil, err
	}
	sizes := make(map[int]int64, len(lines))
	for _, line := range lines {
		var seq int
		var size int64
		if n, err := fmt.Sscanf(line, "%d %d", &seq, &size); n != 2 || err != nil {
			return nil, fmt.Errorf("bad LIST line %q", line)
		}
		sizes[seq] = size
	}
	return sizes, nil
}

func (s *Session) listUIDs() (map[int]string, error) {
	if _, err := s.transaction("UIDL"); err != nil {
		return nil, fmt.Errorf("server does not support UIDL: %w", err)
	}
	lines, err := s.tp.ReadDotLines()
	if err != nil {
		s.broken = true
		return nil, err
	}
	uids := make(map[int]string, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("bad UIDL line %q", line)
		}
		seq, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("bad UIDL line %q", line)
		}
		uids[seq] = fields[1]
	}
	return uids, nil
}

// Retr starts streaming the full body of one message. The returned reader
// is the dot-decoded byte stream; it must be drained before the session is
// used for anything else, and any read error poisons the whole session.
func (s *Session) Retr(seq int) (io.Reader, error) {
	if _, err := s.transaction("RETR %d", seq); err != nil {
		return nil, err
	}
	return s.tp.DotReader(), nil
}

// Dele requests deletion of one message. The request takes effect only if
// the session later ends with a successful Quit.
func (s *Session) Dele(seq int) error {
	_, err := s.transaction("DELE %d", seq)
	return err
}

// Quit commits pending deletions and closes the connection.
func (s *Session) Quit() error {
	if s.broken {
		// The stream already failed; QUIT cannot be trusted to reach the
		// server, let alone commit deletions.
		s.Abort()
		return fmt.Errorf("session already failed, deletions not committed")
	}
	if _, err := s.transaction("QUIT"); err != nil {
		s.Abort()
		return err
	}
	return s.tp.Close()
}

// Abort drops the connection without QUIT so pending deletions are
// discarded by the server.
func (s *Session) Abort() {
	_ = s.tp.Close()
}
