package lip

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// readBufferSize is the bufio buffer for inbound lines. LIP lines are
// short; 4KB leaves ample headroom for long scene reports.
const readBufferSize = 4096

// session owns one TCP connection to the controller and exposes the
// line-oriented read/write primitives the supervisor builds on.
//
// The session is single-use: the supervisor discards it on any transport
// failure and dials a fresh one, so no stale socket state survives a
// reconnect. Reads are only ever issued from the supervisor's read loop;
// writes may arrive concurrently from command submitters and the
// keepalive monitor and are serialized by writeMu.
type session struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// dialSession opens a TCP connection to addr within timeout.
// Refusal, unreachability, and DNS failures map to ErrConnectionFailed.
func dialSession(ctx context.Context, addr string, timeout time.Duration) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, addr, err)
	}

	return &session{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufferSize),
	}, nil
}

// login performs the prompt-driven handshake: wait for "login: ", send the
// username, wait for "password: ", send the password, then wait for the
// "GNET> " ready prompt. The whole exchange must complete within timeout.
//
// The caller closes the session on error; login itself leaves the socket
// untouched so close() remains the single release path.
func (s *session) login(username, password string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	if err := s.expectPrompt(PromptLogin, deadline); err != nil {
		return err
	}
	if err := s.writeLine(username); err != nil {
		return fmt.Errorf("%w: sending username: %w", ErrAuthenticationFailed, err)
	}
	if err := s.expectPrompt(PromptPassword, deadline); err != nil {
		return err
	}
	if err := s.writeLine(password); err != nil {
		return fmt.Errorf("%w: sending password: %w", ErrAuthenticationFailed, err)
	}
	if err := s.expectPrompt(PromptReady, deadline); err != nil {
		return err
	}
	return nil
}

// expectPrompt reads up to the next space-terminated token and verifies it
// matches the expected prompt literal. Controllers that reject credentials
// re-issue "login: " instead of the ready prompt, which surfaces here as a
// prompt mismatch.
func (s *session) expectPrompt(want string, deadline time.Time) error {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrAuthenticationFailed, err)
	}

	tok, err := s.reader.ReadString(' ')
	if err != nil {
		return fmt.Errorf("%w: waiting for %q: %w", ErrAuthenticationFailed, want, err)
	}

	// Telnet servers often lead with CRLF noise before a prompt.
	if !strings.HasPrefix(strings.TrimLeft(tok, "\r\n"), strings.TrimRight(want, " ")) {
		return fmt.Errorf("%w: expected %q, received %q", ErrAuthenticationFailed, want, tok)
	}
	return nil
}

// readLine blocks until one terminated line arrives or the deadline
// passes. The returned line retains its terminator; the codec strips it.
func (s *session) readLine(timeout time.Duration) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("%w: set deadline: %w", ErrConnectionClosed, err)
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "", ErrReadTimeout
		}
		return "", fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return line, nil
}

// writeLine writes a single line, appending CRLF if not already present.
// Concurrent writers are serialized so partial lines never interleave on
// the wire.
func (s *session) writeLine(line string) error {
	if !strings.HasSuffix(line, lineTerminator) {
		line += lineTerminator
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrConnectionClosed, err)
	}
	if _, err := s.conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("%w: write: %w", ErrConnectionClosed, err)
	}
	return nil
}

// close releases the socket. Idempotent; safe on every exit path,
// including mid-login failures.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
