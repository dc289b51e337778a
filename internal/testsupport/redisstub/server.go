// Package redisstub serves the small subset of the Redis protocol that the
// cache and rate limiter speak, including WATCH/MULTI/EXEC. It is only meant
// for tests.
package redisstub

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	// exec serializes commands so EXEC runs its queue without interleaving.
	exec sync.Mutex

	mu        sync.Mutex
	kv        map[string]*entry
	revisions map[string]uint64
	commands  map[string]int
	closed    chan struct{}
}

// session is the per-connection state of AUTH and MULTI/EXEC.
type session struct {
	authenticated bool
	watched       map[string]uint64
	queued        [][]string
	multi         bool
}

type entry struct {
	value  string
	expiry time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:      opts,
		listener:  ln,
		addr:      ln.Addr().String(),
		kv:        make(map[string]*entry),
		revisions: make(map[string]uint64),
		commands:  make(map[string]int),
		closed:    make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Close stops accepting connections. Open connections fail on their next
// command.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// Value returns the live value stored under key.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		return "", false
	}
	return e.value, true
}

// TTL returns the remaining lifetime of key, or zero when it has none.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil || e.expiry.IsZero() {
		return 0
	}
	return time.Until(e.expiry)
}

// Calls reports how many times cmd was received.
func (s *Server) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	sess := &session{authenticated: s.opts.Password == ""}
	for {
		args, err := readArray(reader)
		if err != nil || s.isClosed() {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands[cmd]++
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "HELLO":
			// RESP2 only; clients fall back to AUTH.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			werr = writeSimpleString(writer, "OK")
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			switch {
			case len(args) < 2 || len(args) > 3:
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			case s.opts.Password == "" || password == s.opts.Password:
				sess.authenticated = true
				werr = writeSimpleString(writer, "OK")
			default:
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !sess.authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.transaction(writer, sess, cmd, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) transaction(w *bufio.Writer, sess *session, cmd string, args []string) error {
	switch cmd {
	case "WATCH":
		if sess.multi {
			return writeError(w, "ERR WATCH inside MULTI is not allowed")
		}
		if sess.watched == nil {
			sess.watched = make(map[string]uint64)
		}
		s.mu.Lock()
		for _, key := range args[1:] {
			sess.watched[key] = s.revisions[key]
		}
		s.mu.Unlock()
		return writeSimpleString(w, "OK")
	case "UNWATCH":
		sess.watched = nil
		return writeSimpleString(w, "OK")
	case "MULTI":
		if sess.multi {
			return writeError(w, "ERR MULTI calls can not be nested")
		}
		sess.multi = true
		return writeSimpleString(w, "OK")
	case "DISCARD":
		if !sess.multi {
			return writeError(w, "ERR DISCARD without MULTI")
		}
		sess.multi, sess.queued, sess.watched = false, nil, nil
		return writeSimpleString(w, "OK")
	case "EXEC":
		if !sess.multi {
			return writeError(w, "ERR EXEC without MULTI")
		}
		queued, watched := sess.queued, sess.watched
		sess.multi, sess.queued, sess.watched = false, nil, nil
		return s.execute(w, queued, watched)
	}
	if sess.multi {
		sess.queued = append(sess.queued, args)
		return writeSimpleString(w, "QUEUED")
	}
	s.exec.Lock()
	defer s.exec.Unlock()
	return s.dispatch(w, cmd, args[1:])
}

// execute replies with a nil array when a watched key changed.
func (s *Server) execute(w *bufio.Writer, queued [][]string, watched map[string]uint64) error {
	s.exec.Lock()
	defer s.exec.Unlock()

	s.mu.Lock()
	aborted := false
	for key, revision := range watched {
		if s.revisions[key] != revision {
			aborted = true
		}
	}
	s.mu.Unlock()
	if aborted {
		if _, err := w.WriteString("*-1\r\n"); err != nil {
			return err
		}
		return w.Flush()
	}

	var replies bytes.Buffer
	buffered := bufio.NewWriter(&replies)
	for _, args := range queued {
		if err := s.dispatch(buffered, strings.ToUpper(args[0]), args[1:]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(queued)); err != nil {
		return err
	}
	if _, err := w.Write(replies.Bytes()); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) dispatch(w *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "GET":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		s.mu.Lock()
		e := s.lookup(args[0])
		s.mu.Unlock()
		if e == nil {
			return writeBulkNil(w)
		}
		return writeBulkString(w, e.value)
	case "SET":
		if len(args) < 2 {
			return writeError(w, "ERR wrong number of arguments for 'set'")
		}
		var ttl time.Duration
		for i := 2; i < len(args); i++ {
			switch strings.ToUpper(args[i]) {
			case "EX", "PX":
				if i+1 >= len(args) {
					return writeError(w, "ERR syntax error")
				}
				n, err := strconv.ParseInt(args[i+1], 10, 64)
				if err != nil || n <= 0 {
					return writeError(w, "ERR invalid expire time in 'set' command")
				}
				if strings.ToUpper(args[i]) == "EX" {
					ttl = time.Duration(n) * time.Second
				} else {
					ttl = time.Duration(n) * time.Millisecond
				}
				i++
			default:
				return writeError(w, "ERR syntax error")
			}
		}
		e := &entry{value: args[1]}
		if ttl > 0 {
			e.expiry = time.Now().Add(ttl)
		}
		s.mu.Lock()
		s.kv[args[0]] = e
		s.revisions[args[0]]++
		s.mu.Unlock()
		return writeSimpleString(w, "OK")
	case "DEL":
		if len(args) == 0 {
			return writeError(w, "ERR wrong number of arguments for 'del'")
		}
		var removed int64
		s.mu.Lock()
		for _, key := range args {
			if s.lookup(key) != nil {
				removed++
			}
			delete(s.kv, key)
			s.revisions[key]++
		}
		s.mu.Unlock()
		return writeInteger(w, removed)
	case "INCR":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[0])
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		return writeInteger(w, value)
	case "EXPIRE":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		e := s.lookup(args[0])
		if e != nil {
			e.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
			s.revisions[args[0]]++
		}
		s.mu.Unlock()
		if e == nil {
			return writeInteger(w, 0)
		}
		return writeInteger(w, 1)
	case "TTL":
		if len(args) != 1 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		s.mu.Lock()
		e := s.lookup(args[0])
		s.mu.Unlock()
		switch {
		case e == nil:
			return writeInteger(w, -2)
		case e.expiry.IsZero():
			return writeInteger(w, -1)
		default:
			return writeInteger(w, int64(time.Until(e.expiry)/time.Second))
		}
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

// lookup must be called with s.mu held.
func (s *Server) lookup(key string) *entry {
	e := s.kv[key]
	if e == nil {
		return nil
	}
	if e.expired(time.Now()) {
		delete(s.kv, key)
		return nil
	}
	return e
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookup(key)
	if e == nil {
		e = &entry{value: "0"}
		s.kv[key] = e
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.revisions[key]++
	return n, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, message string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", message); err != nil {
		return err
	}
	return w.Flush()
}
