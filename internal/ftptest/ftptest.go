// Package ftptest runs an in-process FTP server over an in-memory file
// tree, for tests of FTP clients.
//
// The server understands the commands a plain client needs (USER, PASS,
// PWD, CWD, CDUP, MKD, RMD, DELE, RNFR, RNTO, TYPE, PASV, PORT, LIST,
// RETR, STOR, NOOP, QUIT), translates line endings for TYPE A transfers
// and records every command it receives. Handle replaces the behaviour of
// any command, which is how tests script misbehaving servers.
package ftptest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gonzalop/scanftp/internal/ascii"
)

// HandlerFunc serves one command. arg is everything after the verb.
type HandlerFunc func(s *Session, arg string)

// Server is an FTP server listening on a loopback port.
type Server struct {
	// Addr is the "host:port" the server listens on
	Addr string

	listener net.Listener
	user     string
	password string

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	commands []string
	handlers map[string]HandlerFunc
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials makes the server accept only this user and password.
// By default any login succeeds.
func WithCredentials(user, password string) Option {
	return func(s *Server) {
		s.user = user
		s.password = password
	}
}

// New starts a server on 127.0.0.1 and stops it when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ftptest: listen: %v", err)
	}

	s := &Server{
		Addr:     l.Addr().String(),
		listener: l,
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Close stops the server and drops all connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Handle replaces the handler for verb.
func (s *Server) Handle(verb string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[strings.ToUpper(verb)] = h
}

// AddFile stores content at the absolute path p, creating parent
// directories.
func (s *Server) AddFile(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean("/" + p)
	s.mkdirAll(path.Dir(p))
	s.files[p] = append([]byte(nil), content...)
}

// AddDir creates the absolute directory p and its parents.
func (s *Server) AddDir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Clean("/" + p))
}

// File returns the content stored at the absolute path p.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[path.Clean("/"+p)]
	return append([]byte(nil), b...), ok
}

// HasDir reports whether the absolute directory p exists.
func (s *Server) HasDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[path.Clean("/"+p)]
}

// Commands returns every command line received so far, in order.
// Passwords are masked.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how many commands with the given verb were received.
func (s *Server) Count(verb string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, line := range s.commands {
		v, _, _ := strings.Cut(line, " ")
		if strings.EqualFold(v, verb) {
			n++
		}
	}
	return n
}

func (s *Server) mkdirAll(p string) {
	for p != "/" && p != "." {
		s.dirs[p] = true
		p = path.Dir(p)
	}
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
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
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			newSession(s, conn).serve()
		}()
	}
}

// Session is one control connection.
type Session struct {
	server *Server
	conn   net.Conn
	r      *bufio.Reader

	user     string
	loggedIn bool
	cwd      string
	ascii    bool
	renaming string

	pasv net.Listener
	port string
}

func newSession(s *Server, conn net.Conn) *Session {
	return &Session{
		server: s,
		conn:   conn,
		r:      bufio.NewReader(conn),
		cwd:    "/",
		ascii:  true,
	}
}

// Reply writes one reply line.
func (s *Session) Reply(format string, args ...any) {
	fmt.Fprintf(s.conn, format+"\r\n", args...)
}

// Raw writes text to the control connection unchanged, in a single write.
func (s *Session) Raw(text string) {
	_, _ = io.WriteString(s.conn, text)
}

// ASCII reports whether TYPE A is in effect.
func (s *Session) ASCII() bool { return s.ascii }

// Server returns the server the session belongs to.
func (s *Session) Server() *Server { return s.server }

// Close drops the control connection.
func (s *Session) Close() { s.conn.Close() }

// OpenData returns the data connection announced by the last PASV or
// PORT command.
func (s *Session) OpenData() (net.Conn, error) {
	if s.pasv != nil {
		l := s.pasv
		s.pasv = nil
		defer l.Close()
		if tl, ok := l.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(5 * time.Second))
		}
		return l.Accept()
	}
	if s.port != "" {
		addr := s.port
		s.port = ""
		return net.DialTimeout("tcp", addr, 5*time.Second)
	}
	return nil, errors.New("no PASV or PORT before transfer")
}

func (s *Session) serve() {
	defer s.closeData()
	s.Reply("220 ftptest ready")

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		s.server.mu.Lock()
		if verb == "PASS" {
			s.server.commands = append(s.server.commands, "PASS ****")
		} else {
			s.server.commands = append(s.server.commands, line)
		}
		h := s.server.handlers[verb]
		s.server.mu.Unlock()

		if h != nil {
			h(s, arg)
			continue
		}
		if !s.dispatch(verb, arg) {
			return
		}
	}
}

func (s *Session) closeData() {
	if s.pasv != nil {
		s.pasv.Close()
		s.pasv = nil
	}
}

// dispatch runs a built-in command. It returns false when the session ends.
func (s *Session) dispatch(verb, arg string) bool {
	switch verb {
	case "USER":
		s.user = arg
		s.loggedIn = false
		s.Reply("331 Password required for %s", arg)
		return true
	case "PASS":
		if s.user == "" {
			s.Reply("503 Login with USER first")
			return true
		}
		if s.server.user != "" && (s.user != s.server.user || arg != s.server.password) {
			s.Reply("530 Login incorrect")
			return true
		}
		s.loggedIn = true
		s.Reply("230 User %s logged in", s.user)
		return true
	case "QUIT":
		s.Reply("221 Goodbye")
		return false
	case "NOOP":
		s.Reply("200 NOOP ok")
		return true
	}

	if !s.loggedIn {
		s.Reply("530 Please login with USER and PASS")
		return true
	}

	switch verb {
	case "PWD":
		s.Reply(`257 "%s" is the current directory`, strings.ReplaceAll(s.cwd, `"`, `""`))
	case "CWD":
		s.changeDir(arg)
	case "CDUP":
		s.changeDir("..")
	case "MKD":
		s.makeDir(arg)
	case "RMD":
		s.removeDir(arg)
	case "DELE":
		s.deleteFile(arg)
	case "RNFR":
		s.renameFrom(arg)
	case "RNTO":
		s.renameTo(arg)
	case "TYPE":
		switch strings.ToUpper(strings.TrimSpace(arg)) {
		case "A", "A N":
			s.ascii = true
			s.Reply("200 Type set to A")
		case "I", "L 8":
			s.ascii = false
			s.Reply("200 Type set to I")
		default:
			s.Reply("504 Type not supported")
		}
	case "PASV":
		s.passive()
	case "PORT":
		s.active(arg)
	case "LIST":
		s.list(arg)
	case "RETR":
		s.retrieve(arg)
	case "STOR":
		s.store(arg)
	default:
		s.Reply("502 Command not implemented")
	}
	return true
}

func (s *Session) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

func (s *Session) changeDir(arg string) {
	p := s.abs(arg)
	if !s.server.HasDir(p) {
		s.Reply("550 %s: No such directory", arg)
		return
	}
	s.cwd = p
	s.Reply("250 Directory changed to %s", p)
}

func (s *Session) makeDir(arg string) {
	p := s.abs(arg)
	srv := s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.dirs[p] {
		s.Reply("550 %s: File exists", arg)
		return
	}
	if !srv.dirs[path.Dir(p)] {
		s.Reply("550 %s: No such directory", path.Dir(arg))
		return
	}
	srv.dirs[p] = true
	s.Reply(`257 "%s" created`, p)
}

func (s *Session) removeDir(arg string) {
	p := s.abs(arg)
	srv := s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if !srv.dirs[p] || p == "/" {
		s.Reply("550 %s: No such directory", arg)
		return
	}
	for other := range srv.dirs {
		if path.Dir(other) == p && other != p {
			s.Reply("550 %s: Directory not empty", arg)
			return
		}
	}
	for f := range srv.files {
		if path.Dir(f) == p {
			s.Reply("550 %s: Directory not empty", arg)
			return
		}
	}
	delete(srv.dirs, p)
	s.Reply("250 RMD command successful")
}

func (s *Session) deleteFile(arg string) {
	p := s.abs(arg)
	srv := s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if _, ok := srv.files[p]; !ok {
		s.Reply("550 %s: No such file", arg)
		return
	}
	delete(srv.files, p)
	s.Reply("250 DELE command successful")
}

func (s *Session) renameFrom(arg string) {
	p := s.abs(arg)
	srv := s.server
	srv.mu.Lock()
	_, isFile := srv.files[p]
	isDir := srv.dirs[p]
	srv.mu.Unlock()

	if !isFile && !isDir {
		s.Reply("550 %s: No such file or directory", arg)
		return
	}
	s.renaming = p
	s.Reply("350 Ready for RNTO")
}

func (s *Session) renameTo(arg string) {
	from := s.renaming
	s.renaming = ""
	if from == "" {
		s.Reply("503 Bad sequence of commands")
		return
	}

	to := s.abs(arg)
	srv := s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if content, ok := srv.files[from]; ok {
		delete(srv.files, from)
		srv.files[to] = content
	} else {
		// Move the directory and everything below it.
		prefix := from + "/"
		for d := range srv.dirs {
			if d == from || strings.HasPrefix(d, prefix) {
				delete(srv.dirs, d)
				srv.dirs[to+strings.TrimPrefix(d, from)] = true
			}
		}
		for f, content := range srv.files {
			if strings.HasPrefix(f, prefix) {
				delete(srv.files, f)
				srv.files[to+strings.TrimPrefix(f, from)] = content
			}
		}
	}
	s.Reply("250 Rename successful")
}

func (s *Session) passive() {
	s.closeData()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		s.Reply("425 Cannot open passive connection")
		return
	}
	s.pasv = l
	port := l.Addr().(*net.TCPAddr).Port
	s.Reply("227 Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256)
}

func (s *Session) active(arg string) {
	var h [4]int
	var p1, p2 int
	if _, err := fmt.Sscanf(arg, "%d,%d,%d,%d,%d,%d", &h[0], &h[1], &h[2], &h[3], &p1, &p2); err != nil {
		s.Reply("501 Invalid PORT argument")
		return
	}
	s.closeData()
	s.port = fmt.Sprintf("%d.%d.%d.%d:%d", h[0], h[1], h[2], h[3], p1*256+p2)
	s.Reply("200 PORT command successful")
}

// ListLine formats an entry the way "ls -l" does.
func ListLine(name string, size int, dir bool) string {
	if dir {
		return fmt.Sprintf("drwxr-xr-x 2 ftp ftp %d Jan 01 00:00 %s", size, name)
	}
	return fmt.Sprintf("-rw-r--r-- 1 ftp ftp %d Jan 01 00:00 %s", size, name)
}

func (s *Session) list(arg string) {
	p := s.cwd
	if arg != "" {
		p = s.abs(arg)
	}

	lines := make(map[string]string)
	srv := s.server
	srv.mu.Lock()
	if content, ok := srv.files[p]; ok {
		lines[path.Base(p)] = ListLine(path.Base(p), len(content), false)
	} else if srv.dirs[p] {
		for d := range srv.dirs {
			if d != p && path.Dir(d) == p {
				lines[path.Base(d)] = ListLine(path.Base(d), 4096, true)
			}
		}
		for f, content := range srv.files {
			if path.Dir(f) == p {
				lines[path.Base(f)] = ListLine(path.Base(f), len(content), false)
			}
		}
	} else {
		srv.mu.Unlock()
		s.closeData()
		s.Reply("550 %s: No such file or directory", arg)
		return
	}
	srv.mu.Unlock()

	names := make([]string, 0, len(lines))
	for name := range lines {
		names = append(names, name)
	}
	sort.Strings(names)

	var body strings.Builder
	for _, name := range names {
		body.WriteString(lines[name] + "\r\n")
	}
	s.send([]byte(body.String()), "150 Here comes the directory listing", false)
}

func (s *Session) retrieve(arg string) {
	p := s.abs(arg)
	content, ok := s.server.File(p)
	if !ok {
		s.closeData()
		s.Reply("550 %s: No such file", arg)
		return
	}
	mode := "BINARY"
	if s.ascii {
		mode = "ASCII"
	}
	s.send(content, fmt.Sprintf("150 Opening %s mode data connection for %s (%d bytes)", mode, arg, len(content)), s.ascii)
}

// send streams body over the data connection between the 150 and 226
// replies.
func (s *Session) send(body []byte, opening string, translate bool) {
	s.Reply("%s", opening)
	data, err := s.OpenData()
	if err != nil {
		s.Reply("425 Can't open data connection")
		return
	}
	defer data.Close()

	var src io.Reader = strings.NewReader(string(body))
	if translate {
		src = ascii.NewEncoder(src)
	}
	if _, err := io.Copy(data, src); err != nil {
		s.Reply("426 Connection closed; transfer aborted")
		return
	}
	data.Close()
	s.Reply("226 Transfer complete")
}

func (s *Session) store(arg string) {
	p := s.abs(arg)
	if !s.server.HasDir(path.Dir(p)) {
		s.closeData()
		s.Reply("553 %s: No such directory", path.Dir(arg))
		return
	}

	s.Reply("150 Ok to send data")
	data, err := s.OpenData()
	if err != nil {
		s.Reply("425 Can't open data connection")
		return
	}
	defer data.Close()

	var src io.Reader = data
	if s.ascii {
		src = ascii.NewDecoder(src)
	}
	content, err := io.ReadAll(src)
	if err != nil {
		s.Reply("426 Connection closed; transfer aborted")
		return
	}

	s.server.mu.Lock()
	s.server.files[p] = content
	s.server.mu.Unlock()
	s.Reply("226 Transfer complete")
}
