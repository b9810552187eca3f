package ftp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	goftp "github.com/jlaffaye/ftp"
	"github.com/telebroad/ftpserverd/config"
	"github.com/telebroad/ftpserverd/filesystem"
	"github.com/telebroad/ftpserverd/keys"
	"github.com/telebroad/ftpserverd/users"
)

const (
	testUser = "alice"
	testPass = "s3cret-pass"
	helloTxt = "hello world\n"
)

type recordedEvents struct {
	mu      sync.Mutex
	records []string
	errors  []string
}

func (r *recordedEvents) Record(msg string, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, msg)
	if isError {
		r.errors = append(r.errors, msg)
	}
}

func (r *recordedEvents) snapshot() (records, errs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.records...), append([]string(nil), r.errors...)
}

type testServer struct {
	*Server
	addr   string
	root   string
	events *recordedEvents
	served chan error
}

// buildTestServer creates a server rooted in a temp dir holding hello.txt and docs/.
func buildTestServer(t *testing.T, setup func(s *Server)) *testServer {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte(helloTxt), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}

	u := users.NewLocalUsers(nil)
	u.Add(testUser, testPass)

	srv, err := NewServer("127.0.0.1:0", filesystem.NewLocalFS(), u)
	if err != nil {
		t.Fatal(err)
	}
	srv.WorkingDir = root
	srv.DataTimeout = 5 * time.Second
	srv.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	events := &recordedEvents{}
	srv.SetEventLog(events)
	if setup != nil {
		setup(srv)
	}
	return &testServer{Server: srv, root: root, events: events}
}

func (ts *testServer) start(t *testing.T, serve func(l net.Listener) error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ts.addr = l.Addr().String()
	ts.served = make(chan error, 1)
	go func() {
		ts.served <- serve(l)
	}()
	t.Cleanup(func() {
		ts.Close(errors.New("test finished"))
	})
}

func newTestServer(t *testing.T, setup func(s *Server)) *testServer {
	t.Helper()
	ts := buildTestServer(t, setup)
	ts.start(t, ts.Serve)
	return ts
}

func dialControl(t *testing.T, addr string) *textproto.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	return controlConn(t, conn)
}

func controlConn(t *testing.T, conn net.Conn) *textproto.Conn {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	c := textproto.NewConn(conn)
	t.Cleanup(func() { c.Close() })
	expectReply(t, c, StatusServiceReadyForNewUser)
	return c
}

func expectReply(t *testing.T, c *textproto.Conn, code int) string {
	t.Helper()
	got, msg, err := c.ReadResponse(0)
	if err != nil {
		t.Fatalf("error reading reply: %v", err)
	}
	if got != code {
		t.Fatalf("got reply %d %q, want %d", got, msg, code)
	}
	return msg
}

func send(t *testing.T, c *textproto.Conn, code int, format string, args ...any) string {
	t.Helper()
	if err := c.PrintfLine(format, args...); err != nil {
		t.Fatal(err)
	}
	return expectReply(t, c, code)
}

func login(t *testing.T, c *textproto.Conn) {
	t.Helper()
	send(t, c, StatusUserNameOK, "USER %s", testUser)
	send(t, c, StatusUserLoggedIn, "PASS %s", testPass)
}

// pasvDial sends PASV and connects to the advertised port on the loopback address.
func pasvDial(t *testing.T, c *textproto.Conn) net.Conn {
	t.Helper()
	msg := send(t, c, StatusEnteringPassiveMode, "PASV")
	start, end := strings.Index(msg, "("), strings.Index(msg, ")")
	if start < 0 || end < start {
		t.Fatalf("malformed PASV reply %q", msg)
	}
	_, port, err := ParseHostPort(msg[start+1 : end])
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func acceptData(t *testing.T, l net.Listener) net.Conn {
	t.Helper()
	_ = l.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	conn, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func replyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

func TestServer_ClientSession(t *testing.T) {
	ts := newTestServer(t, nil)

	c, err := goftp.Dial(ts.addr, goftp.DialWithTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Quit()

	if err := c.Login(testUser, "wrong"); replyCode(err) != StatusNotLoggedIn {
		t.Fatalf("login with a wrong password: %v", err)
	}
	if err := c.Login(testUser, testPass); err != nil {
		t.Fatal(err)
	}

	dir, err := c.CurrentDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != ts.root {
		t.Errorf("CurrentDir = %q, want %q", dir, ts.root)
	}

	entries, err := c.List("")
	if err != nil {
		t.Fatal(err)
	}
	found := make(map[string]*goftp.Entry)
	for _, e := range entries {
		found[e.Name] = e
	}
	if e := found["hello.txt"]; e == nil || e.Type != goftp.EntryTypeFile || e.Size != uint64(len(helloTxt)) {
		t.Errorf("hello.txt entry = %+v", e)
	}
	if e := found["docs"]; e == nil || e.Type != goftp.EntryTypeFolder {
		t.Errorf("docs entry = %+v", e)
	}

	r, err := c.Retr("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if string(data) != helloTxt {
		t.Errorf("RETR returned %q", data)
	}

	if err := c.ChangeDir("docs"); err != nil {
		t.Fatal(err)
	}
	if dir, _ := c.CurrentDir(); dir != filepath.Join(ts.root, "docs") {
		t.Errorf("CurrentDir after CWD = %q", dir)
	}
	if err := c.ChangeDirToParent(); err != nil {
		t.Fatal(err)
	}
	if dir, _ := c.CurrentDir(); dir != ts.root {
		t.Errorf("CurrentDir after CDUP = %q", dir)
	}
	if err := c.ChangeDir("missing"); replyCode(err) != StatusFileUnavailable {
		t.Errorf("CWD to a missing directory: %v", err)
	}
}

func TestServer_PASVLargeFile(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 20000)
	if err := os.WriteFile(filepath.Join(ts.root, "big.bin"), payload, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := goftp.Dial(ts.addr, goftp.DialWithTimeout(5*time.Second), goftp.DialWithDisabledEPSV(true))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Quit()
	if err := c.Login(testUser, testPass); err != nil {
		t.Fatal(err)
	}

	r, err := c.Retr("big.bin")
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("received %d bytes, want %d", len(got), len(payload))
	}
}

func TestServer_PassiveListing(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)

	send(t, c, StatusUserNameOK, "USER %s", testUser)
	send(t, c, StatusNotLoggedIn, "PASS wrong")
	send(t, c, StatusUserLoggedIn, "PASS %s", testPass)

	data := pasvDial(t, c)
	send(t, c, StatusFileStatusOK, "LIST")
	listing, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	expectReply(t, c, StatusClosingDataConnection)
	if !strings.Contains(string(listing), "hello.txt") {
		t.Errorf("listing %q does not contain hello.txt", listing)
	}

	send(t, c, StatusServiceClosingControlConnection, "QUIT")
	if _, err := c.ReadLine(); err == nil {
		t.Error("control connection should be closed after QUIT")
	}
}

func TestServer_LoginSequence(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)

	send(t, c, StatusBadSequenceOfCommands, "PASS %s", testPass)
	send(t, c, StatusSyntaxErrorInParameters, "USER")
	send(t, c, StatusNotLoggedIn, "PWD")
	send(t, c, StatusNotLoggedIn, "CWD docs")
	send(t, c, StatusNotLoggedIn, "PASV")

	send(t, c, StatusUserNameOK, "USER bob")
	send(t, c, StatusNotLoggedIn, "PASS whatever")

	send(t, c, StatusUserNameOK, "USER %s", testUser)
	send(t, c, StatusNotLoggedIn, "PASS wrong")
	// a failed PASS keeps the user name
	send(t, c, StatusUserLoggedIn, "PASS %s", testPass)
	send(t, c, StatusUserLoggedIn, "PASS %s", testPass)
	send(t, c, StatusPathnameCreated, "PWD")

	// USER starts over
	send(t, c, StatusUserNameOK, "USER %s", testUser)
	send(t, c, StatusNotLoggedIn, "PWD")
}

func TestServer_TransferRequiresDataChannel(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)

	send(t, c, StatusUserNameOK, "LIST")
	send(t, c, StatusUserNameOK, "RETR hello.txt")

	login(t, c)
	send(t, c, StatusCantOpenDataConnection, "LIST")
	send(t, c, StatusCantOpenDataConnection, "RETR hello.txt")
}

func TestServer_ChangeDirectory(t *testing.T) {
	ts := newTestServer(t, nil)
	quoted := filepath.Join(ts.root, `say "hi"`)
	if err := os.Mkdir(quoted, 0o755); err != nil {
		t.Fatal(err)
	}
	c := dialControl(t, ts.addr)
	login(t, c)

	pwd := func(want string) {
		t.Helper()
		msg := send(t, c, StatusPathnameCreated, "PWD")
		expected := fmt.Sprintf("\"%s\" is the current directory", strings.ReplaceAll(want, `"`, `""`))
		if msg != expected {
			t.Errorf("PWD = %q, want %q", msg, expected)
		}
	}

	pwd(ts.root)
	send(t, c, StatusFileUnavailable, "CWD missing")
	pwd(ts.root)
	send(t, c, StatusFileUnavailable, "CWD hello.txt")
	pwd(ts.root)
	send(t, c, StatusSyntaxErrorInParameters, "CWD")

	send(t, c, StatusFileActionOK, `CWD say "hi"`)
	pwd(quoted)
	send(t, c, StatusFileActionOK, "CDUP")
	pwd(ts.root)
	send(t, c, StatusFileActionOK, "CWD %s", filepath.Join(ts.root, "docs"))
	pwd(filepath.Join(ts.root, "docs"))
	send(t, c, StatusFileActionOK, "CWD ../docs/..")
	pwd(ts.root)
}

func TestServer_ActiveMode(t *testing.T) {
	ts := newTestServer(t, func(s *Server) { s.PortMode = true })
	c := dialControl(t, ts.addr)
	login(t, c)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	send(t, c, StatusCommandOK, "PORT %s", EncodeHostPort([4]byte{127, 0, 0, 1}, port))
	data := acceptData(t, l)
	send(t, c, StatusFileStatusOK, "RETR hello.txt")
	got, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	expectReply(t, c, StatusClosingDataConnection)
	if string(got) != helloTxt {
		t.Errorf("RETR over PORT returned %q", got)
	}

	send(t, c, StatusCommandOK, "EPRT |1|127.0.0.1|%d|", port)
	data = acceptData(t, l)
	send(t, c, StatusFileStatusOK, "LIST -la")
	listing, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	expectReply(t, c, StatusClosingDataConnection)
	lines := strings.Split(strings.TrimSuffix(string(listing), "\r\n"), "\r\n")
	if len(lines) != 2 {
		t.Fatalf("LIST returned %q", listing)
	}
	if !strings.HasSuffix(lines[0], " docs") && !strings.HasSuffix(lines[1], " docs") {
		t.Errorf("docs missing from %q", listing)
	}
	if !strings.Contains(string(listing), " hello.txt\r\n") {
		t.Errorf("hello.txt missing from %q", listing)
	}

	// the channel is consumed by the transfer
	send(t, c, StatusCantOpenDataConnection, "LIST")
}

func TestServer_ActiveModeDialFailure(t *testing.T) {
	ts := newTestServer(t, func(s *Server) {
		s.PortMode = true
		s.DataTimeout = time.Second
	})
	c := dialControl(t, ts.addr)
	login(t, c)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	send(t, c, StatusCantOpenDataConnection, "PORT %s", EncodeHostPort([4]byte{127, 0, 0, 1}, port))
	send(t, c, StatusCantOpenDataConnection, "LIST")
}

func TestServer_DataModesDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)

	// disabled is reported before the login check
	send(t, c, StatusCommandNotImplemented, "PORT 127,0,0,1,4,1")
	send(t, c, StatusCommandNotImplemented, "EPRT |1|127.0.0.1|1025|")
	login(t, c)
	send(t, c, StatusCommandNotImplemented, "PORT 127,0,0,1,4,1")

	noPasv := newTestServer(t, func(s *Server) { s.PasvMode = false })
	c = dialControl(t, noPasv.addr)
	send(t, c, StatusCommandNotImplemented, "PASV")
	login(t, c)
	send(t, c, StatusCommandNotImplemented, "PASV")
	send(t, c, StatusCommandNotImplemented, "EPSV")
}

func TestServer_EPSVAll(t *testing.T) {
	ts := newTestServer(t, func(s *Server) { s.PortMode = true })
	c := dialControl(t, ts.addr)
	login(t, c)

	send(t, c, StatusCommandOK, "EPSV ALL")
	send(t, c, StatusBadSequenceOfCommands, "PASV")
	send(t, c, StatusBadSequenceOfCommands, "PORT 127,0,0,1,4,1")
	send(t, c, StatusBadSequenceOfCommands, "EPRT |1|127.0.0.1|1025|")

	msg := send(t, c, StatusEnteringExtendedPassiveMode, "EPSV")
	if !strings.Contains(msg, "(|||") {
		t.Errorf("malformed EPSV reply %q", msg)
	}

	// scoped to the session
	other := dialControl(t, ts.addr)
	login(t, other)
	send(t, other, StatusEnteringPassiveMode, "PASV")
}

func TestServer_MalformedLocatorKeepsChannel(t *testing.T) {
	ts := newTestServer(t, func(s *Server) { s.PortMode = true })
	c := dialControl(t, ts.addr)
	login(t, c)

	send(t, c, StatusSyntaxErrorInParameters, "PORT 1,2,3")
	send(t, c, StatusCantOpenDataConnection, "LIST")

	data := pasvDial(t, c)
	send(t, c, StatusSyntaxErrorInParameters, "PORT 1,2,3")
	send(t, c, StatusSyntaxErrorInParameters, "PORT 300,0,0,1,4,1")
	send(t, c, StatusSyntaxErrorInParameters, "PORT a,b,c,d,e,f")
	send(t, c, StatusSyntaxErrorInParameters, "EPRT |1|nonsense|21|")
	send(t, c, StatusSyntaxErrorInParameters, "EPRT")
	send(t, c, StatusExtendedPortFailure, "EPRT |9|127.0.0.1|21|")

	send(t, c, StatusFileStatusOK, "RETR hello.txt")
	got, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	expectReply(t, c, StatusClosingDataConnection)
	if string(got) != helloTxt {
		t.Errorf("RETR returned %q", got)
	}
}

func TestServer_PassiveAddress(t *testing.T) {
	ts := newTestServer(t, func(s *Server) {
		if err := s.SetPublicServerIPv4("10.1.2.3"); err != nil {
			t.Fatal(err)
		}
	})
	c := dialControl(t, ts.addr)
	login(t, c)

	msg := send(t, c, StatusEnteringPassiveMode, "PASV")
	if !strings.Contains(msg, "(10,1,2,3,") {
		t.Errorf("PASV reply %q does not advertise the public address", msg)
	}

	msg = send(t, c, StatusEnteringExtendedPassiveMode, "EPSV")
	start, end := strings.Index(msg, "(|||"), strings.LastIndex(msg, "|)")
	if start < 0 || end < start {
		t.Fatalf("malformed EPSV reply %q", msg)
	}
	if port, err := strconv.Atoi(msg[start+4 : end]); err != nil || port <= 0 {
		t.Errorf("EPSV port in %q: %v", msg, err)
	}

	send(t, c, StatusCommandOK, "EPSV ALL")
	send(t, c, StatusExtendedPortFailure, "EPSV 3")
}

func TestServer_PassivePortRange(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ts := newTestServer(t, func(s *Server) {
		s.PasvMinPort = port
		s.PasvMaxPort = port
	})
	c := dialControl(t, ts.addr)
	login(t, c)

	want := fmt.Sprintf("(|||%d|)", port)
	if msg := send(t, c, StatusEnteringExtendedPassiveMode, "EPSV"); !strings.Contains(msg, want) {
		t.Errorf("EPSV reply %q, want port %d", msg, port)
	}
	// the previous listener is released before a new one is opened
	if msg := send(t, c, StatusEnteringExtendedPassiveMode, "EPSV"); !strings.Contains(msg, want) {
		t.Errorf("second EPSV reply %q, want port %d", msg, port)
	}
}

func TestServer_TransferErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)
	login(t, c)

	data := pasvDial(t, c)
	send(t, c, StatusFileUnavailable, "RETR missing.txt")
	if _, err := data.Read(make([]byte, 1)); err == nil {
		t.Error("data connection should be closed after a failed RETR")
	}
	send(t, c, StatusCantOpenDataConnection, "LIST")

	pasvDial(t, c)
	send(t, c, StatusFileUnavailable, "RETR docs")

	pasvDial(t, c)
	send(t, c, StatusFileUnavailable, "LIST missing")

	pasvDial(t, c)
	send(t, c, StatusSyntaxErrorInParameters, "RETR")
	send(t, c, StatusCantOpenDataConnection, "RETR hello.txt")
}

func TestServer_PassiveNeverConnects(t *testing.T) {
	ts := newTestServer(t, func(s *Server) { s.DataTimeout = 100 * time.Millisecond })
	c := dialControl(t, ts.addr)
	login(t, c)

	send(t, c, StatusEnteringPassiveMode, "PASV")
	send(t, c, StatusCantOpenDataConnection, "RETR hello.txt")
	send(t, c, StatusCantOpenDataConnection, "LIST")
}

func TestServer_CommandParsing(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)

	help := send(t, c, StatusHelpMessage, "HELP")
	for _, cmd := range []string{"EPRT", "LIST", "RETR", "QUIT"} {
		if !strings.Contains(help, cmd) {
			t.Errorf("HELP does not mention %s: %q", cmd, help)
		}
	}

	send(t, c, StatusCommandOK, "TYPE I")
	send(t, c, StatusCommandOK, "type a n")
	send(t, c, StatusCommandOK, "TYPE L 8")
	send(t, c, StatusCommandNotImplementedForParam, "TYPE E")
	send(t, c, StatusSyntaxErrorInParameters, "TYPE")

	send(t, c, StatusCommandNotImplemented, "NOOP")
	send(t, c, StatusCommandNotImplemented, "STOR x")
	send(t, c, StatusCommandNotImplemented, "")
	send(t, c, StatusSyntaxError, "%s", strings.Repeat("A", 5000))

	// still usable after an overlong line
	login(t, c)
	send(t, c, StatusServiceClosingControlConnection, "QUIT")
	if _, err := c.ReadLine(); err == nil {
		t.Error("connection should be closed after QUIT")
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	ts := newTestServer(t, func(s *Server) { s.IdleTimeout = 200 * time.Millisecond })
	c := dialControl(t, ts.addr)
	login(t, c)

	start := time.Now()
	expectReply(t, c, StatusServiceNotAvailable)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout reply took %s", elapsed)
	}
	if _, err := c.ReadLine(); err == nil {
		t.Error("connection should be closed after the idle timeout")
	}
	waitFor(t, "session release", func() bool { return ts.Admission().Count("127.0.0.1") == 0 })

	_, errs := ts.events.snapshot()
	if !strings.Contains(strings.Join(errs, "\n"), "idle for ") {
		t.Errorf("idle duration not recorded:\n%s", strings.Join(errs, "\n"))
	}
}

func TestServer_AdmissionCeiling(t *testing.T) {
	ts := newTestServer(t, func(s *Server) { s.admission = NewAdmissionTable(2) })

	var admitted []*textproto.Conn
	for i := 0; i < 3; i++ {
		admitted = append(admitted, dialControl(t, ts.addr))
	}
	if got := ts.Admission().Count("127.0.0.1"); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}

	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	refused := textproto.NewConn(conn)
	defer refused.Close()
	line, err := refused.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if line != "421 Too many connections from your address." {
		t.Errorf("refusal = %q", line)
	}
	if _, err := refused.ReadLine(); err == nil {
		t.Error("refused connection should be closed")
	}
	if got := ts.Admission().Count("127.0.0.1"); got != 3 {
		t.Errorf("refusal changed the counter to %d", got)
	}

	send(t, admitted[0], StatusServiceClosingControlConnection, "QUIT")
	waitFor(t, "release after QUIT", func() bool { return ts.Admission().Count("127.0.0.1") == 2 })
	admitted = append(admitted[1:], dialControl(t, ts.addr))

	for _, c := range admitted {
		c.Close()
	}
	waitFor(t, "all sessions released", func() bool {
		return ts.Admission().Len() == 0 && ts.SessionCount() == 0
	})
}

// newTLSTestServer starts an implicit TLS server with a fresh self-signed certificate.
func newTLSTestServer(t *testing.T, setup func(s *Server)) (*testServer, tls.Certificate) {
	t.Helper()
	certPEM, keyPEM, err := keys.SelfSigned([]string{"127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}

	ts := buildTestServer(t, func(s *Server) {
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		if setup != nil {
			setup(s)
		}
	})
	ts.start(t, func(l net.Listener) error { return ts.ServeTLS(l, "", "") })
	return ts, cert
}

func dialTLSControl(t *testing.T, addr string) *textproto.Conn {
	t.Helper()
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	return controlConn(t, conn)
}

func TestServer_TLS(t *testing.T) {
	ts, cert := newTLSTestServer(t, nil)

	conn, err := tls.Dial("tcp", ts.addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	if peer := conn.ConnectionState().PeerCertificates; len(peer) == 0 || !bytes.Equal(peer[0].Raw, cert.Certificate[0]) {
		t.Error("server did not present the configured certificate")
	}
	c := controlConn(t, conn)
	login(t, c)
	send(t, c, StatusPathnameCreated, "PWD")
	send(t, c, StatusServiceClosingControlConnection, "QUIT")
}

func TestServer_TLSSilentPeer(t *testing.T) {
	ts, _ := newTLSTestServer(t, func(s *Server) { s.IdleTimeout = 200 * time.Millisecond })

	// plain TCP, no ClientHello
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	waitFor(t, "handshake failure", func() bool {
		_, errs := ts.events.snapshot()
		return strings.Contains(strings.Join(errs, "\n"), "tls handshake failed")
	})
	waitFor(t, "session release", func() bool {
		return ts.SessionCount() == 0 && ts.Admission().Count("127.0.0.1") == 0
	})
	if _, err := io.ReadAll(conn); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Error("silent peer was not disconnected")
		}
	}

	// the listener still serves real clients
	c := dialTLSControl(t, ts.addr)
	login(t, c)
}

func TestServer_TLSRefusalDoesNotBlockAccept(t *testing.T) {
	ts, _ := newTLSTestServer(t, func(s *Server) { s.admission = NewAdmissionTable(1) })

	first := dialTLSControl(t, ts.addr)
	dialTLSControl(t, ts.addr)

	// over the ceiling and never handshakes
	silent, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()
	waitFor(t, "refusal", func() bool {
		_, errs := ts.events.snapshot()
		return strings.Contains(strings.Join(errs, "\n"), "too many sessions from this address")
	})

	send(t, first, StatusServiceClosingControlConnection, "QUIT")
	waitFor(t, "release after QUIT", func() bool { return ts.Admission().Count("127.0.0.1") == 1 })

	start := time.Now()
	c := dialTLSControl(t, ts.addr)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("accept took %s", elapsed)
	}
	login(t, c)

	_ = silent.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadAll(silent); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Error("refused peer was not disconnected")
		}
	}
}

func TestServer_ServeTLSMissingCertificate(t *testing.T) {
	ts := buildTestServer(t, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.ServeTLS(l, filepath.Join(ts.root, "missing.crt"), filepath.Join(ts.root, "missing.key")); err == nil {
		t.Fatal("ServeTLS without a certificate should fail")
	}
}

func TestServer_Close(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)
	login(t, c)
	waitFor(t, "session start", func() bool { return ts.SessionCount() == 1 })

	if err := ts.Close(errors.New("shutting down")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadLine(); err == nil {
		t.Error("session should be closed")
	}
	select {
	case err := <-ts.served:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if ts.SessionCount() != 0 || ts.Admission().Count("127.0.0.1") != 0 {
		t.Errorf("sessions left after Close: %d", ts.SessionCount())
	}
	if conn, err := net.DialTimeout("tcp", ts.addr, time.Second); err == nil {
		conn.Close()
		t.Error("listener should be closed")
	}
	if err := ts.Close(nil); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := ts.ListenAndServe(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("ListenAndServe after Close = %v", err)
	}
}

func TestServer_EventLog(t *testing.T) {
	ts := newTestServer(t, nil)
	c := dialControl(t, ts.addr)
	send(t, c, StatusUserNameOK, "USER %s", testUser)
	send(t, c, StatusNotLoggedIn, "PASS wrong-pass")
	send(t, c, StatusUserLoggedIn, "PASS %s", testPass)

	records, errs := ts.events.snapshot()
	all := strings.Join(records, "\n")
	if strings.Contains(all, testPass) || strings.Contains(all, "wrong-pass") {
		t.Error("password leaked into the event log")
	}
	if !strings.Contains(all, "received: PASS ****") {
		t.Errorf("PASS not recorded:\n%s", all)
	}
	if !strings.Contains(all, "alice logged in") {
		t.Errorf("login not recorded:\n%s", all)
	}
	if !strings.Contains(strings.Join(errs, "\n"), "sent: 530 Login incorrect.") {
		t.Errorf("530 should be recorded as an error:\n%s", strings.Join(errs, "\n"))
	}
	for _, r := range records {
		if !strings.HasPrefix(r, "[127.0.0.1:") {
			t.Errorf("record %q is not tagged with the peer", r)
			break
		}
	}
}

func TestNewServer(t *testing.T) {
	if _, err := NewServer(":21", nil, nil); err == nil {
		t.Error("NewServer without users should fail")
	}
	srv, err := NewServer(":21", nil, users.NewLocalUsers(nil))
	if err != nil {
		t.Fatal(err)
	}
	if srv.FsHandler == nil || !srv.PasvMode || srv.PortMode {
		t.Errorf("unexpected defaults: %+v", srv)
	}
	if srv.Admission().Limit() != DefaultMaxSessionsPerAddress {
		t.Errorf("admission limit = %d", srv.Admission().Limit())
	}
}

func TestServer_DefaultLogger(t *testing.T) {
	u := users.NewLocalUsers(nil)
	u.Add(testUser, testPass)
	srv, err := NewServer("127.0.0.1:0", filesystem.NewLocalFS(), u)
	if err != nil {
		t.Fatal(err)
	}
	if srv.logger == nil || srv.Logger() == nil {
		t.Fatal("NewServer should install the default logger")
	}
	srv.WorkingDir = t.TempDir()
	srv.SetEventLog(&recordedEvents{})
	ts := &testServer{Server: srv}
	ts.start(t, ts.Serve)

	// sessions derive their loggers concurrently
	var wg sync.WaitGroup
	conns := make([]net.Conn, 4)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], _ = net.DialTimeout("tcp", ts.addr, 3*time.Second)
		}(i)
	}
	wg.Wait()
	for _, conn := range conns {
		if conn == nil {
			t.Fatal("dial failed")
		}
		c := controlConn(t, conn)
		login(t, c)
	}
}

func TestServer_Configure(t *testing.T) {
	srv, err := NewServer(":21", nil, users.NewLocalUsers(nil))
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.New()
	cfg.Set(config.PortMode, "yes")
	cfg.Set(config.PasvMode, "no")
	cfg.Set(config.PasvMinPort, "50000")
	cfg.Set(config.PasvMaxPort, "50010")
	cfg.Set(config.IdleTimeout, "30")
	cfg.Set(config.DataTimeout, "5s")
	cfg.Set(config.MaxSessionsPerAddress, "3")
	cfg.Set(config.PasvAddress, "10.0.0.7")
	cfg.Set(config.WelcomeMessage, "hi there")

	if err := srv.Configure(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if !srv.PortMode || srv.PasvMode {
		t.Errorf("modes: port=%v pasv=%v", srv.PortMode, srv.PasvMode)
	}
	if srv.PasvMinPort != 50000 || srv.PasvMaxPort != 50010 {
		t.Errorf("range %d-%d", srv.PasvMinPort, srv.PasvMaxPort)
	}
	if srv.IdleTimeout != 30*time.Second || srv.DataTimeout != 5*time.Second {
		t.Errorf("timeouts %s %s", srv.IdleTimeout, srv.DataTimeout)
	}
	if srv.Admission().Limit() != 3 {
		t.Errorf("limit %d", srv.Admission().Limit())
	}
	if srv.PublicServerIPv4 != [4]byte{10, 0, 0, 7} || srv.WelcomeMessage != "hi there" {
		t.Errorf("public ip %v, welcome %q", srv.PublicServerIPv4, srv.WelcomeMessage)
	}

	cfg.Set(config.PasvMinPort, "6000")
	cfg.Set(config.PasvMaxPort, "5000")
	if err := srv.Configure(context.Background(), cfg); !errors.Is(err, config.ErrInvalidValue) {
		t.Errorf("inverted port range: %v", err)
	}

	cfg.Set(config.PasvMinPort, "0")
	cfg.Set(config.PasvMaxPort, "0")
	cfg.Set(config.PasvAddress, "::1")
	if err := srv.Configure(context.Background(), cfg); err == nil {
		t.Error("an IPv6 passive address should be rejected")
	}
}

func TestGetServerPublicIP(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "203.0.113.9")
	}))
	defer ok.Close()
	ip, err := GetServerPublicIP(context.Background(), ok.URL)
	if err != nil {
		t.Fatal(err)
	}
	if ip != "203.0.113.9" {
		t.Errorf("ip = %q", ip)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not an address")
	}))
	defer bad.Close()
	if _, err := GetServerPublicIP(context.Background(), bad.URL); err == nil {
		t.Error("a non-IP body should fail")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	if _, err := GetServerPublicIP(context.Background(), failing.URL); err == nil {
		t.Error("a non-200 reply should fail")
	}
}
