package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/telebroad/ftpserverd/tools"
)

// maxLineLength bounds a single command line.
const maxLineLength = 4096

var (
	errQuit        = errors.New("client quit")
	errLineTooLong = errors.New("command line too long")
)

type sessionState int

const (
	stateNoAuth sessionState = iota
	stateUserGiven
	stateLoggedIn
	stateDataReady
)

func (st sessionState) String() string {
	switch st {
	case stateNoAuth:
		return "NoAuth"
	case stateUserGiven:
		return "UserOnly"
	case stateLoggedIn:
		return "LoggedIn"
	case stateDataReady:
		return "DataReady"
	}
	return fmt.Sprintf("sessionState(%d)", int(st))
}

type handlerMap map[string]func(cmd string, arg string) error

// Session represents an individual client FTP session.
// Everything except the data slot is owned by the session goroutine.
type Session struct {
	id           string
	ftpServer    *Server                 // The server the session belongs to
	conn         net.Conn                // The connection to the client
	readWriter   *tools.BufLogReadWriter // ReadWriter for the connection (used for writing responses)
	logger       *slog.Logger
	remoteAddr   string // admission table key
	state        sessionState
	username     string
	workingDir   string
	lastActivity time.Time
	handlers     handlerMap
	// epsvAll is set by EPSV ALL; other data channel commands are refused afterwards
	epsvAll bool

	// data is also closed from Server.Close, so it is guarded by dataMu
	dataMu sync.Mutex
	data   *dataChannel

	closeOnce sync.Once
}

func newSession(s *Server, conn net.Conn, remote string) *Session {
	id := uuid.NewString()
	logger := s.Logger().With("session", id, "remote", conn.RemoteAddr().String())
	session := &Session{
		id:           id,
		ftpServer:    s,
		conn:         conn,
		readWriter:   tools.NewBufLogReadWriter(conn, logger),
		logger:       logger,
		remoteAddr:   remote,
		state:        stateNoAuth,
		workingDir:   s.WorkingDir,
		lastActivity: time.Now(),
	}
	session.handlers = handlerMap{
		USER: session.UserCommand,                    // USER is used to specify the username
		PASS: session.PassCommand,                    // PASS is used to specify the password
		CWD:  session.ChangeDirectoryCommand,         // CWD is used to change the working directory
		CDUP: session.ChangeDirectoryToParentCommand, // CDUP is used to change the working directory to the parent directory
		PWD:  session.PrintWorkingDirectoryCommand,   // PWD is used to print the current working directory
		PASV: session.PassiveModeCommand,             // PASV is used to enter passive mode
		EPSV: session.ExtendedPassiveModeCommand,     // EPSV is used to enter extended passive mode
		PORT: session.ActiveModeCommand,              // PORT is used to specify an address and port to which the server should connect
		EPRT: session.ExtendedActiveModeCommand,      // EPRT is used to specify an address and port to which the server should connect
		RETR: session.RetrieveCommand,                // RETR is used to retrieve a file from the server
		LIST: session.ListCommand,                    // LIST is used to list a directory
		TYPE: session.TypeCommand,                    // TYPE is used to specify the type of file being transferred
		HELP: session.HelpCommand,                    // HELP is used to get help
		QUIT: session.CloseCommand,                   // QUIT is used to terminate the connection
	}
	return session
}

// record sends msg to the server event log, tagged with the peer and the session id.
func (s *Session) record(msg string, isError bool) {
	s.ftpServer.eventLog().Record(fmt.Sprintf("[%s %s] %s", s.conn.RemoteAddr(), s.id[:8], msg), isError)
}

// serve runs the command loop until QUIT, the idle timeout or a control channel failure.
func (s *Session) serve() {
	defer s.close()
	s.record("client connected", false)

	if err := s.handshake(); err != nil {
		s.record(fmt.Sprintf("tls handshake failed: %v", err), true)
		return
	}
	if err := s.reply(StatusServiceReadyForNewUser, s.ftpServer.WelcomeMessage); err != nil {
		s.record(fmt.Sprintf("error sending welcome: %v", err), true)
		return
	}

	for {
		cmd, arg, err := s.readCommand()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				s.record(fmt.Sprintf("idle for %s, closing session", time.Since(s.lastActivity).Round(time.Millisecond)), true)
				_ = s.reply(StatusServiceNotAvailable, "Timeout.")
				return
			case errors.Is(err, errLineTooLong):
				if err := s.reply(StatusSyntaxError, "Command line too long."); err != nil {
					return
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.record("client disconnected", false)
				return
			default:
				s.record(fmt.Sprintf("error reading command: %v", err), true)
				return
			}
		}
		s.lastActivity = time.Now()

		handler, ok := s.handlers[cmd]
		if !ok {
			err = s.reply(StatusCommandNotImplemented, "Command not implemented.")
		} else {
			err = handler(cmd, arg)
		}
		if errors.Is(err, errQuit) {
			s.record("client quit", false)
			return
		}
		if err != nil {
			s.record(fmt.Sprintf("control connection failed: %v", err), true)
			return
		}
	}
}

// handshake completes the TLS handshake of an implicit TLS session within the idle window.
// A peer that never sends a ClientHello is dropped like an idle one.
func (s *Session) handshake() error {
	tlsConn, ok := s.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	timeout := s.ftpServer.IdleTimeout
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return tlsConn.HandshakeContext(ctx)
}

// readCommand reads one line and splits it on the first space.
// The command is upper-cased; the argument is kept verbatim.
func (s *Session) readCommand() (cmd, arg string, err error) {
	if s.ftpServer.IdleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.ftpServer.IdleTimeout)); err != nil {
			return "", "", err
		}
	}
	line, err := s.readLine()
	if err != nil {
		return "", "", err
	}
	line = strings.TrimSpace(line)
	s.record("received: "+tools.Printable(tools.Redact(line)), false)

	command := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(command[0])
	if len(command) > 1 {
		arg = strings.TrimSpace(command[1])
	}
	return cmd, arg, nil
}

func (s *Session) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := s.readWriter.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineLength {
			// drop the rest of the line
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = s.readWriter.ReadSlice('\n')
			}
			if err != nil {
				return "", err
			}
			return "", errLineTooLong
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		return string(line), nil
	}
}

// reply writes a single line reply.
func (s *Session) reply(code StatusCode, msg string) error {
	s.record(fmt.Sprintf("sent: %d %s", code, msg), code >= 400)
	if code >= 400 {
		s.logger.Debug("negative reply", "code", code, "status", StatusText(code), "state", s.state)
	}
	return s.write(fmt.Sprintf("%d %s\r\n", code, msg))
}

// replyLines writes a multi-line reply: "code-first", the middle lines indented, "code last".
func (s *Session) replyLines(code StatusCode, first string, lines []string, last string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-%s\r\n", code, first)
	for _, line := range lines {
		fmt.Fprintf(&b, " %s\r\n", line)
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, last)
	s.record(fmt.Sprintf("sent: %d %s", code, last), code >= 400)
	return s.write(b.String())
}

func (s *Session) write(text string) error {
	if s.ftpServer.IdleTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.ftpServer.IdleTimeout))
	}
	_, err := io.WriteString(s.readWriter, text)
	if err != nil {
		return fmt.Errorf("error writing reply: %w", err)
	}
	return nil
}

// setData installs d as the data channel, closing the previous one first.
func (s *Session) setData(d *dataChannel) {
	s.dataMu.Lock()
	old := s.data
	s.data = d
	s.dataMu.Unlock()
	if err := old.Close(); err != nil {
		s.logger.Warn("error closing data channel", "error", err)
	}
}

func (s *Session) currentData() *dataChannel {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.data
}

// closeData closes the data channel and leaves the DataReady state.
func (s *Session) closeData() {
	s.setData(nil)
	if s.state == stateDataReady {
		s.state = stateLoggedIn
	}
}

// kill closes both sockets from another goroutine. The session loop then exits on its own.
func (s *Session) kill() {
	s.setData(nil)
	s.conn.Close()
}

// close releases both sockets. It runs once, on every exit path of serve.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setData(nil)
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("error closing control connection", "error", err)
		}
		s.record("session closed", false)
	})
}
