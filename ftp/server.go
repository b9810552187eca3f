package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/telebroad/ftpserverd/config"
	"github.com/telebroad/ftpserverd/filesystem"
	"github.com/telebroad/ftpserverd/users"
)

// ErrServerClosed is returned by the Serve methods after a call to Close.
var ErrServerClosed = errors.New("ftp: Server closed")

const (
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultDataTimeout    = 30 * time.Second
	DefaultWelcomeMessage = "Welcome to ftpserverd"
)

// EventLog receives one record per command, reply and session event.
// Implementations must be safe for concurrent use.
type EventLog interface {
	Record(msg string, isError bool)
}

// loggerEventLog is used when no EventLog was set.
type loggerEventLog struct {
	logger *slog.Logger
}

func (l loggerEventLog) Record(msg string, isError bool) {
	if isError {
		l.logger.Error(msg)
		return
	}
	l.logger.Info(msg)
}

type Server struct {
	// Addr is the plaintext control address, in the form "host:port".
	Addr string
	// TLSAddr is the implicit TLS control address, in the form "host:port".
	TLSAddr string
	// TLSConfig is used by ServeTLS and ListenAndServeTLS when it holds a certificate.
	TLSConfig *tls.Config

	// PasvMinPort and PasvMaxPort bound the passive data ports. Zero means any free port.
	PasvMinPort int
	PasvMaxPort int
	// PasvMode enables PASV and EPSV.
	PasvMode bool
	// PortMode enables PORT and EPRT.
	PortMode bool

	// IdleTimeout closes a session when no command line arrives within it.
	IdleTimeout time.Duration
	// DataTimeout bounds the wait for a passive data connection and the active dial.
	DataTimeout time.Duration

	WelcomeMessage string
	// WorkingDir is the initial working directory of every session.
	WorkingDir string

	FsHandler filesystem.FS

	// PublicServerIPv4 is the address advertised in PASV replies.
	// When unset the local address of the control connection is used.
	PublicServerIPv4 [4]byte
	publicIPSet      bool

	users     users.Users
	admission *AdmissionTable
	events    EventLog
	logger    *slog.Logger

	mu         sync.Mutex
	listeners  map[*net.Listener]struct{}
	activeConn map[*Session]struct{}
	inShutdown bool
	sessions   sync.WaitGroup
}

// NewServer creates a server for the plaintext address addr.
// Sessions start in the process working directory.
func NewServer(addr string, fsHandler filesystem.FS, u users.Users) (*Server, error) {
	if u == nil {
		return nil, errors.New("users is required")
	}
	if fsHandler == nil {
		fsHandler = filesystem.NewLocalFS()
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("error getting working directory: %w", err)
	}
	return &Server{
		Addr:           addr,
		PasvMode:       true,
		IdleTimeout:    DefaultIdleTimeout,
		DataTimeout:    DefaultDataTimeout,
		WelcomeMessage: DefaultWelcomeMessage,
		WorkingDir:     wd,
		FsHandler:      fsHandler,
		users:          u,
		admission:      NewAdmissionTable(DefaultMaxSessionsPerAddress),
		logger:         slog.Default(),
		listeners:      make(map[*net.Listener]struct{}),
		activeConn:     make(map[*Session]struct{}),
	}, nil
}

// Configure applies the data channel, timeout and admission settings of cfg.
// It must be called before the server starts serving.
func (s *Server) Configure(ctx context.Context, cfg *config.Config) error {
	s.PortMode = cfg.Bool(config.PortMode)
	s.PasvMode = cfg.Bool(config.PasvMode)

	var err error
	if s.PasvMinPort, err = cfg.Int(config.PasvMinPort); err != nil {
		return err
	}
	if s.PasvMaxPort, err = cfg.Int(config.PasvMaxPort); err != nil {
		return err
	}
	if s.PasvMinPort < 0 || s.PasvMaxPort > 65535 || s.PasvMinPort > s.PasvMaxPort {
		return fmt.Errorf("%w: passive port range %d-%d", config.ErrInvalidValue, s.PasvMinPort, s.PasvMaxPort)
	}
	if s.IdleTimeout, err = cfg.Duration(config.IdleTimeout); err != nil {
		return err
	}
	if s.DataTimeout, err = cfg.Duration(config.DataTimeout); err != nil {
		return err
	}
	limit, err := cfg.Int(config.MaxSessionsPerAddress)
	if err != nil {
		return err
	}
	s.admission = NewAdmissionTable(limit)
	s.WelcomeMessage = cfg.String(config.WelcomeMessage)

	switch ip := cfg.String(config.PasvAddress); ip {
	case "":
	case "auto":
		public, err := GetServerPublicIP(ctx, PublicIpUrl)
		if err != nil {
			return err
		}
		return s.SetPublicServerIPv4(public)
	default:
		return s.SetPublicServerIPv4(ip)
	}
	return nil
}

// SetPublicServerIPv4 sets the address advertised in PASV replies.
func (s *Server) SetPublicServerIPv4(ip string) error {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return fmt.Errorf("error parsing public ip: %w", err)
	}
	if !addr.Is4() && !addr.Is4In6() {
		return fmt.Errorf("public ip %s is not an IPv4 address", ip)
	}
	s.PublicServerIPv4 = addr.Unmap().As4()
	s.publicIPSet = true
	return nil
}

// SetLogger sets the logger for the server. It must be called before serving.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("module", "ftp-server")
}

// SetEventLog sets the sink for session events. Without one, events go to Logger.
func (s *Server) SetEventLog(e EventLog) {
	s.events = e
}

func (s *Server) eventLog() EventLog {
	if s.events == nil {
		return loggerEventLog{logger: s.Logger()}
	}
	return s.events
}

// Admission returns the table shared by both listeners.
func (s *Server) Admission() *AdmissionTable {
	return s.admission
}

// ListenAndServe listens on Addr and serves plaintext sessions.
func (s *Server) ListenAndServe() error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	l, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("error starting server: %w", err)
	}
	return s.Serve(l)
}

// ListenAndServeTLS listens on TLSAddr and serves sessions over implicit TLS.
// certFile and keyFile may be empty when TLSConfig already holds a certificate.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	l, err := net.Listen("tcp", s.TLSAddr)
	if err != nil {
		return fmt.Errorf("error starting tls server: %w", err)
	}
	return s.ServeTLS(l, certFile, keyFile)
}

// ServeTLS wraps l with TLS and serves it.
func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	tlsConfig := &tls.Config{}
	if s.TLSConfig != nil {
		tlsConfig = s.TLSConfig.Clone()
	}
	if len(tlsConfig.Certificates) == 0 && tlsConfig.GetCertificate == nil {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			l.Close()
			return fmt.Errorf("error loading tls certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return s.Serve(tls.NewListener(l, tlsConfig))
}

// TryListenAndServe tries to start the FTP server if there isn't an error after a certain time it returns nil
func (s *Server) TryListenAndServe(d time.Duration) error {
	return try(s.ListenAndServe, d)
}

// TryListenAndServeTLS is TryListenAndServe for the TLS listener.
func (s *Server) TryListenAndServeTLS(certFile, keyFile string, d time.Duration) error {
	return try(func() error { return s.ListenAndServeTLS(certFile, keyFile) }, d)
}

func try(serve func() error, d time.Duration) error {
	errC := make(chan error, 1)
	go func() {
		errC <- serve()
	}()

	select {
	case err := <-errC:
		return err
	case <-time.After(d):
		return nil
	}
}

// Serve accepts connections on l until l fails or the server is closed.
// Each admitted connection runs its own session goroutine.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(&l, true) {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	logger := s.Logger().With("addr", l.Addr().String())
	logger.Info("listening")

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			if isTemporary(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				logger.Warn("accept error, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			s.eventLog().Record(fmt.Sprintf("accept loop on %s stopped: %v", l.Addr(), err), true)
			return fmt.Errorf("error accepting connection: %w", err)
		}
		tempDelay = 0
		s.handleConn(conn)
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// handleConn admits conn and starts its session.
func (s *Server) handleConn(conn net.Conn) {
	remote := remoteHost(conn.RemoteAddr())
	if !s.admission.Admit(remote) {
		s.eventLog().Record(fmt.Sprintf("refused %s: too many sessions from this address", conn.RemoteAddr()), true)
		go refuse(conn)
		return
	}

	session := newSession(s, conn, remote)
	if !s.trackSession(session, true) {
		s.admission.Release(remote)
		conn.Close()
		return
	}

	go func() {
		defer s.sessions.Done()
		defer s.admission.Release(remote)
		defer s.trackSession(session, false)
		defer func() {
			if r := recover(); r != nil {
				session.logger.Error("recovered from panic", "panic", r, "stack", string(debug.Stack()))
				session.record(fmt.Sprintf("session aborted: %v", r), true)
				session.close()
			}
		}()
		session.serve()
	}()
}

// refuseTimeout bounds the refusal reply, including the TLS handshake on the TLS listener.
const refuseTimeout = time.Second

// refuse sends the 421 refusal and closes conn. It runs off the accept loop so a
// silent peer can't stall it.
func refuse(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(refuseTimeout))
	fmt.Fprintf(conn, "%d Too many connections from your address.\r\n", StatusServiceNotAvailable)
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShutdown
}

func (s *Server) trackListener(l *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

// trackSession registers a session. The WaitGroup is only incremented while
// the server is not shutting down, so Close can Wait safely.
func (s *Server) trackSession(session *Session, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.inShutdown {
			return false
		}
		s.sessions.Add(1)
		s.activeConn[session] = struct{}{}
	} else {
		delete(s.activeConn, session)
	}
	return true
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConn)
}

// Close stops both accept loops, closes every live session and waits for them to finish.
func (s *Server) Close(cause error) error {
	s.mu.Lock()
	if s.inShutdown {
		s.mu.Unlock()
		return nil
	}
	s.inShutdown = true
	listeners := make([]net.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, *l)
	}
	sessions := make([]*Session, 0, len(s.activeConn))
	for session := range s.activeConn {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	s.Logger().Info("closing server", "cause", cause, "sessions", len(sessions))

	var result *multierror.Error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("error closing listener %s: %w", l.Addr(), err))
		}
	}
	for _, session := range sessions {
		session.kill()
	}
	s.sessions.Wait()
	return result.ErrorOrNil()
}
