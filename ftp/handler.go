package ftp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/telebroad/ftpserverd/filesystem"
	"github.com/telebroad/ftpserverd/users"
)

// retrBufferSize is the chunk size used to stream files over the data connection.
const retrBufferSize = 32 * 1024

// UserCommand handles the USER command from the client.
// A USER while logged in starts a new login.
func (s *Session) UserCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	}
	if s.state >= stateLoggedIn {
		s.record(fmt.Sprintf("%s logged out", s.username), false)
	}
	s.closeData()
	s.username = arg
	s.state = stateUserGiven
	return s.reply(StatusUserNameOK, "Please specify the password.")
}

// PassCommand handles the PASS command from the client.
func (s *Session) PassCommand(cmd, arg string) error {
	switch s.state {
	case stateNoAuth:
		return s.reply(StatusBadSequenceOfCommands, "Login with USER first.")
	case stateLoggedIn, stateDataReady:
		return s.reply(StatusUserLoggedIn, "Already logged in.")
	}

	user, err := s.ftpServer.users.Get(s.username)
	if err != nil {
		if !errors.Is(err, users.ErrUserNotFound) {
			s.logger.Error("error looking up user", "error", err)
		}
		s.record(fmt.Sprintf("login failed for %s: unknown user", s.username), true)
		return s.reply(StatusNotLoggedIn, "Login incorrect.")
	}
	if !user.CheckPassword(arg) {
		s.record(fmt.Sprintf("login failed for %s: wrong password", s.username), true)
		return s.reply(StatusNotLoggedIn, "Login incorrect.")
	}

	s.state = stateLoggedIn
	s.record(fmt.Sprintf("%s logged in", s.username), false)
	return s.reply(StatusUserLoggedIn, "Password Accepted.")
}

// requireLogin replies 530 unless the user is fully logged in.
func (s *Session) requireLogin() (bool, error) {
	if s.state >= stateLoggedIn {
		return true, nil
	}
	return false, s.reply(StatusNotLoggedIn, "Please login with USER and PASS.")
}

// PrintWorkingDirectoryCommand handles the PWD command from the client.
func (s *Session) PrintWorkingDirectoryCommand(cmd, arg string) error {
	if ok, err := s.requireLogin(); !ok {
		return err
	}
	quoted := strings.ReplaceAll(s.workingDir, `"`, `""`)
	return s.reply(StatusPathnameCreated, fmt.Sprintf("\"%s\" is the current directory", quoted))
}

// ChangeDirectoryCommand handles the CWD command from the client.
// The target must be an existing directory, given absolute or relative to the working directory.
func (s *Session) ChangeDirectoryCommand(cmd, arg string) error {
	if ok, err := s.requireLogin(); !ok {
		return err
	}
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	}
	requestedDir := filesystem.Resolve(s.workingDir, arg)
	dir, err := s.ftpServer.FsHandler.CheckDir(requestedDir)
	if err != nil {
		s.logger.Debug("CWD rejected", "dir", requestedDir, "error", err)
		return s.reply(StatusFileUnavailable, "Failed to change directory.")
	}
	s.workingDir = dir
	return s.reply(StatusFileActionOK, "Directory successfully changed.")
}

// ChangeDirectoryToParentCommand handles the CDUP command from the client.
func (s *Session) ChangeDirectoryToParentCommand(cmd, arg string) error {
	return s.ChangeDirectoryCommand(cmd, "..")
}

// TypeCommand handles the TYPE command from the client.
// Only binary transfers exist, so every accepted type is reported as I.
func (s *Session) TypeCommand(cmd, arg string) error {
	switch strings.ToUpper(strings.Join(strings.Fields(arg), " ")) {
	case "":
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	case "I", "A", "A N", "L 8":
		return s.reply(StatusCommandOK, "Type set to I.")
	default:
		return s.reply(StatusCommandNotImplementedForParam, "Command not implemented for that parameter.")
	}
}

// HelpCommand handles the HELP command from the client.
func (s *Session) HelpCommand(cmd, arg string) error {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return s.replyLines(StatusHelpMessage, "The following commands are recognized.",
		[]string{strings.Join(names, " ")}, "Help OK.")
}

func (s *Session) CloseCommand(cmd, arg string) error {
	if err := s.reply(StatusServiceClosingControlConnection, "Goodbye."); err != nil {
		return err
	}
	return errQuit
}

// listenPassive opens the passive listener on the local address of the control connection.
func (s *Session) listenPassive() (net.Listener, int, error) {
	host := localHost(s.conn)
	srv := s.ftpServer
	if srv.PasvMinPort > 0 && srv.PasvMaxPort >= srv.PasvMinPort {
		return findAvailablePortInRange(host, srv.PasvMinPort, srv.PasvMaxPort)
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("error listening for data connection: %w", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port, nil
}

func localHost(conn net.Conn) string {
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// passiveIPv4 returns the address to advertise in a 227 reply.
func (s *Session) passiveIPv4() ([4]byte, bool) {
	if s.ftpServer.publicIPSet {
		return s.ftpServer.PublicServerIPv4, true
	}
	addr, err := netip.ParseAddr(localHost(s.conn))
	if err != nil {
		return [4]byte{}, false
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return [4]byte{}, false
	}
	return addr.As4(), true
}

// startPassive replaces the data channel with a new passive one and returns its port.
// On failure the 425 reply has already been sent and ok is false.
func (s *Session) startPassive() (port int, ok bool, err error) {
	s.closeData()
	listener, port, err := s.listenPassive()
	if err != nil {
		s.record(fmt.Sprintf("could not open passive port: %v", err), true)
		return 0, false, s.reply(StatusCantOpenDataConnection, "Can't open data connection.")
	}
	s.setData(newPassiveChannel(listener, s.ftpServer.DataTimeout))
	s.state = stateDataReady
	s.record(fmt.Sprintf("passive data channel on port %d", port), false)
	return port, true, nil
}

// PassiveModeCommand handles the PASV command from the client.
func (s *Session) PassiveModeCommand(cmd, arg string) error {
	if !s.ftpServer.PasvMode {
		return s.reply(StatusCommandNotImplemented, "Command not implemented.")
	}
	if ok, err := s.requireLogin(); !ok {
		return err
	}
	if s.epsvAll {
		return s.reply(StatusBadSequenceOfCommands, "EPSV ALL in effect, use EPSV.")
	}
	ip, hasIPv4 := s.passiveIPv4()
	if !hasIPv4 {
		return s.reply(StatusCantOpenDataConnection, "PASV needs an IPv4 address, use EPSV.")
	}
	port, ok, err := s.startPassive()
	if !ok {
		return err
	}
	return s.reply(StatusEnteringPassiveMode, fmt.Sprintf("Entering Passive Mode (%s).", EncodeHostPort(ip, port)))
}

// ExtendedPassiveModeCommand handles the EPSV command from the client.
func (s *Session) ExtendedPassiveModeCommand(cmd, arg string) error {
	if !s.ftpServer.PasvMode {
		return s.reply(StatusCommandNotImplemented, "Command not implemented.")
	}
	if ok, err := s.requireLogin(); !ok {
		return err
	}
	switch strings.ToUpper(arg) {
	case "", "1", "2":
	case "ALL":
		s.epsvAll = true
		return s.reply(StatusCommandOK, "EPSV ALL ok.")
	default:
		return s.reply(StatusExtendedPortFailure, "Network protocol not supported, use (1,2).")
	}
	port, ok, err := s.startPassive()
	if !ok {
		return err
	}
	return s.reply(StatusEnteringExtendedPassiveMode, fmt.Sprintf("Entering Extended Passive Mode (|||%d|).", port))
}

// startActive dials addr and installs the connection as the data channel.
// The previous channel is only closed once the locator has been parsed.
func (s *Session) startActive(addr string) (bool, error) {
	s.closeData()
	conn, err := net.DialTimeout("tcp", addr, s.ftpServer.DataTimeout)
	if err != nil {
		s.record(fmt.Sprintf("could not connect to data port %s: %v", addr, err), true)
		return false, s.reply(StatusCantOpenDataConnection, "Can't open data connection.")
	}
	s.setData(newActiveChannel(conn))
	s.state = stateDataReady
	s.record(fmt.Sprintf("active data channel to %s", addr), false)
	return true, nil
}

// ActiveModeCommand handles the PORT command from the client.
func (s *Session) ActiveModeCommand(cmd, arg string) error {
	if !s.ftpServer.PortMode {
		return s.reply(StatusCommandNotImplemented, "Command not implemented.")
	}
	if ok, err := s.requireLogin(); !ok {
		return err
	}
	if s.epsvAll {
		return s.reply(StatusBadSequenceOfCommands, "EPSV ALL in effect, use EPSV.")
	}
	ip, port, err := ParseHostPort(arg)
	if err != nil {
		s.logger.Debug("bad PORT argument", "arg", arg, "error", err)
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	}
	addr := netip.AddrPortFrom(netip.AddrFrom4(ip), uint16(port)).String()
	if ok, err := s.startActive(addr); !ok {
		return err
	}
	return s.reply(StatusCommandOK, "PORT command successful.")
}

// ExtendedActiveModeCommand handles the EPRT command from the client.
func (s *Session) ExtendedActiveModeCommand(cmd, arg string) error {
	if !s.ftpServer.PortMode {
		return s.reply(StatusCommandNotImplemented, "Command not implemented.")
	}
	if ok, err := s.requireLogin(); !ok {
		return err
	}
	if s.epsvAll {
		return s.reply(StatusBadSequenceOfCommands, "EPSV ALL in effect, use EPSV.")
	}
	addr, err := ParseExtendedHostPort(arg)
	if errors.Is(err, errUnsupportedProtocol) {
		return s.reply(StatusExtendedPortFailure, "Network protocol not supported, use (1,2).")
	}
	if err != nil {
		s.logger.Debug("bad EPRT argument", "arg", arg, "error", err)
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	}
	if ok, err := s.startActive(addr.String()); !ok {
		return err
	}
	return s.reply(StatusCommandOK, "EPRT command successful.")
}

// requireData checks that a data channel was negotiated.
// Without a login the client is asked for the password; without a channel for PORT or PASV.
func (s *Session) requireData() (bool, error) {
	switch s.state {
	case stateDataReady:
		if s.currentData() != nil {
			return true, nil
		}
		s.state = stateLoggedIn
		return false, s.reply(StatusCantOpenDataConnection, "Use PORT or PASV first.")
	case stateLoggedIn:
		return false, s.reply(StatusCantOpenDataConnection, "Use PORT or PASV first.")
	default:
		return false, s.reply(StatusUserNameOK, "Please specify the password.")
	}
}

// RetrieveCommand handles the RETR command from the client.
// The file is streamed in fixed size chunks; the data channel is closed on every path.
func (s *Session) RetrieveCommand(cmd, arg string) error {
	if ok, err := s.requireData(); !ok {
		return err
	}
	// Close the data connection
	defer s.closeData()

	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	}
	filename := filesystem.Resolve(s.workingDir, arg)
	file, info, err := s.ftpServer.FsHandler.Open(filename)
	if err != nil {
		s.record(fmt.Sprintf("RETR %s: %v", filename, err), true)
		return s.reply(StatusFileUnavailable, "Failed to open file.")
	}
	defer file.Close()

	dataConn, err := s.currentData().Conn()
	if err != nil {
		s.record(fmt.Sprintf("RETR %s: %v", filename, err), true)
		return s.reply(StatusCantOpenDataConnection, "Failed to establish connection.")
	}
	if err := s.reply(StatusFileStatusOK, fmt.Sprintf("Opening BINARY mode data connection for %s (%d bytes).", arg, info.Size())); err != nil {
		return err
	}

	w := &dataWriter{w: dataConn}
	n, err := io.CopyBuffer(w, file, make([]byte, retrBufferSize))
	s.closeData()
	if err != nil {
		s.record(fmt.Sprintf("RETR %s failed after %d bytes: %v", filename, n, err), true)
		if w.err != nil {
			return s.reply(StatusConnectionClosedTransferAborted, "Failure writing network stream.")
		}
		return s.reply(StatusLocalProcessingError, "Failure reading local file.")
	}
	s.record(fmt.Sprintf("sent %s (%d bytes)", filename, n), false)
	return s.reply(StatusClosingDataConnection, "Transfer complete.")
}

// ListCommand handles the LIST command from the client.
// Arguments starting with '-' are ls flags and are ignored.
func (s *Session) ListCommand(cmd, arg string) error {
	if ok, err := s.requireData(); !ok {
		return err
	}
	defer s.closeData()

	target := s.workingDir
	if path := listPath(arg); path != "" {
		target = filesystem.Resolve(s.workingDir, path)
	}
	lines, _, err := s.ftpServer.FsHandler.Dir(target)
	if err != nil {
		s.record(fmt.Sprintf("LIST %s: %v", target, err), true)
		return s.reply(StatusFileUnavailable, "Failed to list directory.")
	}

	dataConn, err := s.currentData().Conn()
	if err != nil {
		s.record(fmt.Sprintf("LIST %s: %v", target, err), true)
		return s.reply(StatusCantOpenDataConnection, "Failed to establish connection.")
	}
	if err := s.reply(StatusFileStatusOK, "Here comes the directory listing."); err != nil {
		return err
	}

	bw := bufio.NewWriter(dataConn)
	for _, line := range lines {
		if _, err = bw.WriteString(line + "\r\n"); err != nil {
			break
		}
	}
	if err == nil {
		err = bw.Flush()
	}
	s.closeData()
	if err != nil {
		s.record(fmt.Sprintf("LIST %s failed: %v", target, err), true)
		return s.reply(StatusConnectionClosedTransferAborted, "Failure writing network stream.")
	}
	return s.reply(StatusClosingDataConnection, "Directory send OK.")
}

func listPath(arg string) string {
	fields := strings.Fields(arg)
	for len(fields) > 0 && strings.HasPrefix(fields[0], "-") {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// dataWriter remembers the first write error so RETR can tell a network failure from a read failure.
type dataWriter struct {
	w   io.Writer
	err error
}

func (d *dataWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil && d.err == nil {
		d.err = err
	}
	return n, err
}

var errUnsupportedProtocol = errors.New("unsupported network protocol")

// EncodeHostPort renders ip and port as the PASV and PORT tuple h1,h2,h3,h4,p1,p2.
func EncodeHostPort(ip [4]byte, port int) string {
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256)
}

// ParseHostPort decodes a PORT argument "h1,h2,h3,h4,p1,p2".
func ParseHostPort(arg string) ([4]byte, int, error) {
	var ip [4]byte
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return ip, 0, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	var nums [6]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 255 {
			return ip, 0, fmt.Errorf("field %d %q is not a byte", i+1, part)
		}
		nums[i] = n
	}
	port := nums[4]*256 + nums[5]
	if port == 0 {
		return ip, 0, errors.New("port 0")
	}
	for i := range ip {
		ip[i] = byte(nums[i])
	}
	return ip, port, nil
}

// ParseExtendedHostPort decodes an EPRT argument "<d>proto<d>address<d>port<d>".
// The delimiter is the first character and may be any printable ASCII character.
func ParseExtendedHostPort(arg string) (netip.AddrPort, error) {
	if len(arg) < 1 || arg[0] < 33 || arg[0] > 126 {
		return netip.AddrPort{}, errors.New("missing delimiter")
	}
	delim := arg[:1]
	parts := strings.Split(arg, delim)
	if len(parts) != 5 || parts[0] != "" || parts[4] != "" {
		return netip.AddrPort{}, fmt.Errorf("expected 3 fields between %q delimiters", delim)
	}
	proto, host, portText := parts[1], parts[2], parts[3]

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad address: %w", err)
	}
	switch proto {
	case "1":
		if !addr.Is4() {
			return netip.AddrPort{}, fmt.Errorf("%s is not an IPv4 address", host)
		}
	case "2":
		if !addr.Is6() {
			return netip.AddrPort{}, fmt.Errorf("%s is not an IPv6 address", host)
		}
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: %q", errUnsupportedProtocol, proto)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("bad port %q", portText)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
