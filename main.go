// ftpserverd serves files over FTP on a plaintext port and an implicit TLS port.
//
//	ftpserverd <port> <tls-port>
//
// Settings are read from the file named by FTPSERVERD_CONF (default ftpserverd.conf).
// CRT_FILE and KEY_FILE select the TLS certificate; without them a self-signed one is used.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/telebroad/ftpserverd/config"
	"github.com/telebroad/ftpserverd/eventlog"
	"github.com/telebroad/ftpserverd/filesystem"
	"github.com/telebroad/ftpserverd/ftp"
	"github.com/telebroad/ftpserverd/keys"
	"github.com/telebroad/ftpserverd/users"
)

const defaultConfigFile = "ftpserverd.conf"

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <port> <tls-port>\n", os.Args[0])
	os.Exit(2)
}

func parsePort(s string) (string, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port %q", s)
	}
	return strconv.Itoa(port), nil
}

func main() {
	if len(os.Args) != 3 {
		usage()
	}
	ftpPort, err := parsePort(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}
	ftpsPort, err := parsePort(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}
	if ftpPort == ftpsPort {
		fmt.Fprintln(os.Stderr, "the plaintext and tls ports must differ")
		usage()
	}

	if err := run(":"+ftpPort, ":"+ftpsPort); err != nil {
		slog.Error("ftpserverd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ftpAddr, ftpsAddr string) error {
	confFile := os.Getenv("FTPSERVERD_CONF")
	if confFile == "" {
		confFile = defaultConfigFile
	}
	cfg, err := config.Load(confFile)
	if err != nil {
		return err
	}

	// setting up the event log, it is also the process logger
	events, err := eventlog.New(cfg, os.Stdout, eventlog.ParseLevel(os.Getenv("LOG_LEVEL")))
	if err != nil {
		return err
	}
	defer events.Close()
	logger := events.Logger()
	slog.SetDefault(logger)
	logger.Debug("loaded config", "file", confFile)

	u, err := users.LoadFile(cfg.String(config.UsernameFile), logger.With("module", "users"))
	if err != nil {
		return err
	}

	ftpServer, err := ftp.NewServer(ftpAddr, filesystem.NewLocalFS(), u)
	if err != nil {
		return fmt.Errorf("error creating ftp server: %w", err)
	}
	ftpServer.TLSAddr = ftpsAddr
	ftpServer.SetLogger(logger)
	ftpServer.SetEventLog(events)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ftpServer.Configure(ctx, cfg); err != nil {
		return fmt.Errorf("error configuring ftp server: %w", err)
	}

	cert, err := keys.Certificate(os.Getenv("CRT_FILE"), os.Getenv("KEY_FILE"))
	if err != nil {
		return err
	}
	ftpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}

	// try is listen and serve with a timeout, if no error is returned in time it returns nil
	if err := ftpServer.TryListenAndServe(time.Second); err != nil {
		return err
	}
	logger.Info("FTP server started", "addr", ftpAddr)

	if err := ftpServer.TryListenAndServeTLS("", "", time.Second); err != nil {
		ftpServer.Close(fmt.Errorf("ftps listener failed: %w", err))
		return err
	}
	logger.Info("FTPS server started", "addr", ftpsAddr)

	// graceful shutdown
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stopChan

	err = ftpServer.Close(fmt.Errorf("ftp server closed by signal %s", sig))
	if err != nil && !errors.Is(err, ftp.ErrServerClosed) {
		return err
	}
	logger.Info("FTP server stopped")
	return nil
}
