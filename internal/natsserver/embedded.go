// Package natsserver runs an in-process JetStream server so the memo
// events (capture status, transcription outcomes) have a broker even on a
// single machine with nothing else installed.
package natsserver

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-memo/internal/config"
)

const (
	readyTimeout = 5 * time.Second
	// Events are small JSON documents; anything larger is a bug.
	maxPayload = 256 * 1024
)

// Server is the embedded broker. A nil *Server is valid and does nothing.
type Server struct {
	ns       *server.Server
	storeDir string
	log      *slog.Logger
}

// Start launches the broker when cfg.Embedded is set and returns nil
// otherwise. It binds loopback only; a port of -1 picks a free one.
func Start(cfg config.BusConfig, log *slog.Logger) (*Server, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	opts := options(cfg)

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", opts.StoreDir),
		slog.Int64("max_store_bytes", opts.JetStreamMaxStore))

	return &Server{ns: ns, storeDir: opts.StoreDir, log: log}, nil
}

// options maps the bus section onto server options. The client side of
// bus.Connect sends the same credentials, so a token or user/password set
// in config locks the local broker too.
func options(cfg config.BusConfig) *server.Options {
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = filepath.Join("data", "nats")
	}
	opts := &server.Options{
		ServerName:        "loqa-memo",
		Host:              "127.0.0.1",
		Port:              cfg.Port,
		JetStream:         true,
		StoreDir:          storeDir,
		JetStreamMaxStore: int64(cfg.MaxStoreMB) << 20,
		MaxPayload:        maxPayload,
		NoSigs:            true,
		NoLog:             true,
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	return opts
}

// ClientURL is the address clients should dial.
func (s *Server) ClientURL() string {
	if s == nil || s.ns == nil {
		return ""
	}
	return s.ns.ClientURL()
}

// Shutdown stops the broker and waits for JetStream to flush.
func (s *Server) Shutdown() {
	if s == nil || s.ns == nil {
		return
	}
	s.log.Info("shutting down embedded NATS server", slog.String("store_dir", s.storeDir))
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
