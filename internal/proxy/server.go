package proxy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/aquaman/internal/log"
)

const (
	// DefaultPort is the TCP port when none is configured.
	DefaultPort = 8081
	// DefaultHost keeps the listener loopback-only unless overridden.
	DefaultHost = "127.0.0.1"
	// DefaultShutdownGrace bounds the in-flight drain on Stop.
	DefaultShutdownGrace = 5 * time.Second
)

// ServerConfig describes where and how the daemon listens.
type ServerConfig struct {
	// Host and Port configure the TCP listener. Port 0 requests dynamic
	// allocation; the bound port is available from Port() after Start.
	// The config layer applies the 8081 default before constructing the
	// server, so a zero here is honored as-is.
	Host string
	Port int

	// SocketPath switches the listener to a unix socket. The socket is
	// created owner-only and any stale file at the path is removed first.
	SocketPath string

	// TLSCertFile and TLSKeyFile enable TLS on the TCP listener.
	TLSCertFile string
	TLSKeyFile  string

	// ShutdownGrace bounds how long Stop waits for in-flight requests.
	ShutdownGrace time.Duration
}

// Server owns the proxy's listener for its lifetime.
type Server struct {
	handler *Handler
	cfg     ServerConfig

	mu       sync.Mutex
	running  bool
	listener net.Listener
	httpSrv  *http.Server
	group    *errgroup.Group
}

// NewServer wraps a handler with listener lifecycle management.
func NewServer(handler *Handler, cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Server{handler: handler, cfg: cfg}
}

// Start binds the listener and begins serving. A second Start while
// running fails; the daemon owns exactly one listener.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("proxy server is already running")
	}

	ln, err := s.listen()
	if err != nil {
		return err
	}

	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.group = &errgroup.Group{}
	s.group.Go(s.serve)
	s.running = true

	log.Info("proxy listening", "addr", s.addrLocked())
	return nil
}

func (s *Server) serve() error {
	var err error
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		err = s.httpSrv.ServeTLS(s.listener, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.httpSrv.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// listen binds either the unix socket or the TCP address.
func (s *Server) listen() (net.Listener, error) {
	if s.cfg.SocketPath != "" {
		// A stale socket from a dead process blocks the bind.
		if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
		// Owner-only from the moment of creation.
		old := syscall.Umask(0177)
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		syscall.Umask(old)
		if err != nil {
			return nil, fmt.Errorf("binding socket %s: %w", s.cfg.SocketPath, err)
		}
		return ln, nil
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	return ln, nil
}

// Stop closes the listener, drains in-flight requests within the grace
// period, releases the socket file, and clears the client token.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpSrv
	group := s.group
	s.running = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		// Grace expired; force the remaining connections closed.
		srv.Close()
	}
	err := group.Wait()

	if s.cfg.SocketPath != "" {
		if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = fmt.Errorf("removing socket: %w", rmErr)
		}
	}

	s.mu.Lock()
	s.listener = nil
	s.httpSrv = nil
	s.group = nil
	s.mu.Unlock()

	s.handler.ClearClientToken()
	log.Info("proxy stopped")
	return err
}

// IsRunning reports whether the listener is active.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the bound TCP port, honoring dynamic allocation. Zero
// when not running or when listening on a socket.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// SocketPath returns the configured unix socket path, if any.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Addr returns the listener's address string.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrLocked()
}

func (s *Server) addrLocked() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ReadyLine is the one-shot JSON line printed to stdout in plugin mode
// so a managing host process can discover the bound endpoint.
type ReadyLine struct {
	Ready      bool     `json:"ready"`
	Port       int      `json:"port,omitempty"`
	SocketPath string   `json:"socketPath,omitempty"`
	Services   []string `json:"services"`
	Token      string   `json:"token,omitempty"`
}

// WriteReady emits the plugin-mode ready line. token may be empty when
// the daemon runs without a client-token gate.
func (s *Server) WriteReady(w io.Writer, token string) error {
	line := ReadyLine{
		Ready:      true,
		Port:       s.Port(),
		SocketPath: s.cfg.SocketPath,
		Services:   s.handler.AllowedServices(),
		Token:      token,
	}
	return json.NewEncoder(w).Encode(line)
}

// GenerateClientToken produces a fresh random token for plugin mode.
func GenerateClientToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating client token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
