package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/majorcontext/aquaman/internal/audit"
	"github.com/majorcontext/aquaman/internal/config"
	"github.com/majorcontext/aquaman/internal/log"
	"github.com/majorcontext/aquaman/internal/oauth"
	"github.com/majorcontext/aquaman/internal/proxy"
	"github.com/majorcontext/aquaman/internal/service"
)

var (
	daemonPluginMode bool
	daemonHost       string
	daemonPort       int
	daemonSocket     string
	daemonToken      string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the credential proxy daemon",
	Long: `Run the proxy daemon in the foreground until interrupted.

In plugin mode the daemon generates a client token (unless one is
configured), prints a single JSON ready line to stdout with the bound
endpoint, and gates every proxied request on the token.

Example:
  aquaman daemon
  aquaman daemon --plugin-mode --port 0`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonPluginMode, "plugin-mode", false, "print a ready line to stdout and require a client token")
	daemonCmd.Flags().StringVar(&daemonHost, "host", "", "bind address (overrides config)")
	daemonCmd.Flags().IntVar(&daemonPort, "port", -1, "TCP port, 0 for dynamic (overrides config)")
	daemonCmd.Flags().StringVar(&daemonSocket, "socket", "", "unix socket path (overrides config)")
	daemonCmd.Flags().StringVar(&daemonToken, "token", "", "client token (overrides config)")
	rootCmd.AddCommand(daemonCmd)
}

// daemonLogOptions layers the logging config under the CLI flags: a
// flag can turn a sink on, the config file cannot turn a flag off.
func daemonLogOptions(cfg *config.Config) log.Options {
	return log.Options{
		Verbose:       verbose || cfg.Logging.Verbose,
		JSONFormat:    jsonOut || cfg.Logging.JSONFormat,
		Interactive:   isatty.IsTerminal(os.Stderr.Fd()),
		DebugDir:      cfg.Logging.DebugDir,
		RetentionDays: cfg.Logging.RetentionDays,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Reinitialize with the config file's logging section; the root
	// command set the logger up before the config was available.
	if err := log.Init(daemonLogOptions(cfg)); err != nil {
		return err
	}

	// Backend unavailability here is fatal: refusing to start beats
	// serving requests that can never authenticate.
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("credential store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.Open(cfg.AuditDir)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	defer auditLog.Close()

	registry := service.NewRegistry(cfg.ServicesFile)

	token := cfg.ClientToken
	if daemonToken != "" {
		token = daemonToken
	}
	if daemonPluginMode && token == "" {
		token, err = proxy.GenerateClientToken()
		if err != nil {
			return err
		}
	}

	handler := proxy.NewHandler(proxy.Options{
		Registry:        registry,
		Store:           store,
		Tokens:          oauth.NewCache(store),
		AllowedServices: cfg.AllowedServices,
		ClientToken:     token,
		UpstreamTimeout: time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second,
		Version:         version,
		Sink: func(info proxy.RequestInfo) {
			auditLog.LogCredentialAccess(audit.CredentialAccess{
				Service:    info.Service,
				Operation:  "proxy",
				Success:    info.Authenticated,
				Error:      info.Error,
				RequestID:  info.ID,
				Method:     info.Method,
				Path:       info.Path,
				StatusCode: info.StatusCode,
			})
		},
	})

	host := cfg.Listen.Host
	if daemonHost != "" {
		host = daemonHost
	}
	port := cfg.ListenPort()
	if daemonPort >= 0 {
		port = daemonPort
	}
	socket := cfg.Listen.SocketPath
	if daemonSocket != "" {
		socket = daemonSocket
	}

	srv := proxy.NewServer(handler, proxy.ServerConfig{
		Host:        host,
		Port:        port,
		SocketPath:  socket,
		TLSCertFile: cfg.Listen.TLSCertFile,
		TLSKeyFile:  cfg.Listen.TLSKeyFile,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	if daemonPluginMode {
		if err := srv.WriteReady(os.Stdout, token); err != nil {
			srv.Stop()
			return fmt.Errorf("writing ready line: %w", err)
		}
	} else if srv.SocketPath() != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "aquaman daemon listening on %s\n", srv.SocketPath())
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "aquaman daemon listening on %s\n", srv.Addr())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	return srv.Stop()
}
