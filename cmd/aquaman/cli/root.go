package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/majorcontext/aquaman/internal/config"
	"github.com/majorcontext/aquaman/internal/credential"
	"github.com/majorcontext/aquaman/internal/log"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	verbose    bool
	jsonOut    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "aquaman",
	Short: "Aquaman - credential-isolating proxy for local tools",
	Long: `Aquaman keeps API credentials out of the processes that use them.
Tools send unauthenticated requests to a local listener; the daemon
attaches the stored credential and forwards the request to the real
service. Credentials live in a pluggable store (native keyring,
encrypted file, 1Password, Vault, encrypted SQLite) and every proxied
request lands in a tamper-evident audit log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(log.Options{
			Verbose:     verbose,
			JSONFormat:  jsonOut,
			Interactive: isatty.IsTerminal(os.Stderr.Fd()),
		})
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	defer log.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.aquaman/config.yaml)")
	rootCmd.Version = version
}

// loadConfig reads the daemon configuration honoring --config.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openStore constructs the configured credential backend.
func openStore(ctx context.Context, cfg *config.Config) (credential.Store, error) {
	if err := resolveStoreSecrets(&cfg.Credentials); err != nil {
		return nil, err
	}
	return credential.New(ctx, cfg.Credentials)
}

// resolveStoreSecrets fills in the secrets the environment did not
// supply. The file and sqlite backends fall back to a hidden terminal
// prompt; everything else must arrive via the environment.
func resolveStoreSecrets(cfg *credential.Config) error {
	switch cfg.Backend {
	case "file", "sqlite":
		if cfg.Password != "" {
			return nil
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("%s store password not set; export %s or run from a terminal", cfg.Backend, config.StorePasswordEnv)
		}
		fmt.Fprint(os.Stderr, "Store password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reading store password: %w", err)
		}
		if len(pw) == 0 {
			return fmt.Errorf("store password must not be empty")
		}
		cfg.Password = string(pw)
	case "vault":
		if cfg.VaultToken == "" {
			return fmt.Errorf("vault token not set; export %s or VAULT_TOKEN", config.VaultTokenEnv)
		}
	}
	return nil
}
