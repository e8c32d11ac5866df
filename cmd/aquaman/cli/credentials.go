package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/majorcontext/aquaman/internal/credential"
	"github.com/majorcontext/aquaman/internal/name"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage stored credentials",
}

var credentialsStdin bool

var credentialsAddCmd = &cobra.Command{
	Use:   "add <service> <key> [value]",
	Short: "Store a credential",
	Long: `Store a credential value for a service.

The value may be passed as a third argument, piped via --stdin, or
entered at a hidden prompt.

Example:
  aquaman credentials add anthropic api_key
  echo -n "$TOKEN" | aquaman credentials add github api_key --stdin`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCredentialsAdd,
}

var credentialsRemoveCmd = &cobra.Command{
	Use:   "remove <service> <key>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(2),
	RunE:  runCredentialsRemove,
}

var credentialsListCmd = &cobra.Command{
	Use:   "list [service]",
	Short: "List stored credentials (names only, never values)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCredentialsList,
}

func init() {
	credentialsAddCmd.Flags().BoolVar(&credentialsStdin, "stdin", false, "read the value from stdin")
	credentialsCmd.AddCommand(credentialsAddCmd, credentialsRemoveCmd, credentialsListCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func runCredentialsAdd(cmd *cobra.Command, args []string) error {
	svc, key := args[0], args[1]
	if err := name.ValidateService(svc); err != nil {
		return err
	}
	if err := name.ValidateKey(key); err != nil {
		return err
	}

	value, err := readCredentialValue(args)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("refusing to store an empty value for %s/%s", svc, key)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	meta := &credential.Metadata{Source: "cli", CreatedAt: time.Now().UTC()}
	if err := store.Set(cmd.Context(), svc, key, value, meta); err != nil {
		return err
	}
	fmt.Printf("Stored %s/%s\n", svc, key)
	return nil
}

// readCredentialValue resolves the value from the argument, stdin, or a
// hidden terminal prompt, in that order of preference.
func readCredentialValue(args []string) (string, error) {
	if len(args) == 3 {
		return args[2], nil
	}
	if credentialsStdin {
		r := bufio.NewReader(os.Stdin)
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading value from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal; pass the value as an argument or use --stdin")
	}
	fmt.Fprint(os.Stderr, "Value: ")
	value, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading value: %w", err)
	}
	return string(value), nil
}

func runCredentialsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Delete(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no credential stored for %s/%s", args[0], args[1])
	}
	fmt.Printf("Removed %s/%s\n", args[0], args[1])
	return nil
}

func runCredentialsList(cmd *cobra.Command, args []string) error {
	svc := ""
	if len(args) == 1 {
		svc = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	refs, err := store.List(cmd.Context(), svc)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(refs)
	}
	if len(refs) == 0 {
		fmt.Println("No credentials stored")
		return nil
	}
	for _, ref := range refs {
		fmt.Printf("%s/%s\n", ref.Service, ref.Key)
	}
	return nil
}
