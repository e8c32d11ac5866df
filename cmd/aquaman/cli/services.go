package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/aquaman/internal/service"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect the service registry",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services",
	Args:  cobra.NoArgs,
	RunE:  runServicesList,
}

func init() {
	servicesCmd.AddCommand(servicesListCmd)
	rootCmd.AddCommand(servicesCmd)
}

func runServicesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry := service.NewRegistry(cfg.ServicesFile)
	defs := registry.List()

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(defs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAUTH\tUPSTREAM")
	for _, d := range defs {
		label := string(d.AuthMode)
		if service.IsBuiltin(d.Name) {
			label += " (builtin)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, label, d.Upstream)
	}
	return w.Flush()
}
