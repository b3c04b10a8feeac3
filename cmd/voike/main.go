package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootFlags override the loaded configuration for one invocation.
type rootFlags struct {
	project  string
	logLevel string
	dbPath   string
}

func newRootCmd() *cobra.Command {
	var (
		cfg   Config
		flags rootFlags
	)

	root := &cobra.Command{
		Use:           "voike",
		Short:         "Compile and run FLOW plans and VASM programs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = loadConfig()
			if flags.project != "" {
				cfg.ProjectID = flags.project
			}
			if flags.logLevel != "" {
				cfg.LogLevel = flags.logLevel
			}
			if flags.dbPath != "" {
				cfg.DBPath = flags.dbPath
			}
		},
	}
	root.PersistentFlags().StringVar(&flags.project, "project", "", "project id that owns compiled plans")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", `database location, or ":memory:"`)

	root.AddCommand(
		newParseCmd(),
		newPlanCmd(&cfg),
		newRunCmd(&cfg),
		newDiagramCmd(&cfg),
		newVASMCmd(&cfg),
		newServeCmd(&cfg),
		newInstallCmd(),
		newVersionCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
