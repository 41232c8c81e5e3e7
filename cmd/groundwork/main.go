package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/groundwork/internal/api"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "groundwork",
	Short:         "Chunk, embed and search documents and curated concepts",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Status lines go to stderr.
	colorOff := os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stderr.Fd()))
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", colorOff, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	api.Version = version
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
