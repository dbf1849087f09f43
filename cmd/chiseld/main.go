package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "chiseld",
		Short: "chiseld - scripted endpoint host",
		Long:  "Serves user-authored typed-JS request handlers, hot-loaded into embedded JS engines",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to JSON config file (optional, env overrides)")

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print chiseld version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chiseld %s\n", version)
		},
	}
}
