package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meeboter",
		Short: "Meeboter - control plane for meeting bot fleets",
		Long:  "Deploys, routes, and supervises meeting bot containers across pool, Kubernetes, cloud task, and local Docker platforms",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Control plane base URL (admin commands)")

	rootCmd.AddCommand(
		daemonCmd(),
		statusCmd(),
		queueCmd(),
		slotsCmd(),
		deploymentsCmd(),
		reconcileCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
