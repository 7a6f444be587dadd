// Command tensorfetch downloads multi-file model artifacts from a
// content hub with resume, verification and bounded concurrency.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:          "tensorfetch",
		Short:        "Resumable bulk downloader for model artifacts",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")

	root.AddCommand(newGetCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string
