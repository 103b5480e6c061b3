// Command skybridge runs the relay server that pairs remote automation
// agents with local browser extensions, plus small operator tooling for
// instances and tokens.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "skybridge",
	Short: "Browser extension relay",
	Long: `skybridge pairs a remote automation agent with a local browser
extension. Both sides dial out to the relay over WebSocket, keyed by
instance id; CDP commands flow agent → extension and results flow back.`,
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "skybridge.yaml", "config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(instanceCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
