// Command agentd runs the sandboxed agent session daemon.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Sandboxed agent session daemon",
	Long: `agentd drives Claude Code, Codex, Amp, Codebuff, OpenCode, and
ACP-bridged agents (Gemini) behind one Universal Event Schema, and manages
the user-visible processes and PTYs those sessions spawn.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
