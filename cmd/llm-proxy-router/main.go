package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "llm-proxy-router",
		Short:         "Route LLM traffic through the managed proxy with direct-provider fallback",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `llm-proxy-router serves an OpenAI-compatible gateway that sends model
traffic through the managed LLM proxy when distribution mode is on, and falls
back to direct provider access while the proxy is unavailable.

Environment Variables:
  LLM_PROXY_DISTRIBUTION  Enable distribution mode (true/false)
  LLM_PROXY_URL           Managed proxy base URL
  LLM_PROXY_API_KEY       Managed proxy credential
  LLM_PROXY_PORT          Server port (default: 8080)
  LLM_PROXY_DB_PATH       SQLite database path
  OPENAI_API_KEY          OpenAI API key for standard mode
  ANTHROPIC_API_KEY       Anthropic API key for standard mode
  LLM_PROXY_LOG_LEVEL     Log level (debug,info,warn,error,fatal)
  LLM_PROXY_LOG_FORMAT    Log format (json,text)`,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	root.AddCommand(
		newServeCommand(&configPath),
		newFailuresCommand(&configPath),
		newVisibilityCommand(&configPath),
		newStatusCommand(&configPath),
	)
	return root
}
