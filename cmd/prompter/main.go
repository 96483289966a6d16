package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/teranos/prompter/am"
	"github.com/teranos/prompter/cmd/prompter/commands"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/logger"
)

var rootCmd = &cobra.Command{
	Use:   "prompter",
	Short: "prompter - prompt templates, model routing and cached LLM execution",
	Long: `prompter - prompt templates, model routing and cached LLM execution.

Templates are versioned prompts with {{ placeholders }}. Executions pick a
provider and model, reuse cached responses for identical requests and are
recorded in an append-only ledger.

Available commands:
  exec      - Execute a stored template
  raw       - Execute literal prompts
  template  - Author and import templates
  provider  - Manage providers and models
  cache     - Inspect the response cache
  ledger    - Inspect recorded executions
  am        - Show and validate configuration ("I am")

Examples:
  prompter provider sync                               # Load the provider catalog
  prompter template import prompts/                    # Import template documents
  prompter exec repo-summary --context "repo_name=prompter"
  prompter raw "Say hello" --model gpt-4o-mini
  prompter ledger stats --since 24h`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints config to stdout; keep it free of log noise
		if cmd.Name() == "show" && cmd.Parent() != nil && cmd.Parent().Name() == "am" {
			return nil
		}
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose, _ := cmd.Flags().GetCount("verbose"); verbose > 0 {
			level = "debug"
		}
		if err := logger.Initialize(cfg.Log.JSON, level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	// Credentials usually live in .env next to am.toml
	_ = godotenv.Load()

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().StringVar(&commands.DatabasePath, "db", "", "Database path (default: database.path from am.toml)")

	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.RawCmd)
	rootCmd.AddCommand(commands.TemplateCmd)
	rootCmd.AddCommand(commands.ProviderCmd)
	rootCmd.AddCommand(commands.CacheCmd)
	rootCmd.AddCommand(commands.LedgerCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		commands.PrintError(err)
		os.Exit(1)
	}
}
