package commands

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/prompter/am"
	"github.com/teranos/prompter/db"
	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/logger"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate configuration",
	Long: `am - Show and validate prompter configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (PROMPTER_* prefix, PROMPTER_SECRET_KEY)
2. Project config (nearest ./am.toml walking up)
3. User config (~/.prompter/am.toml)
4. System config (/etc/prompter/am.toml)
5. Default values

Examples:
  prompter am show                    # Show current configuration
  prompter am show --format json      # Show configuration in JSON format
  prompter am get engine.max_retries  # Get a specific value
  prompter am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	data, err := cfg.Marshal(configFormat)
	if err != nil {
		return err
	}
	if configFormat != "json" {
		fmt.Println("# prompter configuration")
	}
	fmt.Print(string(data))
	if configFormat == "json" {
		fmt.Println()
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if key == "engine.secret_key" {
		return errors.NewInvalidRequestError("engine.secret_key is not displayed")
	}
	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	if cfg.Engine.CatalogPath != "" {
		if _, err := (&services{cfg: cfg}).catalog(); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
	}
	printSuccess("Configuration is valid")
	return reportSchema()
}

// reportSchema lists migrations an existing database has not run yet.
// They are applied by the next command that opens it.
func reportSchema() error {
	path, err := databasePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		pterm.Info.Printfln("Database %s does not exist yet; it is created on first use", path)
		return nil
	}

	conn, err := db.Open(path, logger.ComponentLogger("db"))
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer conn.Close()

	pending, err := db.PendingMigrations(conn)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		printSuccess("Database schema at %s is up to date", path)
		return nil
	}
	for _, m := range pending {
		pterm.Info.Printfln("Pending migration %s", m.Name)
	}
	return nil
}
