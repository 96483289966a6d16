package commands

import (
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/prompter/ai/provider"
)

// ProviderCmd groups provider and model registry commands
var ProviderCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage providers and models",
	Long: `Manage the provider and model registry.

sync loads the provider catalog (engine.catalog_path, or the built-in
catalog) into the registry. Credentials are read from each provider's
api_key_env variable and stored encrypted when engine.secret_key is set.

Examples:
  prompter provider sync
  prompter provider list
  prompter provider models anthropic
  prompter provider set-default openai gpt-4o
  prompter provider enable local`,
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers",
	Args:  cobra.NoArgs,
	RunE:  runProviderList,
}

var providerModelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List models",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProviderModels,
}

var providerSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load the provider catalog into the registry",
	Args:  cobra.NoArgs,
	RunE:  runProviderSync,
}

var providerSetDefaultCmd = &cobra.Command{
	Use:   "set-default <provider> <model>",
	Short: "Make a model the provider's default",
	Args:  cobra.ExactArgs(2),
	RunE:  runProviderSetDefault,
}

var providerEnableCmd = &cobra.Command{
	Use:   "enable <provider>",
	Short: "Enable a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setProviderActive(cmd, args[0], true) },
}

var providerDisableCmd = &cobra.Command{
	Use:   "disable <provider>",
	Short: "Disable a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setProviderActive(cmd, args[0], false) },
}

var syncCatalogPath string

func init() {
	providerSyncCmd.Flags().StringVar(&syncCatalogPath, "catalog", "", "Catalog file (default: engine.catalog_path or built-in)")
	providerListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	providerModelsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")

	ProviderCmd.AddCommand(providerListCmd)
	ProviderCmd.AddCommand(providerModelsCmd)
	ProviderCmd.AddCommand(providerSyncCmd)
	ProviderCmd.AddCommand(providerSetDefaultCmd)
	ProviderCmd.AddCommand(providerEnableCmd)
	ProviderCmd.AddCommand(providerDisableCmd)
}

func runProviderList(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	providers, err := svc.registry.ListProviders(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(providers)
	}

	rows := make([][]string, 0, len(providers))
	for _, p := range providers {
		credential := p.Redacted()
		if p.RequiresCredential() && !p.HasCredential() {
			credential = pterm.Red("missing")
		}
		rpm := "-"
		if p.RequestsPerMinute > 0 {
			rpm = strconv.Itoa(p.RequestsPerMinute)
		}
		rows = append(rows, []string{
			p.Name,
			string(p.Family),
			orDash(p.BaseURL),
			credential,
			strconv.FormatFloat(p.DefaultTemperature, 'f', -1, 64),
			strconv.Itoa(p.DefaultMaxTokens),
			rpm,
			yesNo(p.Active),
		})
	}
	return printTable([]string{"Name", "Family", "Base URL", "Key", "Temp", "Max tokens", "RPM", "Active"}, rows)
}

func runProviderModels(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	models, err := svc.registry.ListModels(cmd.Context(), name)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(models)
	}

	rows := make([][]string, 0, len(models))
	for _, m := range models {
		modelName := m.Name
		if m.IsDefault {
			modelName += " " + pterm.LightGreen("(default)")
		}
		rows = append(rows, []string{
			m.ProviderName,
			modelName,
			strconv.Itoa(m.MaxOutputTokens),
			strconv.Itoa(m.ContextWindow),
			"$" + m.InputPrice.String() + " / $" + m.OutputPrice.String(),
			orDash(strings.Join(m.Capabilities, ",")),
			yesNo(m.Active),
			m.ID,
		})
	}
	return printTable([]string{"Provider", "Model", "Max out", "Context", "Price /1M in/out", "Capabilities", "Active", "ID"}, rows)
}

func runProviderSync(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	var catalog *provider.Catalog
	if syncCatalogPath != "" {
		catalog, err = provider.LoadCatalog(syncCatalogPath)
	} else {
		catalog, err = svc.catalog()
	}
	if err != nil {
		return err
	}

	res, err := catalog.Apply(cmd.Context(), svc.registry)
	if err != nil {
		return err
	}
	printSuccess("Synced %d providers and %d models (%d credentials from environment)",
		res.Providers, res.Models, res.Credentials)
	return nil
}

func runProviderSetDefault(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.registry.SetDefaultModel(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	printSuccess("%s is now the default model of %s", args[1], args[0])
	return nil
}

func setProviderActive(cmd *cobra.Command, name string, active bool) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.registry.SetProviderActive(cmd.Context(), name, active); err != nil {
		return err
	}
	state := "Disabled"
	if active {
		state = "Enabled"
	}
	printSuccess("%s %s", state, name)
	return nil
}
