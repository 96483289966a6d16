package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/prompter/ai/ledger"
)

// LedgerCmd groups execution ledger commands
var LedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect recorded executions",
	Long: `Inspect the append-only execution ledger.

Every execution that reached a provider and model is recorded once,
including cache hits and failures.

Examples:
  prompter ledger list --limit 20
  prompter ledger list --status failure --since 24h
  prompter ledger show <execution-id>
  prompter ledger stats --since 7d`,
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runLedgerList,
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics and a per-model breakdown",
	Args:  cobra.NoArgs,
	RunE:  runLedgerStats,
}

var (
	ledgerFilter ledger.Filter
	ledgerStatus string
	ledgerSince  string
)

func init() {
	ledgerListCmd.Flags().StringVar(&ledgerFilter.TemplateName, "template", "", "Only this template name")
	ledgerListCmd.Flags().StringVar(&ledgerFilter.Provider, "provider", "", "Only this provider")
	ledgerListCmd.Flags().StringVar(&ledgerFilter.Model, "model", "", "Only this model")
	ledgerListCmd.Flags().StringVar(&ledgerStatus, "status", "", "Only success or failure")
	ledgerListCmd.Flags().IntVar(&ledgerFilter.Limit, "limit", 50, "Maximum records")
	for _, c := range []*cobra.Command{ledgerListCmd, ledgerStatsCmd} {
		c.Flags().StringVar(&ledgerSince, "since", "", "Only records newer than a duration (24h, 7d) or RFC 3339 time")
	}
	for _, c := range []*cobra.Command{ledgerListCmd, ledgerShowCmd, ledgerStatsCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	}

	LedgerCmd.AddCommand(ledgerListCmd)
	LedgerCmd.AddCommand(ledgerShowCmd)
	LedgerCmd.AddCommand(ledgerStatsCmd)
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	since, err := parseSince(ledgerSince, time.Now())
	if err != nil {
		return err
	}
	ledgerFilter.Since = since
	ledgerFilter.Status = ledger.Status(ledgerStatus)

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	records, err := svc.ledger.List(cmd.Context(), ledgerFilter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(records)
	}

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.ID[:8],
			formatTime(&r.CreatedAt),
			orDash(templateLabel(r)),
			r.Provider + "/" + r.Model,
			statusLabel(r),
			strconv.Itoa(r.TokensUsed),
			"$" + r.Cost.StringFixed(6),
			strconv.FormatInt(r.DurationMS, 10) + "ms",
		})
	}
	return printTable([]string{"ID", "Time", "Template", "Model", "Status", "Tokens", "Cost", "Duration"}, rows)
}

func templateLabel(r *ledger.Record) string {
	if r.TemplateName == "" {
		return ""
	}
	return fmt.Sprintf("%s v%d", r.TemplateName, r.TemplateVersion)
}

func statusLabel(r *ledger.Record) string {
	switch {
	case r.Status == ledger.StatusFailure:
		return pterm.Red(r.ErrorKind)
	case r.CacheHit:
		return pterm.LightGreen("cached")
	default:
		return pterm.Green("ok")
	}
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	r, err := svc.ledger.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(r)
	}

	fields := [][2]string{
		{"ID", r.ID},
		{"Time", formatTime(&r.CreatedAt)},
		{"Status", string(r.Status)},
		{"Template", orDash(templateLabel(r))},
		{"Dataset entry", orDash(r.DatasetEntryID)},
		{"Provider", r.Provider},
		{"Model", r.Model},
		{"Temperature", formatFloatPtr(r.Temperature)},
		{"Max tokens", formatIntPtr(r.MaxTokens)},
		{"Tokens", fmt.Sprintf("%d (%d prompt, %d completion)", r.TokensUsed, r.PromptTokens, r.CompletionTokens)},
		{"Cost", "$" + r.Cost.String()},
		{"Duration", strconv.FormatInt(r.DurationMS, 10) + "ms"},
		{"Attempts", strconv.Itoa(r.Attempts)},
		{"Cache hit", yesNo(r.CacheHit)},
		{"Cache key", orDash(r.CacheKey)},
	}
	if r.Status == ledger.StatusFailure {
		fields = append(fields, [2]string{"Error", r.ErrorKind + ": " + r.ErrorMessage})
	}
	printFields(fields)

	if r.SystemPrompt != "" {
		pterm.DefaultSection.Println("System prompt")
		fmt.Println(r.SystemPrompt)
	}
	pterm.DefaultSection.Println("User prompt")
	fmt.Println(r.UserPrompt)
	if r.Response != nil {
		pterm.DefaultSection.Println("Response")
		fmt.Println(*r.Response)
	}
	return nil
}

func runLedgerStats(cmd *cobra.Command, args []string) error {
	since, err := parseSince(ledgerSince, time.Now())
	if err != nil {
		return err
	}

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	st, err := svc.ledger.Stats(ctx, since)
	if err != nil {
		return err
	}
	breakdown, err := svc.ledger.ModelBreakdown(ctx, since)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"stats": st, "models": breakdown})
	}

	printFields([][2]string{
		{"Executions", strconv.Itoa(st.TotalExecutions)},
		{"Success rate", fmt.Sprintf("%.1f%%", st.SuccessRate*100)},
		{"Cache hit rate", fmt.Sprintf("%.1f%%", st.CacheHitRate*100)},
		{"Tokens", strconv.Itoa(st.TotalTokens)},
		{"Cost", "$" + st.TotalCost.StringFixed(6)},
		{"Models", strconv.Itoa(st.UniqueModels)},
	})

	rows := make([][]string, 0, len(breakdown))
	for _, b := range breakdown {
		rows = append(rows, []string{
			b.Provider + "/" + b.Model,
			strconv.Itoa(b.RequestCount),
			strconv.Itoa(b.CacheHits),
			strconv.Itoa(b.TotalTokens),
			"$" + b.TotalCost.StringFixed(6),
			fmt.Sprintf("%.0fms", b.AvgResponseTimeMs),
		})
	}
	pterm.Println()
	return printTable([]string{"Model", "Requests", "Cached", "Tokens", "Cost", "Avg time"}, rows)
}
