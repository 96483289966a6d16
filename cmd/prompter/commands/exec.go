package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/prompter/ai/engine"
	"github.com/teranos/prompter/logger"
	"github.com/teranos/prompter/prompt"
)

// ExecCmd executes a stored template
var ExecCmd = &cobra.Command{
	Use:   "exec <template>",
	Short: "Execute a stored template",
	Long: `Execute a stored template by name or ID.

The template is rendered against the context, routed to a provider and
model, answered from the cache when an identical request was seen before,
and recorded in the execution ledger.

Examples:
  prompter exec repo-summary --context "repo_name=prompter"
  prompter exec repo-summary --version 2 --context-file row.json
  prompter exec repo-summary --model claude-sonnet-4-20250514 --context "repo_name=x"
  prompter exec repo-summary --dry-run --context "repo_name=x"`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

// callFlags are shared by exec and raw
type callFlags struct {
	context        []string
	contextFile    string
	model          string
	provider       string
	temperature    float64
	maxTokens      int
	datasetEntryID string
	dryRun         bool
}

func (f *callFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.context, "context", "c", nil, `Context variables, e.g. "name=value other='two words'" (repeatable)`)
	cmd.Flags().StringVar(&f.contextFile, "context-file", "", "JSON object file with context variables")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model name or registry ID (overrides the template)")
	cmd.Flags().StringVarP(&f.provider, "provider", "p", "", "Provider to route to")
	cmd.Flags().Float64VarP(&f.temperature, "temperature", "t", 0, "Sampling temperature")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "Maximum output tokens")
	cmd.Flags().StringVar(&f.datasetEntryID, "dataset-entry", "", "Dataset entry this execution belongs to")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Render and route without calling the provider")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
}

// overrides returns the temperature and max tokens only when set on the
// command line
func (f *callFlags) overrides(cmd *cobra.Command) (*float64, *int) {
	var temperature *float64
	var maxTokens *int
	if cmd.Flags().Changed("temperature") {
		temperature = &f.temperature
	}
	if cmd.Flags().Changed("max-tokens") {
		maxTokens = &f.maxTokens
	}
	return temperature, maxTokens
}

var (
	execFlags   callFlags
	execVersion int
)

func init() {
	execFlags.register(ExecCmd)
	ExecCmd.Flags().IntVar(&execVersion, "version", 0, "Template version (default: current)")
}

// interruptible cancels the returned context on Ctrl-C. Each invocation
// gets a request id that tags every engine log line.
func interruptible() (context.Context, context.CancelFunc) {
	ctx := logger.WithRequestID(context.Background(), uuid.NewString())
	return signal.NotifyContext(ctx, os.Interrupt)
}

func runExec(cmd *cobra.Command, args []string) error {
	vars, err := parseContext(execFlags.context, execFlags.contextFile)
	if err != nil {
		return err
	}

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	eng, err := svc.engine()
	if err != nil {
		return err
	}

	temperature, maxTokens := execFlags.overrides(cmd)
	req := engine.ExecuteRequest{
		Template:       prompt.ParseRef(args[0], execVersion),
		Context:        vars,
		Model:          execFlags.model,
		Provider:       execFlags.provider,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		DatasetEntryID: execFlags.datasetEntryID,
	}

	ctx, cancel := interruptible()
	defer cancel()

	if execFlags.dryRun {
		plan, err := eng.Preview(ctx, req)
		if err != nil {
			return err
		}
		return printPlan(plan)
	}

	res, err := eng.Execute(ctx, req)
	if err != nil {
		return err
	}
	return printResult(res)
}

func printResult(res *engine.Result) error {
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Println(res.Text)

	if res.PassedOver != "" {
		pterm.Warning.WithWriter(os.Stderr).Printfln("model %q is not available; used %s/%s (%s)", res.PassedOver, res.Provider, res.Model, res.Source)
	}
	cached := ""
	if res.CacheHit {
		cached = pterm.LightGreen(" cached")
	}
	fmt.Fprintf(os.Stderr, "%s %s/%s%s · %d tokens · $%s · %s · %s\n",
		pterm.Gray("─"),
		res.Provider, res.Model, cached,
		res.TokensUsed, res.Cost.StringFixed(6), res.Duration, pterm.Gray(res.ExecutionID))
	return nil
}

func printPlan(plan *engine.Plan) error {
	if jsonOutput {
		return printJSON(plan)
	}
	fields := [][2]string{
		{"Provider", plan.Provider},
		{"Model", plan.Model},
		{"Selected by", string(plan.Source)},
		{"Passed over", orDash(plan.PassedOver)},
		{"Temperature", strconv.FormatFloat(plan.Temperature, 'f', -1, 64)},
		{"Max tokens", strconv.Itoa(plan.MaxTokens)},
		{"Cache key", plan.CacheKey},
		{"Cached", yesNo(plan.Cached)},
	}
	if plan.Template != nil {
		fields = append([][2]string{{"Template", fmt.Sprintf("%s v%d", plan.Template.Name, plan.Template.Version)}}, fields...)
	}
	printFields(fields)
	if plan.SystemPrompt != "" {
		pterm.DefaultSection.Println("System prompt")
		fmt.Println(plan.SystemPrompt)
	}
	pterm.DefaultSection.Println("User prompt")
	fmt.Println(plan.UserPrompt)
	return nil
}
