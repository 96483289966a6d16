package commands

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/prompter/ai/engine"
	"github.com/teranos/prompter/errors"
)

// RawCmd executes literal prompts without a stored template
var RawCmd = &cobra.Command{
	Use:   "raw [user prompt]",
	Short: "Execute literal prompts",
	Long: `Execute a literal system/user prompt pair without a stored template.

The user prompt is taken from the argument, or from stdin when the
argument is "-". Prompts are sent verbatim unless a context is given, in
which case their {{ placeholders }} are rendered first.

Examples:
  prompter raw "Summarize Go's error handling in one line"
  prompter raw --system "You are terse." "Explain WAL mode" --model gpt-4o-mini
  git diff | prompter raw - --system "Write a commit message for this diff"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRaw,
}

var (
	rawFlags  callFlags
	rawSystem string
	rawUser   string
)

func init() {
	rawFlags.register(RawCmd)
	RawCmd.Flags().StringVarP(&rawSystem, "system", "s", "", "System prompt")
	RawCmd.Flags().StringVarP(&rawUser, "user", "u", "", "User prompt (alternative to the argument)")
}

func runRaw(cmd *cobra.Command, args []string) error {
	user := rawUser
	if len(args) == 1 {
		user = args[0]
	}
	if user == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "failed to read prompt from stdin")
		}
		user = strings.TrimRight(string(data), "\n")
	}
	if user == "" && rawSystem == "" {
		return errors.NewInvalidRequestError("a user or system prompt is required")
	}

	var vars map[string]any
	if len(rawFlags.context) > 0 || rawFlags.contextFile != "" {
		parsed, err := parseContext(rawFlags.context, rawFlags.contextFile)
		if err != nil {
			return err
		}
		vars = parsed
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

	temperature, maxTokens := rawFlags.overrides(cmd)
	req := engine.RawRequest{
		SystemPrompt:   rawSystem,
		UserPrompt:     user,
		Context:        vars,
		Provider:       rawFlags.provider,
		Model:          rawFlags.model,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		DatasetEntryID: rawFlags.datasetEntryID,
	}

	ctx, cancel := interruptible()
	defer cancel()

	if rawFlags.dryRun {
		plan, err := eng.PreviewRaw(ctx, req)
		if err != nil {
			return err
		}
		return printPlan(plan)
	}

	res, err := eng.ExecuteRaw(ctx, req)
	if err != nil {
		return err
	}
	return printResult(res)
}
