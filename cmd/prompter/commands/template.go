package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/logger"
	"github.com/teranos/prompter/prompt"
)

// TemplateCmd groups template authoring commands
var TemplateCmd = &cobra.Command{
	Use:     "template",
	Aliases: []string{"tpl"},
	Short:   "Author and import prompt templates",
	Long: `Author, version and import prompt templates.

Templates form version chains by name. new-version appends to a chain and
makes the new version current; older versions stay retrievable. duplicate
starts an independent chain under another name.

Examples:
  prompter template create repo-summary --user "Describe {{ repo_name }}"
  prompter template new-version repo-summary --temperature 0.2
  prompter template versions repo-summary
  prompter template import prompts/
  prompter template watch prompts/`,
}

var templateCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateCreate,
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current templates",
	Args:  cobra.NoArgs,
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <template>",
	Short: "Show a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templateVersionsCmd = &cobra.Command{
	Use:   "versions <name>",
	Short: "List every version of a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateVersions,
}

var templateNewVersionCmd = &cobra.Command{
	Use:   "new-version <template>",
	Short: "Derive the next version of a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateNewVersion,
}

var templateDuplicateCmd = &cobra.Command{
	Use:   "duplicate <template> <new-name>",
	Short: "Copy a template into a new chain",
	Args:  cobra.ExactArgs(2),
	RunE:  runTemplateDuplicate,
}

var templateActivateCmd = &cobra.Command{
	Use:   "activate <template>",
	Short: "Activate a template version",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTemplateActive(args[0], true) },
}

var templateDeactivateCmd = &cobra.Command{
	Use:   "deactivate <template>",
	Short: "Deactivate a template version (history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTemplateActive(args[0], false) },
}

var templateImportCmd = &cobra.Command{
	Use:   "import <file-or-dir>...",
	Short: "Import markdown template documents",
	Long: `Import markdown documents with a YAML frontmatter header.

  ---
  name: repo-summary
  model: gpt-4o-mini
  temperature: 0.3
  system: You summarize repositories.
  ---
  Describe {{ repo_name }}.

A new name creates version 1. Changed content creates a new version.
Unchanged documents are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTemplateImport,
}

var templateWatchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Import a directory and re-import documents as they change",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTemplateWatch,
}

// templateFields are the editable template fields shared by create and
// new-version
type templateFields struct {
	category         string
	system           string
	systemFile       string
	user             string
	userFile         string
	provider         string
	model            string
	modelID          string
	temperature      float64
	maxTokens        int
	inputSchemaFile  string
	outputSchemaFile string
}

func (f *templateFields) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.category, "category", "", "Category")
	flags.StringVar(&f.system, "system", "", "System prompt")
	flags.StringVar(&f.systemFile, "system-file", "", "Read the system prompt from a file")
	flags.StringVar(&f.user, "user", "", "User prompt")
	flags.StringVar(&f.userFile, "user-file", "", "Read the user prompt from a file")
	flags.StringVar(&f.provider, "provider", "", "Provider name (free text)")
	flags.StringVar(&f.model, "model", "", "Model name (free text)")
	flags.StringVar(&f.modelID, "model-id", "", "Registry model ID")
	flags.Float64Var(&f.temperature, "temperature", 0, "Default temperature")
	flags.IntVar(&f.maxTokens, "max-tokens", 0, "Default max output tokens")
	flags.StringVar(&f.inputSchemaFile, "input-schema", "", "JSON Schema file for the context")
	flags.StringVar(&f.outputSchemaFile, "output-schema", "", "JSON Schema file for the response")
}

// overrides returns only the fields set on the command line
func (f *templateFields) overrides(flags *pflag.FlagSet) (prompt.Overrides, error) {
	var o prompt.Overrides
	str := func(name, value string) *string {
		if flags.Changed(name) {
			return &value
		}
		return nil
	}
	file := func(name, path string) (*string, error) {
		if !flags.Changed(name) {
			return nil, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read --%s", name)
		}
		s := string(data)
		return &s, nil
	}

	o.Category = str("category", f.category)
	o.SystemPrompt = str("system", f.system)
	o.UserPrompt = str("user", f.user)
	o.Provider = str("provider", f.provider)
	o.Model = str("model", f.model)
	o.ModelID = str("model-id", f.modelID)
	if flags.Changed("temperature") {
		o.Temperature = &f.temperature
	}
	if flags.Changed("max-tokens") {
		o.MaxTokens = &f.maxTokens
	}

	var err error
	if s, ferr := file("system-file", f.systemFile); ferr != nil {
		return o, ferr
	} else if s != nil {
		o.SystemPrompt = s
	}
	if s, ferr := file("user-file", f.userFile); ferr != nil {
		return o, ferr
	} else if s != nil {
		o.UserPrompt = s
	}
	if o.InputSchema, err = file("input-schema", f.inputSchemaFile); err != nil {
		return o, err
	}
	if o.OutputSchema, err = file("output-schema", f.outputSchemaFile); err != nil {
		return o, err
	}
	return o, nil
}

var (
	createFields     templateFields
	newVersionFields templateFields
	listCategory     string
	listAll          bool
	showVersion      int
	watchDir         string
)

func init() {
	createFields.register(templateCreateCmd.Flags())
	newVersionFields.register(templateNewVersionCmd.Flags())
	templateListCmd.Flags().StringVar(&listCategory, "category", "", "Only this category")
	templateListCmd.Flags().BoolVar(&listAll, "all", false, "Include inactive templates")
	for _, c := range []*cobra.Command{templateShowCmd, templateNewVersionCmd, templateDuplicateCmd, templateActivateCmd, templateDeactivateCmd} {
		c.Flags().IntVar(&showVersion, "version", 0, "Template version (default: current)")
	}
	for _, c := range []*cobra.Command{templateCreateCmd, templateListCmd, templateShowCmd, templateVersionsCmd, templateNewVersionCmd, templateDuplicateCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	}

	TemplateCmd.AddCommand(templateCreateCmd)
	TemplateCmd.AddCommand(templateListCmd)
	TemplateCmd.AddCommand(templateShowCmd)
	TemplateCmd.AddCommand(templateVersionsCmd)
	TemplateCmd.AddCommand(templateNewVersionCmd)
	TemplateCmd.AddCommand(templateDuplicateCmd)
	TemplateCmd.AddCommand(templateActivateCmd)
	TemplateCmd.AddCommand(templateDeactivateCmd)
	TemplateCmd.AddCommand(templateImportCmd)
	TemplateCmd.AddCommand(templateWatchCmd)
}

// findTemplate looks up a template by ID, or by name and optional
// version. Unlike execution lookups it also finds inactive versions.
func findTemplate(ctx context.Context, store *prompt.Store, ref string, version int) (*prompt.Template, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return store.Get(ctx, ref)
	}
	versions, err := store.ListVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	for _, t := range versions {
		if (version > 0 && t.Version == version) || (version == 0 && t.IsCurrent) {
			return t, nil
		}
	}
	if version > 0 {
		return nil, errors.Mark(errors.Newf("template %s has no version %d", ref, version), errors.ErrTemplateNotFound)
	}
	return versions[len(versions)-1], nil
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	o, err := createFields.overrides(cmd.Flags())
	if err != nil {
		return err
	}
	t := &prompt.Template{Name: args[0]}
	applyOverrides(t, o)

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	created, err := svc.templates.Create(cmd.Context(), t)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(created)
	}
	printSuccess("Created %s v%d (%s)", created.Name, created.Version, created.ID)
	return nil
}

func applyOverrides(t *prompt.Template, o prompt.Overrides) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&t.Category, o.Category)
	set(&t.SystemPrompt, o.SystemPrompt)
	set(&t.UserPrompt, o.UserPrompt)
	set(&t.Provider, o.Provider)
	set(&t.Model, o.Model)
	set(&t.ModelID, o.ModelID)
	set(&t.InputSchema, o.InputSchema)
	set(&t.OutputSchema, o.OutputSchema)
	t.Temperature = o.Temperature
	t.MaxTokens = o.MaxTokens
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	templates, err := svc.templates.List(cmd.Context(), prompt.ListOptions{Category: listCategory, IncludeInactive: listAll})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(templates)
	}

	rows := make([][]string, 0, len(templates))
	for _, t := range templates {
		rows = append(rows, []string{
			t.Name,
			"v" + strconv.Itoa(t.Version),
			orDash(t.Category),
			orDash(routing(t)),
			yesNo(t.Active),
			strconv.Itoa(t.UsageCount),
			formatTime(t.LastUsedAt),
		})
	}
	return printTable([]string{"Name", "Version", "Category", "Model", "Active", "Uses", "Last used"}, rows)
}

func routing(t *prompt.Template) string {
	switch {
	case t.ModelID != "":
		return "id:" + t.ModelID
	case t.Provider != "" && t.Model != "":
		return t.Provider + "/" + t.Model
	default:
		return t.Model
	}
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	t, err := findTemplate(cmd.Context(), svc.templates, args[0], showVersion)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(t)
	}

	printFields([][2]string{
		{"ID", t.ID},
		{"Name", t.Name},
		{"Version", strconv.Itoa(t.Version)},
		{"Parent", orDash(t.ParentID)},
		{"Current", yesNo(t.IsCurrent)},
		{"Active", yesNo(t.Active)},
		{"Category", orDash(t.Category)},
		{"Model", orDash(routing(t))},
		{"Temperature", formatFloatPtr(t.Temperature)},
		{"Max tokens", formatIntPtr(t.MaxTokens)},
		{"Uses", strconv.Itoa(t.UsageCount)},
		{"Last used", formatTime(t.LastUsedAt)},
		{"Created", formatTime(&t.CreatedAt)},
	})
	if c, err := prompt.Compile(t.SystemPrompt + "\n" + t.UserPrompt); err == nil {
		if vars := c.RequiredVariables(); len(vars) > 0 {
			printFields([][2]string{{"Variables", fmt.Sprint(vars)}})
		}
	}
	if t.SystemPrompt != "" {
		pterm.DefaultSection.Println("System prompt")
		fmt.Println(t.SystemPrompt)
	}
	pterm.DefaultSection.Println("User prompt")
	fmt.Println(t.UserPrompt)
	return nil
}

func runTemplateVersions(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	versions, err := svc.templates.ListVersions(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(versions)
	}

	rows := make([][]string, 0, len(versions))
	for _, t := range versions {
		marker := ""
		if t.IsCurrent {
			marker = pterm.LightGreen("●")
		}
		rows = append(rows, []string{
			"v" + strconv.Itoa(t.Version) + " " + marker,
			t.ID,
			orDash(t.ParentID),
			yesNo(t.Active),
			strconv.Itoa(t.UsageCount),
			formatTime(&t.CreatedAt),
		})
	}
	return printTable([]string{"Version", "ID", "Parent", "Active", "Uses", "Created"}, rows)
}

func runTemplateNewVersion(cmd *cobra.Command, args []string) error {
	o, err := newVersionFields.overrides(cmd.Flags())
	if err != nil {
		return err
	}

	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	source, err := findTemplate(cmd.Context(), svc.templates, args[0], showVersion)
	if err != nil {
		return err
	}
	eng, err := svc.engine()
	if err != nil {
		return err
	}
	next, err := eng.NewVersion(cmd.Context(), source.ID, o)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(next)
	}
	printSuccess("Created %s v%d from v%d (%s)", next.Name, next.Version, source.Version, next.ID)
	return nil
}

func runTemplateDuplicate(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	source, err := findTemplate(cmd.Context(), svc.templates, args[0], showVersion)
	if err != nil {
		return err
	}
	eng, err := svc.engine()
	if err != nil {
		return err
	}
	dup, err := eng.Duplicate(cmd.Context(), source.ID, args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(dup)
	}
	printSuccess("Duplicated %s v%d as %s (%s)", source.Name, source.Version, dup.Name, dup.ID)
	return nil
}

func setTemplateActive(ref string, active bool) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := context.Background()
	t, err := findTemplate(ctx, svc.templates, ref, showVersion)
	if err != nil {
		return err
	}
	if err := svc.templates.SetActive(ctx, t.ID, active); err != nil {
		return err
	}
	state := "Deactivated"
	if active {
		state = "Activated"
	}
	printSuccess("%s %s v%d", state, t.Name, t.Version)
	return nil
}

func runTemplateImport(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	var results []*prompt.ImportResult
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "cannot import %s", path)
		}
		if info.IsDir() {
			dirResults, err := svc.templates.ImportDir(ctx, path)
			results = append(results, dirResults...)
			if err != nil {
				return err
			}
			continue
		}
		res, err := svc.templates.ImportFile(ctx, path)
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	for _, res := range results {
		printImport(res)
	}
	return nil
}

func printImport(res *prompt.ImportResult) {
	label := pterm.Gray(string(res.Action))
	switch res.Action {
	case prompt.ImportCreated:
		label = pterm.LightGreen(string(res.Action))
	case prompt.ImportVersioned:
		label = pterm.Yellow(string(res.Action))
	}
	pterm.Printf("  %s %s v%d %s\n", label, res.Template.Name, res.Template.Version, pterm.Gray(res.Path))
}

func runTemplateWatch(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	dir := svc.cfg.Templates.Dir
	if len(args) == 1 {
		dir = args[0]
	}

	ctx, cancel := interruptible()
	defer cancel()

	pterm.Info.Printfln("Watching %s (Ctrl-C to stop)", dir)
	watcher := prompt.NewDirWatcher(dir, svc.templates, svc.cfg.Templates.WatchDebounce(), printImport,
		logger.ComponentLogger("watcher"))
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
