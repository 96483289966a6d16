package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/teranos/prompter/ai/cache"
	"github.com/teranos/prompter/errors"
)

// CacheCmd groups response cache commands
var CacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the response cache",
	Long: `Inspect and administer the response cache.

Responses are cached by a SHA-256 key over provider, model, temperature
(two decimals), system prompt and user prompt. Cached text is never
rewritten; only hit counters change.

Examples:
  prompter cache stats
  prompter cache list --limit 20
  prompter cache key --provider openai --model gpt-4o --temperature 0.2 --user "Hello"
  prompter cache invalidate <key>
  prompter cache clear --yes`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached responses, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCacheList,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached response",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <key>",
	Short: "Delete one cached response",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheInvalidate,
}

var cacheKeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Compute the cache key of a request",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(cache.Key(keyProvider, keyModel, keyTemperature, keySystem, keyUser))
		return nil
	},
}

var (
	cacheListLimit int
	cacheClearYes  bool
	keyProvider    string
	keyModel       string
	keyTemperature float64
	keySystem      string
	keyUser        string
)

func init() {
	cacheListCmd.Flags().IntVar(&cacheListLimit, "limit", 50, "Maximum entries to show")
	cacheClearCmd.Flags().BoolVar(&cacheClearYes, "yes", false, "Confirm deletion")
	cacheStatsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	cacheListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")

	cacheKeyCmd.Flags().StringVar(&keyProvider, "provider", "", "Provider name")
	cacheKeyCmd.Flags().StringVar(&keyModel, "model", "", "Model name")
	cacheKeyCmd.Flags().Float64Var(&keyTemperature, "temperature", 0, "Temperature")
	cacheKeyCmd.Flags().StringVar(&keySystem, "system", "", "System prompt")
	cacheKeyCmd.Flags().StringVar(&keyUser, "user", "", "User prompt")
	_ = cacheKeyCmd.MarkFlagRequired("provider")
	_ = cacheKeyCmd.MarkFlagRequired("model")

	CacheCmd.AddCommand(cacheStatsCmd)
	CacheCmd.AddCommand(cacheListCmd)
	CacheCmd.AddCommand(cacheClearCmd)
	CacheCmd.AddCommand(cacheInvalidateCmd)
	CacheCmd.AddCommand(cacheKeyCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.cache.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(st)
	}
	printFields([][2]string{
		{"Entries", strconv.Itoa(st.Entries)},
		{"Hits", strconv.Itoa(st.Hits)},
		{"Tokens saved", strconv.Itoa(st.TokensSaved)},
	})
	return nil
}

func runCacheList(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	entries, err := svc.cache.List(cmd.Context(), cacheListLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(entries)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Key[:12],
			e.Provider + "/" + e.Model,
			cache.FormatTemperature(e.Temperature),
			preview(e.UserPrompt, 40),
			strconv.Itoa(e.TokensUsed),
			strconv.Itoa(e.HitCount),
			formatTime(e.LastAccessedAt),
		})
	}
	return printTable([]string{"Key", "Model", "Temp", "Prompt", "Tokens", "Hits", "Last hit"}, rows)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	if !cacheClearYes {
		return errors.WithHint(errors.NewInvalidRequestError("refusing to clear the cache without confirmation"),
			"re-run with --yes")
	}
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := svc.cache.Clear(cmd.Context())
	if err != nil {
		return err
	}
	printSuccess("Deleted %d cached responses", n)
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	deleted, err := svc.cache.Invalidate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !deleted {
		return errors.NewNotFoundError("no cached response with key %s", args[0])
	}
	printSuccess("Invalidated %s", args[0])
	return nil
}
