package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/prompter/errors"
	"github.com/teranos/prompter/internal/util"
)

// jsonOutput switches list and show commands to JSON on stdout
var jsonOutput bool

// PrintError prints err with any hints attached to it
func PrintError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", pterm.Red("✗"), err)
	for _, hint := range errors.GetAllHints(err) {
		fmt.Fprintf(os.Stderr, "  %s %s\n", pterm.Yellow("hint:"), hint)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	fmt.Println(string(data))
	return nil
}

func printTable(header []string, rows [][]string) error {
	if len(rows) == 0 {
		pterm.Println(pterm.Gray("(none)"))
		return nil
	}
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printSuccess(format string, args ...any) {
	pterm.Printf("%s %s\n", pterm.LightGreen("✓"), fmt.Sprintf(format, args...))
}

// printFields prints aligned "label: value" lines
func printFields(fields [][2]string) {
	width := 0
	for _, f := range fields {
		if len(f[0]) > width {
			width = len(f[0])
		}
	}
	for _, f := range fields {
		pterm.Printf("%s %s\n", pterm.LightCyan(fmt.Sprintf("%-*s", width+1, f[0]+":")), f[1])
	}
}

func yesNo(b bool) string {
	if b {
		return pterm.LightGreen("yes")
	}
	return pterm.Gray("no")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func formatIntPtr(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

// preview shortens multi-line text for a table cell
func preview(s string, n int) string {
	return util.Truncate(strings.Join(strings.Fields(s), " "), n)
}

// parseSince accepts a duration ("24h", "7d") or an RFC 3339 timestamp.
// Empty means the beginning of time.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err == nil && days >= 0 {
			return now.AddDate(0, 0, -days), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.NewInvalidRequestError("invalid --since %q (use a duration like 24h or 7d, or an RFC 3339 time)", s)
}
