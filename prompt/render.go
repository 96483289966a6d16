package prompt

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/teranos/prompter/errors"
)

// Compiled is a parsed prompt text. Placeholders use
// {{ path }} or {{ path | filter | filter:arg }}, where path is a
// dot-separated walk into the context, e.g. {{ repo.owner | upper }}.
type Compiled struct {
	raw      string
	segments []segment
}

// segment is either a literal run of text or a placeholder expression
type segment struct {
	literal bool
	content string // literal text, or the full expression for placeholders
	path    []string
	filters []filterCall
}

type filterCall struct {
	name   string
	arg    string
	hasArg bool
	fn     filterFunc
}

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	pathPattern        = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z0-9_]+)*$`)
)

// Compile parses raw prompt text. Syntax errors are RenderErrors with a Reason.
func Compile(raw string) (*Compiled, error) {
	c := &Compiled{raw: raw}

	matches := placeholderPattern.FindAllStringSubmatchIndex(raw, -1)
	lastEnd := 0
	for _, match := range matches {
		start, end := match[0], match[1]
		expr := raw[match[2]:match[3]]

		if start > lastEnd {
			c.segments = append(c.segments, segment{literal: true, content: raw[lastEnd:start]})
		}

		seg, err := parseExpression(expr)
		if err != nil {
			return nil, err
		}
		c.segments = append(c.segments, seg)
		lastEnd = end
	}

	if lastEnd < len(raw) {
		c.segments = append(c.segments, segment{literal: true, content: raw[lastEnd:]})
	}

	return c, nil
}

func parseExpression(expr string) (segment, error) {
	parts := splitPipes(expr)
	path := strings.TrimSpace(parts[0])
	if !pathPattern.MatchString(path) {
		return segment{}, &errors.RenderError{Reason: "invalid placeholder {{ " + expr + " }}"}
	}

	seg := segment{content: expr, path: strings.Split(path, ".")}
	for _, part := range parts[1:] {
		call, err := parseFilter(strings.TrimSpace(part))
		if err != nil {
			return segment{}, err
		}
		seg.filters = append(seg.filters, call)
	}
	return seg, nil
}

// splitPipes splits on | outside double-quoted arguments.
func splitPipes(expr string) []string {
	var parts []string
	var current strings.Builder
	inQuote, escaped := false, false
	for _, r := range expr {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == '|' && !inQuote:
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	return append(parts, current.String())
}

func parseFilter(part string) (filterCall, error) {
	name, arg, hasArg := strings.Cut(part, ":")
	name = strings.TrimSpace(name)
	call := filterCall{name: name, hasArg: hasArg}

	if hasArg {
		arg = strings.TrimSpace(arg)
		if strings.HasPrefix(arg, `"`) {
			unquoted, err := strconv.Unquote(arg)
			if err != nil {
				return filterCall{}, &errors.RenderError{Reason: "malformed argument for filter " + strconv.Quote(name)}
			}
			arg = unquoted
		}
		call.arg = arg
	}

	fn, ok := filters[name]
	if !ok {
		return filterCall{}, &errors.RenderError{Reason: "unknown filter " + strconv.Quote(name)}
	}
	if err := fn.check(call); err != nil {
		return filterCall{}, err
	}
	call.fn = fn.apply
	return call, nil
}

// Execute renders the text against vars. Every placeholder that stays
// missing after its filter chain is reported; nothing is silently blanked.
func (c *Compiled) Execute(vars map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(c.raw) + len(c.raw)/2)

	var missing []string
	for _, seg := range c.segments {
		if seg.literal {
			result.WriteString(seg.content)
			continue
		}

		value, present := lookup(vars, seg.path)
		for _, f := range seg.filters {
			value, present = f.fn(value, present, f.arg)
		}
		if !present {
			missing = appendUnique(missing, strings.Join(seg.path, "."))
			continue
		}
		result.WriteString(valueToString(value))
	}

	if len(missing) > 0 {
		return "", errors.NewMissingVariableError("", missing...)
	}
	return result.String(), nil
}

// Placeholders returns the distinct variable paths referenced by the text
func (c *Compiled) Placeholders() []string {
	var out []string
	for _, seg := range c.segments {
		if !seg.literal {
			out = appendUnique(out, strings.Join(seg.path, "."))
		}
	}
	return out
}

// RequiredVariables returns placeholders that have no default filter
func (c *Compiled) RequiredVariables() []string {
	var out []string
	for _, seg := range c.segments {
		if seg.literal {
			continue
		}
		hasDefault := false
		for _, f := range seg.filters {
			if f.name == "default" {
				hasDefault = true
			}
		}
		if !hasDefault {
			out = appendUnique(out, strings.Join(seg.path, "."))
		}
	}
	return out
}

// Raw returns the original text
func (c *Compiled) Raw() string {
	return c.raw
}

// ValidateText checks prompt syntax without rendering
func ValidateText(raw string) error {
	_, err := Compile(raw)
	return err
}

// Render renders both prompts of t. A RenderError names t and every
// variable missing across the system and user text.
func Render(t *Template, vars map[string]any) (system, user string, err error) {
	system, user, err = renderPair(t.SystemPrompt, t.UserPrompt, vars)
	var renderErr *errors.RenderError
	if errors.As(err, &renderErr) {
		renderErr.Template = t.Name
	}
	return system, user, err
}

// RenderRaw renders literal prompts. Without a context they are returned
// untouched, so raw text may contain braces freely.
func RenderRaw(system, user string, vars map[string]any) (string, string, error) {
	if len(vars) == 0 {
		return system, user, nil
	}
	return renderPair(system, user, vars)
}

func renderPair(systemText, userText string, vars map[string]any) (string, string, error) {
	var missing []string
	render := func(text string) (string, error) {
		c, err := Compile(text)
		if err != nil {
			return "", err
		}
		out, err := c.Execute(vars)
		var renderErr *errors.RenderError
		if errors.As(err, &renderErr) && len(renderErr.Missing) > 0 {
			for _, name := range renderErr.Missing {
				missing = appendUnique(missing, name)
			}
			return "", nil
		}
		return out, err
	}

	system, err := render(systemText)
	if err != nil {
		return "", "", err
	}
	user, err := render(userText)
	if err != nil {
		return "", "", err
	}
	if len(missing) > 0 {
		return "", "", errors.NewMissingVariableError("", missing...)
	}
	return system, user, nil
}

// lookup walks path through nested maps (and numeric slice indexes).
// Absent keys and nil values are both missing.
func lookup(vars map[string]any, path []string) (any, bool) {
	var current any = vars
	for _, part := range path {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		case map[string]string:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// valueToString converts a context value to prompt text
func valueToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case []string:
		return strings.Join(val, ", ")
	default:
		return toJSON(val)
	}
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
