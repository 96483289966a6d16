package prompt

import (
	"strconv"
	"strings"

	"github.com/teranos/prompter/errors"
)

// filterFunc transforms a placeholder value. present is false while the
// value is still missing; only default can make it present.
type filterFunc func(value any, present bool, arg string) (any, bool)

type filterDef struct {
	apply filterFunc
	check func(filterCall) error
}

var filters = map[string]filterDef{
	"default":  {apply: defaultFilter, check: requireArg},
	"upper":    {apply: stringFilter(strings.ToUpper), check: noArg},
	"lower":    {apply: stringFilter(strings.ToLower), check: noArg},
	"trim":     {apply: stringFilter(strings.TrimSpace), check: noArg},
	"json":     {apply: jsonFilter, check: noArg},
	"truncate": {apply: truncateFilter, check: intArg},
	"join":     {apply: joinFilter, check: anyArg},
}

func defaultFilter(value any, present bool, arg string) (any, bool) {
	if present {
		return value, true
	}
	return arg, true
}

func stringFilter(fn func(string) string) filterFunc {
	return func(value any, present bool, _ string) (any, bool) {
		if !present {
			return nil, false
		}
		return fn(valueToString(value)), true
	}
}

func jsonFilter(value any, present bool, _ string) (any, bool) {
	if !present {
		return nil, false
	}
	return toJSON(value), true
}

func truncateFilter(value any, present bool, arg string) (any, bool) {
	if !present {
		return nil, false
	}
	n, _ := strconv.Atoi(arg)
	runes := []rune(valueToString(value))
	if len(runes) <= n {
		return string(runes), true
	}
	return string(runes[:n]), true
}

func joinFilter(value any, present bool, sep string) (any, bool) {
	if !present {
		return nil, false
	}
	if sep == "" {
		sep = ", "
	}
	switch items := value.(type) {
	case []any:
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, valueToString(item))
		}
		return strings.Join(parts, sep), true
	case []string:
		return strings.Join(items, sep), true
	default:
		return valueToString(value), true
	}
}

func requireArg(c filterCall) error {
	if !c.hasArg {
		return &errors.RenderError{Reason: "filter " + strconv.Quote(c.name) + " requires an argument"}
	}
	return nil
}

func noArg(c filterCall) error {
	if c.hasArg {
		return &errors.RenderError{Reason: "filter " + strconv.Quote(c.name) + " takes no argument"}
	}
	return nil
}

func intArg(c filterCall) error {
	if err := requireArg(c); err != nil {
		return err
	}
	if n, err := strconv.Atoi(c.arg); err != nil || n < 0 {
		return &errors.RenderError{Reason: "filter " + strconv.Quote(c.name) + " needs a non-negative integer"}
	}
	return nil
}

func anyArg(filterCall) error { return nil }
