package commands

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/prompter/errors"
)

// parseContext builds an execution context from --context values and an
// optional JSON file. Each value is split like a shell line, so
//
//	--context "repo_name=prompter description='a prompt engine'"
//
// yields two variables. Values that parse as JSON scalars, arrays or
// objects keep their type; everything else is a string. Dotted keys
// build nested maps. Pairs override the file.
func parseContext(values []string, file string) (map[string]any, error) {
	ctx := map[string]any{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read context file %s", file)
		}
		if err := json.Unmarshal(data, &ctx); err != nil {
			return nil, errors.Wrapf(err, "context file %s must hold a JSON object", file)
		}
	}

	for _, value := range values {
		words, err := shellquote.Split(value)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "invalid --context %q", value)
		}
		for _, word := range words {
			key, raw, ok := strings.Cut(word, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return nil, errors.NewInvalidRequestError("context entry %q must look like key=value", word)
			}
			if err := setPath(ctx, strings.Split(key, "."), contextValue(raw)); err != nil {
				return nil, err
			}
		}
	}
	return ctx, nil
}

func contextValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	switch trimmed[0] {
	case '{', '[', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 't', 'f', 'n':
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil && v != nil {
			return v
		}
	}
	return raw
}

func setPath(ctx map[string]any, path []string, value any) error {
	current := ctx
	for i, part := range path[:len(path)-1] {
		if part == "" {
			return errors.NewInvalidRequestError("empty segment in context key %q", strings.Join(path, "."))
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			if _, exists := current[part]; exists {
				return errors.NewInvalidRequestError("context key %q is not an object", strings.Join(path[:i+1], "."))
			}
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	last := path[len(path)-1]
	if last == "" {
		return errors.NewInvalidRequestError("empty segment in context key %q", strings.Join(path, "."))
	}
	current[last] = value
	return nil
}
