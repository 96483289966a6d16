package am

import (
	"encoding/json"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/prompter/errors"
)

// Marshal renders the configuration in the requested format (toml, json
// or yaml). The secret key is never rendered.
func (c *Config) Marshal(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "toml":
		return toml.Marshal(c)
	case "json":
		return json.MarshalIndent(c, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(c)
	default:
		return nil, errors.NewInvalidRequestError("unsupported format %q (use toml, json or yaml)", format)
	}
}
