package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/packetkit/errors"
)

// Output formats for Render.
const (
	FormatTOML = "toml"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

const redacted = "****"

// Render writes the configuration in format ("toml", "json" or "yaml").
// Secrets are redacted. Keys match the TOML file in every format.
func (c *Config) Render(w io.Writer, format string) error {
	cp := *c
	if cp.Stream.Token != "" {
		cp.Stream.Token = redacted
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cp); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	switch strings.ToLower(format) {
	case "", FormatTOML:
		_, err := w.Write(buf.Bytes())
		return err
	case FormatJSON, FormatYAML:
	default:
		return errors.InvalidConfiguration(fmt.Sprintf("unknown output format %q (use toml, json or yaml)", format))
	}

	// Round-trip through a generic tree so the TOML key names carry over.
	var tree map[string]any
	if _, err := toml.Decode(buf.String(), &tree); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if strings.ToLower(format) == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tree)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return err
	}
	return enc.Close()
}
