package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# pipeserv Configuration File
#
# Values can be overridden with environment variables using the PIPESERV_
# prefix, e.g. PIPESERV_SERVER_PORT=9000 or PIPESERV_LOGGING_LEVEL=DEBUG.
`

// sectionComments documents each top-level section of the generated file.
var sectionComments = map[string]string{
	"logging": "# Logging: level is DEBUG, INFO, WARN or ERROR; format is text or json;\n# output is stdout, stderr or a file path.",
	"server": "# Server: listener and pipeline stages.\n" +
		"# port accepts a number or a service name. An empty host binds the IPv6\n" +
		"# and IPv4 wildcards. Closed connections are destroyed in batches of\n" +
		"# recycle_threshold. accept_rate 0 disables accept throttling.",
	"metrics": "# Metrics: Prometheus /metrics and /healthz endpoints.",
	"handler": "# Handler: type is echo or static. Only the options section matching\n# the type is used.",
}

// InitConfig writes a default config file to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a default config file to path, creating parent
// directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	// doc is a mapping node: keys and values alternate in Content.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := sectionComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return buf.String(), nil
}
