// Package odooconf renders Odoo configuration files from typed parameters.
package odooconf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Params carries every value written into a rendered configuration.
type Params struct {
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	AddonsPath    string
	LogPath       string
	HTTPPort      int
	AdminPassword string

	// Optional.
	DBFilter string
	Extra    map[string]string
}

// ConfigurationError reports a missing required render parameter.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("missing required configuration key: %s", e.Key)
}

// validate returns a ConfigurationError naming the first missing required key.
func (p Params) validate() error {
	checks := []struct {
		key string
		ok  bool
	}{
		{"db_host", strings.TrimSpace(p.DBHost) != ""},
		{"db_port", p.DBPort > 0},
		{"db_user", strings.TrimSpace(p.DBUser) != ""},
		{"db_password", strings.TrimSpace(p.DBPassword) != ""},
		{"db_name", strings.TrimSpace(p.DBName) != ""},
		{"addons_path", strings.TrimSpace(p.AddonsPath) != ""},
		{"logfile", strings.TrimSpace(p.LogPath) != ""},
		{"http_port", p.HTTPPort > 0},
		{"admin_passwd", strings.TrimSpace(p.AdminPassword) != ""},
	}
	for _, c := range checks {
		if !c.ok {
			return &ConfigurationError{Key: c.key}
		}
	}
	return nil
}

// Render produces the [options] configuration text and a Markdown summary of
// the same values. It is pure: no files are touched and output is
// deterministic for equal input.
func Render(p Params) (string, string, error) {
	if err := p.validate(); err != nil {
		return "", "", err
	}

	dbFilter := p.DBFilter
	if dbFilter == "" {
		dbFilter = "^" + p.DBName + "$"
	}

	pairs := [][2]string{
		{"db_host", p.DBHost},
		{"db_port", fmt.Sprintf("%d", p.DBPort)},
		{"db_user", p.DBUser},
		{"db_password", p.DBPassword},
		{"dbfilter", dbFilter},
		{"db_name", p.DBName},
		{"addons_path", p.AddonsPath},
		{"logfile", p.LogPath},
		{"http_port", fmt.Sprintf("%d", p.HTTPPort)},
		{"admin_passwd", p.AdminPassword},
	}

	extraKeys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		pairs = append(pairs, [2]string{k, p.Extra[k]})
	}

	var cfg strings.Builder
	cfg.WriteString("[options]\n")
	for _, kv := range pairs {
		fmt.Fprintf(&cfg, "%s = %s\n", kv[0], kv[1])
	}

	var sum strings.Builder
	fmt.Fprintf(&sum, "# Environment %s\n\n", p.DBName)
	fmt.Fprintf(&sum, "- URL: http://localhost:%d\n", p.HTTPPort)
	sum.WriteString("\n| Key | Value |\n|---|---|\n")
	for _, kv := range pairs {
		fmt.Fprintf(&sum, "| %s | %s |\n", kv[0], kv[1])
	}

	return cfg.String(), sum.String(), nil
}

// WriteFiles renders and persists the configuration and its summary. On a
// render error nothing is written. The summary lands next to the config file
// with a .md extension.
func WriteFiles(p Params, configPath string) (string, error) {
	cfg, sum, err := Render(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(cfg), 0o640); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	summaryPath := strings.TrimSuffix(configPath, filepath.Ext(configPath)) + ".md"
	if err := os.WriteFile(summaryPath, []byte(sum), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return summaryPath, nil
}

// ParseOptions parses a rendered configuration back into a key/value map.
// Used by tests and by the CLI to display an environment's settings.
func ParseOptions(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}
