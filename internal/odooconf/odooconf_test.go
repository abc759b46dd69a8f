package odooconf

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func validParams() Params {
	return Params{
		DBHost:        "localhost",
		DBPort:        5432,
		DBUser:        "odoo",
		DBPassword:    "secret",
		DBName:        "clienta",
		AddonsPath:    "/opt/odoo/addons",
		LogPath:       "/var/log/odoo-envs/clienta.log",
		HTTPPort:      8101,
		AdminPassword: "master",
	}
}

func TestRenderRoundTrip(t *testing.T) {
	p := validParams()
	cfg, _, err := Render(p)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	opts := ParseOptions(cfg)
	want := map[string]string{
		"db_host":      p.DBHost,
		"db_port":      strconv.Itoa(p.DBPort),
		"db_user":      p.DBUser,
		"db_password":  p.DBPassword,
		"db_name":      p.DBName,
		"addons_path":  p.AddonsPath,
		"logfile":      p.LogPath,
		"http_port":    strconv.Itoa(p.HTTPPort),
		"admin_passwd": p.AdminPassword,
	}
	for key, value := range want {
		if opts[key] != value {
			t.Fatalf("round trip mismatch for %s: got %q want %q", key, opts[key], value)
		}
	}
	if opts["dbfilter"] != "^clienta$" {
		t.Fatalf("expected default dbfilter, got %q", opts["dbfilter"])
	}
}

func TestRenderDeterministic(t *testing.T) {
	p := validParams()
	p.Extra = map[string]string{"workers": "2", "proxy_mode": "True", "limit_time_real": "120"}

	first, firstSum, err := Render(p)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	second, secondSum, err := Render(p)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if first != second || firstSum != secondSum {
		t.Fatalf("render output not deterministic")
	}
}

func TestRenderMissingKey(t *testing.T) {
	cases := []struct {
		key    string
		mutate func(*Params)
	}{
		{"db_host", func(p *Params) { p.DBHost = "" }},
		{"db_port", func(p *Params) { p.DBPort = 0 }},
		{"db_user", func(p *Params) { p.DBUser = "" }},
		{"db_password", func(p *Params) { p.DBPassword = "" }},
		{"db_name", func(p *Params) { p.DBName = "" }},
		{"addons_path", func(p *Params) { p.AddonsPath = "" }},
		{"logfile", func(p *Params) { p.LogPath = "" }},
		{"http_port", func(p *Params) { p.HTTPPort = 0 }},
		{"admin_passwd", func(p *Params) { p.AdminPassword = "" }},
	}

	for _, tc := range cases {
		p := validParams()
		tc.mutate(&p)
		_, _, err := Render(p)
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("expected ConfigurationError for %s, got %v", tc.key, err)
		}
		if cfgErr.Key != tc.key {
			t.Fatalf("expected missing key %q, got %q", tc.key, cfgErr.Key)
		}
	}
}

func TestWriteFilesNothingOnError(t *testing.T) {
	dir := t.TempDir()
	p := validParams()
	p.DBPassword = ""

	configPath := filepath.Join(dir, "clienta.conf")
	if _, err := WriteFiles(p, configPath); err == nil {
		t.Fatalf("expected error for missing db_password")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files written, found %d", len(entries))
	}
}

func TestWriteFilesPersistsBoth(t *testing.T) {
	dir := t.TempDir()
	p := validParams()

	configPath := filepath.Join(dir, "clienta.conf")
	summaryPath, err := WriteFiles(p, configPath)
	if err != nil {
		t.Fatalf("write files: %v", err)
	}
	if summaryPath != filepath.Join(dir, "clienta.md") {
		t.Fatalf("unexpected summary path %q", summaryPath)
	}
	for _, path := range []string{configPath, summaryPath} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to exist: %v", path, err)
		}
	}
}
