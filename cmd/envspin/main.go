package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apiclient "github.com/Yamkia/webnexagent/pkg/api/client"
	"golang.org/x/term"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

const defaultAPIBase = "http://localhost:5001"

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "provision":
		err = commandProvision(args)
	case "list":
		err = commandList(args)
	case "drop":
		err = commandDrop(args)
	case "logs":
		err = commandLogs(args)
	case "status":
		err = commandStatus(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	password := fs.String("password", "", "Admin password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	fs.Parse(args)

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}

	cli, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := cli.Login(ctx, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	name := fs.String("name", "", "Environment (database) name")
	version := fs.String("version", "", "Odoo version (default chosen by the daemon)")
	port := fs.Int("port", 0, "HTTP port (0 assigns one from the pool)")
	modules := fs.String("modules", "", "Comma-separated modules to install")
	design := fs.String("design", "", "Website design module (implies website)")
	kind := fs.String("type", "", "Environment type (native|docker, default auto)")
	adminPassword := fs.String("admin-password", "", "Master admin password for the environment")
	watch := fs.Bool("watch", true, "Follow the job until it finishes")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}

	input := apiclient.ProvisionInput{
		Name:          *name,
		Version:       *version,
		HTTPPort:      *port,
		WebsiteDesign: *design,
		AdminPassword: *adminPassword,
		Kind:          *kind,
	}
	for _, module := range strings.Split(*modules, ",") {
		if trimmed := strings.TrimSpace(module); trimmed != "" {
			input.Modules = append(input.Modules, trimmed)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	accepted, err := cli.Provision(ctx, cfg.AccessToken, input)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("job accepted: %s\n", accepted.JobID)
	if !*watch {
		return nil
	}
	return watchJob(cli, cfg.AccessToken, accepted.JobID)
}

// watchJob polls the job every two seconds, printing log lines as they
// appear. Snapshots are prefix-extending, so the printed offset never skips.
func watchJob(cli *apiclient.Client, token, jobID string) error {
	printed := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		job, err := cli.GetJob(ctx, token, jobID)
		cancel()
		if err != nil {
			return err
		}
		for ; printed < len(job.Log); printed++ {
			fmt.Println(job.Log[printed])
		}
		if job.Terminal() {
			if job.Status == "failed" {
				return fmt.Errorf("provisioning failed: %s", job.Error)
			}
			fmt.Printf("environment ready: %s\n", job.URL)
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	envs, err := cli.ListEnvironments(ctx, cfg.AccessToken)
	if err != nil {
		return err
	}
	for _, env := range envs {
		kind := env.Kind
		if kind == "" {
			kind = "-"
		}
		fmt.Printf("%s\t%d\t%s\t%s\t%s\n", env.DatabaseName, env.Port, env.OdooVersion, kind, env.URL)
	}
	return nil
}

func commandDrop(args []string) error {
	fs := flag.NewFlagSet("drop", flag.ExitOnError)
	name := fs.String("name", "", "Environment (database) name")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := cli.DropEnvironment(ctx, cfg.AccessToken, *name); err != nil {
		return err
	}
	fmt.Printf("environment %s dropped\n", *name)
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	name := fs.String("name", "", "Environment (database) name")
	lines := fs.Int("lines", 200, "Maximum number of lines")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := cli.EnvironmentLogs(ctx, cfg.AccessToken, *name, *lines)
	if err != nil {
		return err
	}
	for _, line := range resp.Lines {
		fmt.Println(line)
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	name := fs.String("name", "", "Environment (database) name")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	cli, cfg, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := cli.EnvironmentStatus(ctx, cfg.AccessToken, *name)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", resp.DatabaseName, resp.Status, resp.URL)
	return nil
}

func authedClient() (*apiclient.Client, cliConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cliConfig{}, err
	}
	cli, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, cliConfig{}, err
	}
	return cli, cfg, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "envspin", "config.json"), nil
}

func printUsage() {
	fmt.Printf("envspin CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	envspin login [--password secret] [--api http://localhost:5001]
	envspin provision --name <db> [--version 19.0] [--port N] [--modules a,b] [--design theme] [--type native|docker] [--watch=false]
	envspin list
	envspin drop --name <db>
	envspin logs --name <db> [--lines N]
	envspin status --name <db>
	envspin version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
