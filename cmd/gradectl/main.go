package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/osvaldoandrade/codegrade/pkg/app"
	"github.com/osvaldoandrade/codegrade/pkg/config"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

type globals struct {
	baseURL    string
	configPath string
	verbose    bool
}

func main() {
	_ = godotenv.Load()

	g := &globals{
		baseURL:    getenv("CODEGRADE_BASE_URL", "http://localhost:8000"),
		configPath: getenv("CODEGRADE_CONFIG_PATH", ""),
	}
	ui := newUI()
	if !isTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}

	root := &cobra.Command{
		Use:   "gradectl",
		Short: "codegrade CLI",
		Long:  "gradectl submits evaluations to a codegrade server and runs the grading pipeline locally.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&g.baseURL, "base-url", g.baseURL, "Base URL of the codegrade server")
	root.PersistentFlags().StringVar(&g.configPath, "config", g.configPath, "Server config file (YAML)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log pipeline events to stderr")

	root.AddCommand(evaluateCmd(g, ui))
	root.AddCommand(gradeCmd(g, ui))
	root.AddCommand(unpackCmd(g, ui))
	root.AddCommand(configCmd(g, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigOptional(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (g *globals) logger(cfg *config.Config) *slog.Logger {
	if !g.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := *cfg
	c.LogFormat = "text"
	if c.LogLevel == "" || c.LogLevel == "info" {
		c.LogLevel = "debug"
	}
	return app.NewLogger(&c, os.Stderr)
}

func postJSON(baseURL, path string, body any) (int, []byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: 15 * time.Second}).Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode, out, nil
}

func errorFromBody(status int, body []byte) error {
	var out struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &out) == nil {
		if out.Error != "" {
			return fmt.Errorf("server returned %d: %s", status, out.Error)
		}
		if out.Detail != "" {
			return fmt.Errorf("server returned %d: %s", status, out.Detail)
		}
	}
	if len(body) == 0 {
		return errors.New(http.StatusText(status))
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func isTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

func helpTemplate(ui *ui) string {
	title := ui.title("gradectl")
	return fmt.Sprintf(`%s: CLI for codegrade

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Examples:
  gradectl evaluate --submission 42 --file sub_42.zip
  gradectl grade ./sub_42.zip --command "python3 grading_script.py {workspace}"
  gradectl unpack ./sub_42.zip ./out
  gradectl config --config ./codegrade.yaml

`, title)
}
