package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

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

func newClient(baseURL, token string) *client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) request(method, path string, body any) (int, []byte, error) {
	var buf io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, nil
}

// call is request plus the error convention of the API: any status >= 300 is an error.
func (c *client) call(method, path string, body, out any) error {
	status, resp, err := c.request(method, path, body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, resp)
	}
	if out != nil && len(resp) > 0 {
		return json.Unmarshal(resp, out)
	}
	return nil
}

func apiError(status int, body []byte) error {
	var e struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil {
		if msg := firstNonEmpty(e.Error, e.Detail); msg != "" {
			return fmt.Errorf("error (%d): %s", status, msg)
		}
	}
	return fmt.Errorf("error (%d): %s", status, strings.TrimSpace(string(body)))
}

func main() {
	baseURL := getenv("RUNPLANE_BASE_URL", "http://localhost:8080")
	token := getenv("RUNPLANE_TOKEN", "")
	profileName := getenv("RUNPLANE_PROFILE", "")
	ui := newUI()

	root := &cobra.Command{
		Use:   "runctl",
		Short: "runplane CLI",
		Long:  "runctl submits workflow runs, follows them and fetches model files through runplane.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "Base URL for runplane")
	root.PersistentFlags().StringVar(&token, "token", token, "Bearer token")
	root.PersistentFlags().StringVar(&profileName, "profile", profileName, "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, _ := loadConfig()
		active := resolveProfileName(profileName, cfg)
		prof := cfg.Profiles[active]

		flags := cmd.Flags()
		if !flags.Changed("base-url") {
			if v := strings.TrimSpace(os.Getenv("RUNPLANE_BASE_URL")); v != "" {
				baseURL = v
			} else if prof.BaseURL != "" {
				baseURL = prof.BaseURL
			}
		}
		if !flags.Changed("token") {
			if v := strings.TrimSpace(os.Getenv("RUNPLANE_TOKEN")); v != "" {
				token = v
			} else if prof.Token != "" {
				token = prof.Token
			}
		}
		if !flags.Changed("profile") && profileName == "" {
			profileName = active
		}
		return nil
	}

	newAPI := func() (*client, error) {
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("token is required (run `runctl init` or set RUNPLANE_TOKEN)")
		}
		return newClient(baseURL, token), nil
	}

	root.AddCommand(initCmd(&profileName, ui))
	root.AddCommand(runCmd(newAPI, ui))
	root.AddCommand(machineCmd(newAPI, ui))
	root.AddCommand(fetchCmd(&baseURL, &token, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("runctl")
	return fmt.Sprintf(`%s: CLI for runplane

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  runctl init
  runctl run submit --workflow wf_123 --inputs '{"prompt":"a cat"}' --watch
  runctl run watch 3f1c...
  runctl machine set m1 --limit 4
  runctl fetch models/sdxl/model.safetensors -o model.safetensors

`, title, configPath())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
