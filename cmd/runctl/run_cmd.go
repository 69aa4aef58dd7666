package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/osvaldoandrade/runplane/internal/backoff"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type runView struct {
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	LiveStatus    string   `json:"live_status"`
	Progress      float64  `json:"progress"`
	FailReason    string   `json:"fail_reason"`
	MachineID     string   `json:"machine_id"`
	QueuePosition *int     `json:"queue_position"`
	Outputs       []output `json:"outputs"`
}

type output struct {
	ID       string                       `json:"id"`
	OutputID string                       `json:"output_id"`
	Data     map[string][]json.RawMessage `json:"data"`
}

func terminal(status string) bool {
	switch status {
	case "success", "failed", "timeout", "cancelled":
		return true
	}
	return false
}

func runCmd(newAPI func() (*client, error), ui *ui) *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Run operations",
	}

	var (
		workflow     string
		version      string
		deployment   string
		model        string
		machine      string
		inputs       string
		inputsFile   string
		webhook      string
		intermediate bool
		timeoutSec   int
		watch        bool
	)
	submit := &cobra.Command{
		Use:     "submit",
		Short:   "Submit a run",
		Example: "runctl run submit --workflow wf_123 --inputs '{\"prompt\":\"a cat\"}' --watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			set := 0
			for key, v := range map[string]string{"workflow_id": workflow, "workflow_version_id": version, "deployment_id": deployment, "model_id": model} {
				if strings.TrimSpace(v) != "" {
					body[key] = strings.TrimSpace(v)
					set++
				}
			}
			if set != 1 {
				return errors.New("exactly one of --workflow, --version, --deployment or --model is required")
			}
			raw := inputs
			if inputsFile != "" {
				data, err := os.ReadFile(inputsFile)
				if err != nil {
					return err
				}
				raw = string(data)
			}
			if strings.TrimSpace(raw) != "" {
				var obj map[string]any
				if err := json.Unmarshal([]byte(raw), &obj); err != nil {
					return fmt.Errorf("invalid inputs JSON: %w", err)
				}
				body["inputs"] = obj
			}
			if machine != "" {
				body["machine_id"] = machine
			}
			if webhook != "" {
				body["webhook"] = webhook
				body["webhook_intermediate_status"] = intermediate
			}
			if timeoutSec > 0 {
				body["run_timeout_seconds"] = timeoutSec
			}

			c, err := newAPI()
			if err != nil {
				return err
			}
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Submitting run..."
			spin.Start()
			var out struct {
				RunID  string `json:"run_id"`
				Status string `json:"status"`
			}
			err = c.call("POST", "/v1/runs", body, &out)
			spin.Stop()
			if err != nil {
				return err
			}
			fmt.Printf("%s Run created: %s %s\n", ui.ok("[OK]"), out.RunID, ui.dim("("+out.Status+")"))
			if !watch {
				return nil
			}
			return followRun(c, out.RunID, ui)
		},
	}
	submit.Flags().StringVar(&workflow, "workflow", "", "Workflow id")
	submit.Flags().StringVar(&version, "version", "", "Workflow version id")
	submit.Flags().StringVar(&deployment, "deployment", "", "Deployment id")
	submit.Flags().StringVar(&model, "model", "", "Model id")
	submit.Flags().StringVar(&machine, "machine", "", "Machine override")
	submit.Flags().StringVar(&inputs, "inputs", "", "Workflow inputs (JSON object)")
	submit.Flags().StringVar(&inputsFile, "inputs-file", "", "Read workflow inputs from a file")
	submit.Flags().StringVar(&webhook, "webhook", "", "Webhook URL")
	submit.Flags().BoolVar(&intermediate, "webhook-intermediate", false, "Also deliver progress updates to the webhook")
	submit.Flags().IntVar(&timeoutSec, "timeout", 0, "Run timeout in seconds")
	submit.Flags().BoolVar(&watch, "watch", false, "Follow the run until it ends")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			status, resp, err := c.request("GET", "/v1/runs/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			if status >= 300 {
				return apiError(status, resp)
			}
			fmt.Println(string(resp))
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			var out runView
			if err := c.call("POST", "/v1/runs/"+url.PathEscape(args[0])+"/cancel", nil, &out); err != nil {
				return err
			}
			fmt.Printf("%s Run %s is %s\n", ui.ok("[OK]"), out.ID, out.Status)
			return nil
		},
	}

	var limit int
	logs := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print the logs of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			var out struct {
				Logs []struct {
					Logs      string    `json:"logs"`
					Timestamp time.Time `json:"timestamp"`
				} `json:"logs"`
			}
			if err := c.call("GET", fmt.Sprintf("/v1/runs/%s/logs?limit=%d", url.PathEscape(args[0]), limit), nil, &out); err != nil {
				return err
			}
			for _, l := range out.Logs {
				fmt.Printf("%s %s\n", ui.dim(l.Timestamp.Format(time.RFC3339)), l.Logs)
			}
			return nil
		},
	}
	logs.Flags().IntVar(&limit, "limit", 200, "Maximum number of lines")

	watchCmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a run until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			return followRun(c, args[0], ui)
		},
	}

	run.AddCommand(submit, get, cancel, logs, watchCmd)
	return run
}

func followRun(c *client, id string, ui *ui) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	view, err := watchRun(ctx, c, id, ui)
	if err != nil {
		return err
	}
	printSummary(view, ui)
	if view.Status != "success" {
		return fmt.Errorf("run ended %s", view.Status)
	}
	return nil
}

// watchRun polls the run until it reaches a terminal status. A spinner shows the
// queue position while waiting and a bar shows progress once the run starts.
func watchRun(ctx context.Context, c *client, id string, ui *ui) (*runView, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	var bar *progressbar.ProgressBar
	defer spin.Stop()

	attempt := 0
	last := ""
	for {
		var view runView
		if err := c.call("GET", "/v1/runs/"+url.PathEscape(id), nil, &view); err != nil {
			return nil, err
		}
		if key := view.Status + view.LiveStatus + fmt.Sprint(view.Progress); key != last {
			last = key
			attempt = 0
		} else {
			attempt++
		}

		switch {
		case terminal(view.Status):
			spin.Stop()
			if bar != nil {
				if view.Status == "success" {
					_ = bar.Set(100)
				}
				_ = bar.Finish()
				fmt.Println()
			}
			return &view, nil
		case view.Status == "queued" || view.Status == "not-started":
			spin.Suffix = " " + queueLine(view)
			if !spin.Active() {
				spin.Start()
			}
		default:
			spin.Stop()
			if bar == nil {
				bar = progressbar.NewOptions(100,
					progressbar.OptionSetDescription(ui.info(view.Status)),
					progressbar.OptionSetWidth(30),
					progressbar.OptionShowCount(),
					progressbar.OptionSetPredictTime(false),
				)
			}
			bar.Describe(ui.info(emptyOr(view.LiveStatus, view.Status)))
			_ = bar.Set(int(view.Progress * 100))
		}

		delay := backoff.Delay(backoff.ExpFullJitter, 500*time.Millisecond, 5*time.Second, attempt, rng)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func queueLine(v runView) string {
	if v.QueuePosition != nil {
		return fmt.Sprintf("Queued on %s (position %d)", emptyOr(v.MachineID, "machine"), *v.QueuePosition)
	}
	return "Waiting for a machine..."
}

func printSummary(v *runView, ui *ui) {
	mark := ui.ok("[OK]")
	if v.Status != "success" {
		mark = ui.err("[" + strings.ToUpper(v.Status) + "]")
	}
	fmt.Printf("%s Run %s ended %s\n", mark, v.ID, v.Status)
	if v.FailReason != "" {
		fmt.Printf("%s %s\n", ui.warn("reason:"), v.FailReason)
	}
	for _, o := range v.Outputs {
		for slot, values := range o.Data {
			fmt.Printf("%s %s %s: %d item(s)\n", ui.info("•"), emptyOr(o.OutputID, o.ID), slot, len(values))
		}
	}
}
