package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func machineCmd(newAPI func() (*client, error), ui *ui) *cobra.Command {
	machine := &cobra.Command{
		Use:   "machine",
		Short: "Machine administration (requires the admin scope)",
	}

	var (
		status  string
		limit   int
		timeout int
		name    string
	)
	set := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or update a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			body := map[string]any{"status": status, "concurrency_limit": limit}
			if timeout > 0 {
				body["run_timeout_seconds"] = timeout
			}
			if name != "" {
				body["name"] = name
			}
			var out struct {
				ID               string `json:"id"`
				Status           string `json:"status"`
				ConcurrencyLimit int    `json:"concurrency_limit"`
			}
			if err := c.call("PUT", "/v1/admin/machines/"+url.PathEscape(args[0]), body, &out); err != nil {
				return err
			}
			fmt.Printf("%s Machine %s: %s, limit %d\n", ui.ok("[OK]"), out.ID, out.Status, out.ConcurrencyLimit)
			return nil
		},
	}
	set.Flags().StringVar(&status, "status", "ready", "Machine status")
	set.Flags().IntVar(&limit, "limit", 0, "Concurrency limit (0 uses the server default)")
	set.Flags().IntVar(&timeout, "run-timeout", 0, "Default run timeout in seconds")
	set.Flags().StringVar(&name, "name", "", "Display name")

	disable := &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a machine; its open runs fail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			if err := c.call("POST", "/v1/admin/machines/"+url.PathEscape(args[0])+"/disable", nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s Machine %s disabled\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a machine; its open runs fail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			if err := c.call("DELETE", "/v1/admin/machines/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s Machine %s deleted\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show the admission queue of a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPI()
			if err != nil {
				return err
			}
			var out struct {
				Status   string `json:"status"`
				Runnable bool   `json:"runnable"`
				Limit    int    `json:"limit"`
				Active   int    `json:"active"`
				Queued   int64  `json:"queued"`
			}
			if err := c.call("GET", "/v1/admin/machines/"+url.PathEscape(args[0])+"/queue", nil, &out); err != nil {
				return err
			}
			state := ui.ok(out.Status)
			if !out.Runnable {
				state = ui.warn(out.Status)
			}
			fmt.Printf("%s %s\n", ui.title(args[0]), state)
			fmt.Printf("%s Active: %d/%d\n", ui.info("•"), out.Active, out.Limit)
			fmt.Printf("%s Queued: %d\n", ui.info("•"), out.Queued)
			return nil
		},
	}

	machine.AddCommand(set, disable, del, stats)
	return machine
}
