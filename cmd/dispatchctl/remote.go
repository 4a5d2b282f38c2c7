package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type remote struct {
	baseURL string
	http    *http.Client
}

func newRemote(addr string) *remote {
	return &remote{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *remote) post(path string, in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := r.http.Post(r.baseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func addrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", envOr("ORGAN_DISPATCH_ADDR", "http://localhost:8091"), "orchestrator base URL")
}

func delegateCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "delegate <task-id>",
		Short: "Start the dispatch sequence of a parent task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Started bool `json:"dispatch_started"`
			}
			if err := newRemote(addr).post("/tasks/"+url.PathEscape(args[0])+"/delegate", map[string]any{}, &out); err != nil {
				return err
			}
			if out.Started {
				fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("dispatch started"))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("nothing to dispatch or already running"))
			}
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}

func stopCmd() *cobra.Command {
	var addr, mode string
	cmd := &cobra.Command{
		Use:   "stop <job-id>",
		Short: "Pause or cancel a delegated job",
		Long: `Flag a running delegated job. A paused job keeps its subtasks open until it is
resumed; a cancelled job blocks them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "pause" && mode != "cancel" {
				return fmt.Errorf("--mode must be pause or cancel, got %q", mode)
			}
			if err := newRemote(addr).post("/tasks/"+url.PathEscape(args[0])+"/stop", map[string]any{"mode": mode}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("%s requested", mode), args[0])
			return nil
		},
	}
	addrFlag(cmd, &addr)
	cmd.Flags().StringVar(&mode, "mode", "pause", "pause or cancel")
	return cmd
}

func resumeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Run a paused delegated job again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newRemote(addr).post("/tasks/"+url.PathEscape(args[0])+"/resume", map[string]any{}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("resumed"), args[0])
			return nil
		},
	}
	addrFlag(cmd, &addr)
	return cmd
}
