// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// apphub-corectl is the operator CLI for a running apphub-cored
// instance: it inspects workflows, runs, services, and workflow
// schedules over the HTTP control surface.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var version = "dev"

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *client) get(path string) (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

func printJSON(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	c := &client{http: &http.Client{Timeout: 30 * time.Second}}

	root := &cobra.Command{
		Use:           "apphub-corectl",
		Short:         "Operator CLI for the apphub-core control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "server", envOr("APPHUB_SERVER", "http://localhost:8080"), "Control plane base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("APPHUB_TOKEN"), "Bearer token")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("apphub-corectl %s\n", version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check control plane health",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/v1/health")
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})

	workflows := &cobra.Command{Use: "workflows", Short: "Inspect workflow definitions"}
	workflows.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/workflows")
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})
	workflows.AddCommand(&cobra.Command{
		Use:   "runs <slug>",
		Short: "List a workflow's recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/workflows/" + args[0] + "/runs")
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})
	root.AddCommand(workflows)

	runs := &cobra.Command{Use: "runs", Short: "Inspect workflow runs"}
	runs.AddCommand(&cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/workflow-runs/" + args[0])
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})
	runs.AddCommand(&cobra.Command{
		Use:   "steps <run-id>",
		Short: "Show a run's step records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/workflow-runs/" + args[0] + "/steps")
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})
	root.AddCommand(runs)

	services := &cobra.Command{Use: "services", Short: "Inspect registered services"}
	services.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List service records",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/services")
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})
	services.AddCommand(&cobra.Command{
		Use:   "get <slug>",
		Short: "Show one service record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/services/" + args[0])
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})
	root.AddCommand(services)

	schedules := &cobra.Command{Use: "schedules", Short: "Inspect workflow schedules"}
	schedules.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all workflow schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := c.get("/workflow-schedules")
			if err != nil {
				return err
			}
			return printJSON(raw)
		},
	})
	root.AddCommand(schedules)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
