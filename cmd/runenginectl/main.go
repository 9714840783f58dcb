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

// Command runenginectl is a thin operator CLI against the dashboard API:
// trigger a run, look up its status, cancel it, or mint a bearer token for
// local testing against a dev instance.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombarlow/runengine/internal/auth"
)

var (
	version = "dev"

	apiAddr string
	token   string
)

func main() {
	root := &cobra.Command{
		Use:           "runenginectl",
		Short:         "Operate a run engine deployment's dashboard API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8030", "Dashboard API base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("RUNENGINE_TOKEN"), "Dashboard bearer token")

	root.AddCommand(versionCmd(), triggerCmd(), getCmd(), cancelCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runenginectl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func triggerCmd() *cobra.Command {
	var (
		task           string
		payload        string
		environmentID  string
		projectID      string
		envType        string
		queueName      string
		concurrencyKey string
		idempotencyKey string
		maxAttempts    int
		ttl            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"task_identifier":  task,
				"payload":          json.RawMessage(payload),
				"payload_type":     "application/json",
				"environment_id":   environmentID,
				"project_id":       projectID,
				"environment_type": envType,
				"queue_name":       queueName,
				"concurrency_key":  concurrencyKey,
				"idempotency_key":  idempotencyKey,
				"max_attempts":     maxAttempts,
			}
			if ttl > 0 {
				body["ttl_seconds"] = int(ttl.Seconds())
			}
			resp, err := doRequest(http.MethodPost, "/trigger", body)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "Task identifier (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&environmentID, "environment", "", "Environment id")
	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringVar(&envType, "environment-type", "PRODUCTION", "Environment type")
	cmd.Flags().StringVar(&queueName, "queue", "", "Queue name")
	cmd.Flags().StringVar(&concurrencyKey, "concurrency-key", "", "Concurrency key")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency key")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 1, "Maximum attempts")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time-to-live before the run expires unstarted")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Fetch a run's latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doRequest(http.MethodGet, "/runs/"+args[0], nil)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doRequest(http.MethodPost, "/runs/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		secret        string
		audience      string
		issuer        string
		environmentID string
		projectID     string
		ttl           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing (never use against a shared environment secret)",
		RunE: func(cmd *cobra.Command, args []string) error {
			aud := auth.AudienceDashboard
			if audience == "runner" {
				aud = auth.AudienceRunner
			}
			tok, err := auth.Issue([]byte(secret), issuer, aud, environmentID, projectID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret matching the daemon's configured secret (required)")
	cmd.Flags().StringVar(&audience, "audience", "dashboard", "Token audience: dashboard or runner")
	cmd.Flags().StringVar(&issuer, "issuer", "runenginectl", "Token issuer claim")
	cmd.Flags().StringVar(&environmentID, "environment", "", "Environment id claim")
	cmd.Flags().StringVar(&projectID, "project", "", "Project id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func doRequest(method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, apiAddr+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, out["error"])
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
