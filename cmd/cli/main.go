package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL      string
	apiKey         string
	assessmentID   int64
	phase          string
	containerName  string
	timeoutSeconds int
	resolvedBy     string
	reason         string
)

func main() {
	root := &cobra.Command{
		Use:   "gateway-cli",
		Short: "CLI client for pentest-command-gateway",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GATEWAY_API_KEY"), "API key")

	// Submit command
	submitCmd := &cobra.Command{
		Use:   "submit [command]",
		Short: "Submit a command for an assessment (reads stdin if omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().Int64VarP(&assessmentID, "assessment", "a", 0, "Assessment ID (required)")
	submitCmd.Flags().StringVar(&phase, "phase", "", "Assessment phase label")
	submitCmd.Flags().StringVar(&containerName, "container", "", "Target container (auto-selected when empty)")
	submitCmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Per-command timeout in seconds")
	_ = submitCmd.MarkFlagRequired("assessment")
	root.AddCommand(submitCmd)

	// History
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show executed command history for an assessment",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON(fmt.Sprintf("/assessments/%d/commands", assessmentID))
		},
	}
	historyCmd.Flags().Int64VarP(&assessmentID, "assessment", "a", 0, "Assessment ID (required)")
	_ = historyCmd.MarkFlagRequired("assessment")
	root.AddCommand(historyCmd)

	// Pending queue
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Manage the pending-command queue",
	}

	pendingCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending commands",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/pending-commands?status=pending")
		},
	})

	pendingCmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Count pending commands",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/pending-commands/count")
		},
	})

	pendingCmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Show one pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/pending-commands/" + url.PathEscape(args[0]))
		},
	})

	approveCmd := &cobra.Command{
		Use:   "approve [id]",
		Short: "Approve and execute a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/pending-commands/"+url.PathEscape(args[0])+"/approve",
				map[string]any{"resolved_by": resolvedBy}, 10*time.Minute)
		},
	}
	approveCmd.Flags().StringVar(&resolvedBy, "by", "cli", "Approver identity")
	pendingCmd.AddCommand(approveCmd)

	rejectCmd := &cobra.Command{
		Use:   "reject [id]",
		Short: "Reject a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/pending-commands/"+url.PathEscape(args[0])+"/reject",
				map[string]any{"resolved_by": resolvedBy, "reason": reason}, 10*time.Second)
		},
	}
	rejectCmd.Flags().StringVar(&resolvedBy, "by", "cli", "Rejecter identity")
	rejectCmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	pendingCmd.AddCommand(rejectCmd)

	pendingCmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a pending command",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON("DELETE", "/pending-commands/"+url.PathEscape(args[0]), nil, 10*time.Second)
		},
	})
	root.AddCommand(pendingCmd)

	// Policy settings
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and change the execution policy",
	}

	policyCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current policy",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/command-settings")
		},
	})

	policyCmd.AddCommand(&cobra.Command{
		Use:   "set-mode [open|filter|closed]",
		Short: "Set the execution mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON("PUT", "/command-settings",
				map[string]any{"execution_mode": args[0]}, 10*time.Second)
		},
	})

	policyCmd.AddCommand(&cobra.Command{
		Use:   "set-timeout [seconds]",
		Short: "Set the pending-command timeout",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var n int
			if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
				return fmt.Errorf("invalid timeout %q", args[0])
			}
			return doJSON("PUT", "/command-settings",
				map[string]any{"timeout_seconds": n}, 10*time.Second)
		},
	})

	policyCmd.AddCommand(&cobra.Command{
		Use:   "add-keyword [keyword]",
		Short: "Add a filter keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return postJSON("/command-settings/keywords",
				map[string]any{"keyword": args[0]}, 10*time.Second)
		},
	})

	policyCmd.AddCommand(&cobra.Command{
		Use:   "remove-keyword [keyword]",
		Short: "Remove a filter keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON("DELETE", "/command-settings/keywords/"+url.PathEscape(args[0]), nil, 10*time.Second)
		},
	})
	root.AddCommand(policyCmd)

	// Containers
	containersCmd := &cobra.Command{
		Use:   "containers",
		Short: "List discovered execution containers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			refresh, _ := cmd.Flags().GetBool("refresh")
			path := "/containers"
			if refresh {
				path += "?refresh=true"
			}
			return getJSON(path)
		},
	}
	containersCmd.Flags().Bool("refresh", false, "Bypass the discovery cache")
	root.AddCommand(containersCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	var command string
	if len(args) > 0 {
		command = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		command = string(data)
	}

	payload := map[string]any{
		"command": command,
	}
	if phase != "" {
		payload["phase"] = phase
	}
	if containerName != "" {
		payload["container_name"] = containerName
	}
	if timeoutSeconds > 0 {
		payload["timeout_seconds"] = timeoutSeconds
	}

	// Executions can run for minutes; the client timeout must outlive them.
	return postJSON(fmt.Sprintf("/assessments/%d/commands", assessmentID), payload, 10*time.Minute)
}

func getJSON(path string) error {
	return doJSON("GET", path, nil, 30*time.Second)
}

func postJSON(path string, payload map[string]any, timeout time.Duration) error {
	return doJSON("POST", path, payload, timeout)
}

func doJSON(method, path string, payload map[string]any, timeout time.Duration) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
