package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// --- snapshots ---

func snapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshots", Short: "Point-in-time captures of an environment"}

	listCmd := &cobra.Command{Use: "list", Short: "List snapshots of the environment, newest first"}
	limit := listCmd.Flags().Int("limit", 20, "Maximum snapshots")
	offset := listCmd.Flags().Int("offset", 0, "Snapshots to skip")
	listCmd.RunE = run(func(c *Client) (map[string]any, error) {
		q := url.Values{
			"environment": {environment()},
			"limit":       {fmt.Sprint(*limit)},
			"offset":      {fmt.Sprint(*offset)},
		}
		return c.get(projectPath("snapshots") + "?" + q.Encode())
	}, func(r map[string]any) { printRows(r, "id", "sequence", "environment", "created_at") })

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Capture the environment now",
		RunE: run(func(c *Client) (map[string]any, error) {
			return c.post(projectPath("snapshots"), map[string]any{"environment": environment()})
		}, printData),
	}

	showCmd := &cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show the folders and secrets captured by a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.get("/v1/snapshots/" + url.PathEscape(args[0]))
			}, func(r map[string]any) {
				data, _ := r["data"].(map[string]any)
				if data == nil || outputFormat != "table" {
					printResult(r)
					return
				}
				printRows(map[string]any{"data": data["folders"]}, "path", "version")
				fmt.Println()
				printRows(map[string]any{"data": data["secrets"]}, "folder_path", "key", "version", "value")
			})(cmd, args)
		},
	}

	diffCmd := &cobra.Command{
		Use:   "diff <snapshot-id>",
		Short: "Compare a snapshot with the live state under --path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.get("/v1/snapshots/" + url.PathEscape(args[0]) + "/diff?" + url.Values{"path": {pathFlag}}.Encode())
			}, printComparison)(cmd, args)
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback <snapshot-id>",
		Short: "Restore --path to the state captured by a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/snapshots/"+url.PathEscape(args[0])+"/rollback", map[string]any{"path": pathFlag})
			}, printComparison)(cmd, args)
		},
	}

	cmd.AddCommand(listCmd, createCmd, showCmd, diffCmd, rollbackCmd)
	return cmd
}

// printComparison prints the changed entries of a diff, skipping unchanged ones.
func printComparison(r map[string]any) {
	data, _ := r["data"].(map[string]any)
	if data == nil || outputFormat != "table" {
		printResult(r)
		return
	}
	changed := 0
	for _, section := range []string{"folders", "secrets"} {
		entries, _ := data[section].([]any)
		for _, e := range entries {
			entry, _ := e.(map[string]any)
			mode, _ := entry["mode"].(string)
			if mode == "no-change" {
				continue
			}
			changed++
			fmt.Printf("%-9s %s\n", mode, entryName(entry))
		}
	}
	if changed == 0 {
		fmt.Println("No changes.")
	}
}

func entryName(entry map[string]any) string {
	side, _ := entry["post"].(map[string]any)
	if side == nil {
		side, _ = entry["pre"].(map[string]any)
	}
	if side == nil {
		return fmt.Sprint(entry["id"])
	}
	if key, ok := side["key"].(string); ok {
		return strings.TrimSuffix(fmt.Sprint(side["folder_path"]), "/") + "/" + key
	}
	return fmt.Sprint(side["path"])
}

// --- approval policies ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policies", Short: "Manage approval policies"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List approval policies",
		RunE: run(func(c *Client) (map[string]any, error) {
			route := projectPath("approval-policies")
			if env := environment(); env != "" {
				route += "?" + url.Values{"environment": {env}}.Encode()
			}
			return c.get(route)
		}, func(r map[string]any) {
			printRows(r, "id", "name", "environment", "secret_path", "required_approvals", "enforcement_level")
		}),
	}

	createCmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Create a policy from a JSON document (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if err := readJSONFile(args[0], &body); err != nil {
				printError("reading policy: " + err.Error())
				return nil
			}
			return run(func(c *Client) (map[string]any, error) {
				return c.post(projectPath("approval-policies"), body)
			}, printData)(cmd, args)
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <policy-id> <file>",
		Short: "Replace a policy from a JSON document (- for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if err := readJSONFile(args[1], &body); err != nil {
				printError("reading policy: " + err.Error())
				return nil
			}
			return run(func(c *Client) (map[string]any, error) {
				return c.put(projectPath("approval-policies", args[0]), body)
			}, printData)(cmd, args)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <policy-id>",
		Short: "Read a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.get(projectPath("approval-policies", args[0]))
			}, printData)(cmd, args)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <policy-id>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.delete(projectPath("approval-policies", args[0]))
			}, func(map[string]any) { printSuccess("Deleted policy " + args[0]) })(cmd, args)
		},
	}

	cmd.AddCommand(listCmd, createCmd, updateCmd, getCmd, deleteCmd)
	return cmd
}

// --- approval requests ---

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "requests", Short: "Review and merge change requests"}

	listCmd := &cobra.Command{Use: "list", Short: "List change requests"}
	status := listCmd.Flags().StringSlice("status", []string{"open"}, "Statuses to include")
	limit := listCmd.Flags().Int("limit", 50, "Maximum requests")
	listCmd.RunE = run(func(c *Client) (map[string]any, error) {
		q := url.Values{"status": {strings.Join(*status, ",")}, "limit": {fmt.Sprint(*limit)}}
		if env := environment(); env != "" {
			q.Set("environment", env)
		}
		return c.get(projectPath("approval-requests") + "?" + q.Encode())
	}, func(r map[string]any) {
		printRows(r, "id", "status", "environment", "folder_path", "committer_id", "created_at")
	})

	getCmd := &cobra.Command{
		Use:   "get <request-id>",
		Short: "Show a change request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.get("/v1/approval-requests/" + url.PathEscape(args[0]))
			}, printData)(cmd, args)
		},
	}

	cmd.AddCommand(listCmd, getCmd,
		reviewCmd("approve", "approved"),
		reviewCmd("reject", "rejected"),
		mergeCmd(),
		closeCmd(),
	)
	return cmd
}

func reviewCmd(use, status string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: "Record a " + status + " review",
		Args:  cobra.ExactArgs(1),
	}
	comment := cmd.Flags().StringP("message", "m", "", "Review comment")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(func(c *Client) (map[string]any, error) {
			return c.post("/v1/approval-requests/"+url.PathEscape(args[0])+"/review", map[string]any{
				"status":  status,
				"comment": *comment,
			})
		}, printData)(cmd, args)
	}
	return cmd
}

func mergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <request-id>",
		Short: "Apply an approved change request",
		Args:  cobra.ExactArgs(1),
	}
	bypass := cmd.Flags().String("bypass-reason", "", "Merge a soft-enforced request without enough approvals")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if *bypass != "" {
			body["bypass_reason"] = *bypass
		}
		return run(func(c *Client) (map[string]any, error) {
			return c.post("/v1/approval-requests/"+url.PathEscape(args[0])+"/merge", body)
		}, printData)(cmd, args)
	}
	return cmd
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <request-id>",
		Short: "Close a change request without merging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/approval-requests/"+url.PathEscape(args[0])+"/close", nil)
			}, printData)(cmd, args)
		},
	}
}
