package main

import (
	"time"

	"github.com/spf13/cobra"
)

// --- roles ---

func rolesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "roles", Short: "Manage project roles"}

	getCmd := &cobra.Command{
		Use:   "get <slug>",
		Short: "Show a role and its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.get(projectPath("roles", args[0]))
			}, printData)(cmd, args)
		},
	}

	putCmd := &cobra.Command{
		Use:   "put <slug> <file>",
		Short: "Create or replace a custom role from a JSON document (- for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if err := readJSONFile(args[1], &body); err != nil {
				printError("reading role: " + err.Error())
				return nil
			}
			return run(func(c *Client) (map[string]any, error) {
				return c.put(projectPath("roles", args[0]), body)
			}, printData)(cmd, args)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <slug>",
		Short: "Delete a custom role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.delete(projectPath("roles", args[0]))
			}, func(map[string]any) { printSuccess("Deleted role " + args[0]) })(cmd, args)
		},
	}

	cmd.AddCommand(getCmd, putCmd, deleteCmd)
	return cmd
}

// --- memberships ---

func membersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "members", Short: "Manage role assignments"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List role assignments",
		RunE: run(func(c *Client) (map[string]any, error) {
			return c.get(projectPath("memberships"))
		}, func(r map[string]any) {
			printRows(r, "id", "principal_type", "principal_id", "role", "temporary_end")
		}),
	}

	addCmd := &cobra.Command{
		Use:   "add <principal-id> <role>",
		Short: "Assign a role to a user or group",
		Args:  cobra.ExactArgs(2),
	}
	group := addCmd.Flags().Bool("group", false, "The principal is a group")
	grantFor := addCmd.Flags().Duration("for", 0, "Make the assignment temporary, starting now")
	addCmd.RunE = func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"principal_type": "user",
			"principal_id":   args[0],
			"role":           args[1],
		}
		if *group {
			body["principal_type"] = "group"
		}
		if *grantFor > 0 {
			now := time.Now().UTC()
			body["temporary_start"] = now
			body["temporary_end"] = now.Add(*grantFor)
		}
		return run(func(c *Client) (map[string]any, error) {
			return c.post(projectPath("memberships"), body)
		}, printData)(cmd, args)
	}

	removeCmd := &cobra.Command{
		Use:   "remove <assignment-id>",
		Short: "Remove a role assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.delete(projectPath("memberships", args[0]))
			}, func(map[string]any) { printSuccess("Removed assignment " + args[0]) })(cmd, args)
		},
	}

	groupAddCmd := &cobra.Command{
		Use:   "group-add <group-id> <user-id>",
		Short: "Add a user to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post(projectPath("groups", args[0], "members"), map[string]any{"user_id": args[1]})
			}, func(map[string]any) { printSuccess("Added " + args[1] + " to " + args[0]) })(cmd, args)
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd, groupAddCmd)
	return cmd
}

func permissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions",
		Short: "Show the caller's effective permissions in the project",
		RunE: run(func(c *Client) (map[string]any, error) {
			return c.get(projectPath("permissions"))
		}, printData),
	}
}

