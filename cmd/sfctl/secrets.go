package main

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/spf13/cobra"
)

// --- secrets ---

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Read and write secrets"}

	listCmd := &cobra.Command{Use: "list", Short: "List secrets in a folder"}
	recursive := listCmd.Flags().BoolP("recursive", "r", false, "Include secrets in sub-folders")
	listCmd.RunE = run(func(c *Client) (map[string]any, error) {
		return c.get(scoped(projectPath("secrets"), url.Values{"recursive": {fmt.Sprint(*recursive)}}))
	}, func(r map[string]any) { printRows(r, "key", "path", "version", "type", "value") })

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.get(scoped(projectPath("secrets", args[0]), nil))
			}, printData)(cmd, args)
		},
	}

	setCmd := &cobra.Command{
		Use:   "set KEY=VALUE [KEY=VALUE ...]",
		Short: "Create secrets",
		Args:  cobra.MinimumNArgs(1),
	}
	setComment := setCmd.Flags().String("comment", "", "Secret comment")
	setType := setCmd.Flags().String("type", "shared", "Secret type: shared, personal")
	setCmd.RunE = func(cmd *cobra.Command, args []string) error {
		pairs, err := parseAssignments(args)
		if err != nil {
			return err
		}
		client := newClient()
		for _, key := range sortedStringKeys(pairs) {
			result, err := client.post(projectPath("secrets"), map[string]any{
				"environment": environment(),
				"path":        pathFlag,
				"key":         key,
				"value":       pairs[key],
				"type":        *setType,
				"comment":     *setComment,
			})
			if err != nil {
				printError(key + ": " + err.Error())
				continue
			}
			printData(result)
		}
		return nil
	}

	updateCmd := &cobra.Command{
		Use:   "update <key>",
		Short: "Update a secret's value, name or comment",
		Args:  cobra.ExactArgs(1),
	}
	newValue := updateCmd.Flags().String("value", "", "New value")
	newKey := updateCmd.Flags().String("rename", "", "New key")
	newComment := updateCmd.Flags().String("comment", "", "New comment")
	updateCmd.RunE = func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("value") {
			body["value"] = *newValue
		}
		if cmd.Flags().Changed("rename") {
			body["new_key"] = *newKey
		}
		if cmd.Flags().Changed("comment") {
			body["comment"] = *newComment
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to update: pass --value, --rename or --comment")
		}
		return run(func(c *Client) (map[string]any, error) {
			return c.patch(scoped(projectPath("secrets", args[0]), nil), body)
		}, printData)(cmd, args)
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.delete(scoped(projectPath("secrets", args[0]), nil))
			}, func(r map[string]any) {
				if len(r) == 0 {
					printSuccess("Deleted " + args[0])
					return
				}
				printData(r)
			})(cmd, args)
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Print a folder's secrets as a .env file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().raw(scoped(projectPath("export"), nil))
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, setCmd, updateCmd, deleteCmd, exportCmd)
	return cmd
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- folders ---

func foldersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "folders", Short: "Manage folders"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sub-folders of --path",
		RunE: run(func(c *Client) (map[string]any, error) {
			return c.get(scoped(projectPath("folders"), nil))
		}, func(r map[string]any) { printRows(r, "name", "path", "version", "id") }),
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a folder under --path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post(projectPath("folders"), map[string]any{
					"environment": environment(),
					"parent":      pathFlag,
					"name":        args[0],
				})
			}, printData)(cmd, args)
		},
	}

	deleteCmd := &cobra.Command{Use: "delete", Short: "Delete the folder at --path"}
	recursive := deleteCmd.Flags().BoolP("recursive", "r", false, "Also delete everything inside")
	deleteCmd.RunE = run(func(c *Client) (map[string]any, error) {
		return c.delete(scoped(projectPath("folders"), url.Values{"recursive": {fmt.Sprint(*recursive)}}))
	}, func(map[string]any) { printSuccess("Deleted " + pathFlag) })

	cmd.AddCommand(listCmd, createCmd, deleteCmd)
	return cmd
}

// --- versions ---

func versionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "versions", Short: "Inspect and restore secret history"}

	listCmd := &cobra.Command{
		Use:   "list <secret-id>",
		Short: "List a secret's versions",
		Args:  cobra.ExactArgs(1),
	}
	limit := listCmd.Flags().Int("limit", 20, "Maximum versions")
	offset := listCmd.Flags().Int("offset", 0, "Versions to skip")
	listCmd.RunE = func(cmd *cobra.Command, args []string) error {
		q := url.Values{"limit": {fmt.Sprint(*limit)}, "offset": {fmt.Sprint(*offset)}}
		return run(func(c *Client) (map[string]any, error) {
			return c.get("/v1/secrets/" + url.PathEscape(args[0]) + "/versions?" + q.Encode())
		}, func(r map[string]any) {
			printRows(r, "version", "key", "value", "folder_path", "actor_id", "created_at")
		})(cmd, args)
	}

	getCmd := &cobra.Command{
		Use:   "get <secret-id> <version>",
		Short: "Read one version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.get("/v1/secrets/" + url.PathEscape(args[0]) + "/versions/" + url.PathEscape(args[1]))
			}, printData)(cmd, args)
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <secret-id> <version>",
		Short: "Write an old version back as the newest one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(c *Client) (map[string]any, error) {
				return c.post("/v1/secrets/"+url.PathEscape(args[0])+"/versions/"+url.PathEscape(args[1])+"/restore", nil)
			}, printData)(cmd, args)
		},
	}

	cmd.AddCommand(listCmd, getCmd, restoreCmd)
	return cmd
}
