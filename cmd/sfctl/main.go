package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/org/secretflow/internal/auth"
	"github.com/org/secretflow/pkg/models"
)

var (
	projectFlag string
	envFlag     string
	pathFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "sfctl",
	Short: "secretflow CLI",
	Long:  "A CLI for managing versioned secrets, snapshots and change requests in secretflow.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "", "Project ID (defaults to the configured project)")
	rootCmd.PersistentFlags().StringVarP(&envFlag, "env", "e", "", "Environment slug (defaults to the configured environment)")
	rootCmd.PersistentFlags().StringVar(&pathFlag, "path", "/", "Folder path")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(foldersCmd())
	rootCmd.AddCommand(versionsCmd())
	rootCmd.AddCommand(snapshotsCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(membersCmd())
	rootCmd.AddCommand(permissionsCmd())
	rootCmd.AddCommand(auditCmd())
}

func project() string {
	if projectFlag != "" {
		return projectFlag
	}
	if v := os.Getenv("SECRETFLOW_PROJECT"); v != "" {
		return v
	}
	return cfg.Project
}

func environment() string {
	if envFlag != "" {
		return envFlag
	}
	return cfg.Environment
}

// projectPath joins segments under the current project's route.
func projectPath(segments ...string) string {
	parts := []string{"/v1/projects", url.PathEscape(project())}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}

// scoped adds the environment and folder path to a route as query parameters.
func scoped(route string, extra url.Values) string {
	q := url.Values{}
	q.Set("environment", environment())
	q.Set("path", pathFlag)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return route + "?" + q.Encode()
}

// parseAssignments splits KEY=VALUE arguments.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, kv := range args {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair: %s", kv)
		}
		out[key] = value
	}
	return out, nil
}

// readJSONFile decodes a JSON document from path, or stdin for "-".
func readJSONFile(path string, dst any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// run is the shared body of commands that make one API call.
func run(call func(c *Client) (map[string]any, error), print func(map[string]any)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		result, err := call(newClient())
		if err != nil {
			printError(err.Error())
			return nil
		}
		print(result)
		return nil
	}
}

// --- login / token ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <token>",
		Short: "Store a token and defaults in the CLI config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Token = args[0]
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			if projectFlag != "" {
				cfg.Project = projectFlag
			}
			if envFlag != "" {
				cfg.Environment = envFlag
			}
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Token saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	mintCmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign an access token with the server's JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("SECRETFLOW_JWT_SECRET")
			}
			issuer, _ := cmd.Flags().GetString("issuer")
			typ, _ := cmd.Flags().GetString("type")
			id, _ := cmd.Flags().GetString("id")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			scopes, _ := cmd.Flags().GetStringSlice("scope")
			access, _ := cmd.Flags().GetStringSlice("access")

			actor := models.Actor{Type: models.ActorType(typ), ID: id, Access: access}
			for _, s := range scopes {
				env, glob, ok := strings.Cut(s, ":")
				if !ok {
					printError("scope must be <environment>:<path glob>: " + s)
					return nil
				}
				actor.Scopes = append(actor.Scopes, models.TokenScope{Environment: env, SecretPath: glob})
			}

			tokens, err := auth.NewTokenService([]byte(secret), issuer)
			if err != nil {
				printError(err.Error())
				return nil
			}
			raw, err := tokens.CreateToken(actor, ttl)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(map[string]any{"token": raw, "type": typ, "id": id})
			return nil
		},
	}
	mintCmd.Flags().String("secret", "", "JWT signing secret (default $SECRETFLOW_JWT_SECRET)")
	mintCmd.Flags().String("issuer", "secretflow", "Token issuer")
	mintCmd.Flags().String("type", string(models.ActorUser), "Actor type: user, identity, service")
	mintCmd.Flags().String("id", "", "Actor ID")
	mintCmd.Flags().Duration("ttl", time.Hour, "Token lifetime, 0 for no expiry")
	mintCmd.Flags().StringSlice("scope", nil, "Service token scope as <environment>:<path glob>")
	mintCmd.Flags().StringSlice("access", []string{"read"}, "Service token access: read, write")
	mintCmd.MarkFlagRequired("id") //nolint:errcheck

	cmd.AddCommand(mintCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List the project's audit log",
	}
	typ := cmd.Flags().String("type", "", "Only entries of this event type")
	limit := cmd.Flags().Int("limit", 50, "Maximum entries")
	since := cmd.Flags().String("since", "", "Only entries after this RFC3339 time")
	cmd.RunE = run(func(c *Client) (map[string]any, error) {
		q := url.Values{"project_id": {project()}, "limit": {fmt.Sprint(*limit)}}
		if *typ != "" {
			q.Set("type", *typ)
		}
		if *since != "" {
			q.Set("since", *since)
		}
		return c.get("/v1/sys/audit-log?" + q.Encode())
	}, func(r map[string]any) { printRows(r, "timestamp", "type", "actor_type", "actor_id") })
	return cmd
}
