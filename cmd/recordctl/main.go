package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/org/medvault/internal/crypto"
	"github.com/org/medvault/pkg/models"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "recordctl",
	Short:         "medvault CLI",
	Long:          "A CLI for creating, reading and sharing records in medvault.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(loginCmd())
}

// --- record ---

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "record", Short: "Create, read and update records"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record owned by the current principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, data, err := recordFlags(cmd)
			if err != nil {
				return err
			}
			result, err := newClient().post("/v1/records", map[string]any{
				"metadata": metadata,
				"data":     data,
			})
			if err != nil {
				return err
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	addRecordFlags(createCmd)

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Read a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(recordPath(args[0]))
			if err != nil {
				return err
			}
			if d, ok := result["data"].(map[string]any); ok {
				d["actions"] = result["actions"]
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a record's metadata and data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, data, err := recordFlags(cmd)
			if err != nil {
				return err
			}
			if _, err := newClient().put(recordPath(args[0]), map[string]any{
				"metadata": metadata,
				"data":     data,
			}); err != nil {
				return err
			}
			printSuccess("Success! Record updated.")
			return nil
		},
	}
	addRecordFlags(updateCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List records created by the current principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/records")
			if err != nil {
				return err
			}
			d, _ := result["data"].(map[string]any)
			recs, _ := d["records"].([]any)
			printRecords(recs)
			return nil
		},
	}

	cmd.AddCommand(createCmd, getCmd, updateCmd, listCmd)
	return cmd
}

func addRecordFlags(cmd *cobra.Command) {
	cmd.Flags().String("metadata", "", "Record metadata")
	cmd.Flags().String("data", "", "Record data")
	cmd.Flags().String("data-file", "", "Read record data from a file (- for stdin)")
}

func recordFlags(cmd *cobra.Command) (metadata, data string, err error) {
	metadata, _ = cmd.Flags().GetString("metadata")
	data, _ = cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("data-file")
	if file == "" {
		return metadata, data, nil
	}
	if cmd.Flags().Changed("data") {
		return "", "", fmt.Errorf("--data and --data-file are mutually exclusive")
	}
	var raw []byte
	if file == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return "", "", fmt.Errorf("reading record data: %w", err)
	}
	return metadata, string(raw), nil
}

// --- access ---

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Manage who may access a record"}

	grantCmd := &cobra.Command{
		Use:   "grant <id> <principal> <read|write|admin>",
		Short: "Give a principal a level on a record, replacing any level it held",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := models.ParseAccessLevel(args[2])
			if err != nil {
				return err
			}
			if _, err := newClient().put(recordPath(args[0], args[1]), map[string]any{"level": level}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Success! Granted %s to %s.", level, args[1]))
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <id> <principal>",
		Short: "Remove a principal's entry from a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete(recordPath(args[0], args[1])); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Success! Revoked access for %s.", args[1]))
			return nil
		},
	}

	cmd.AddCommand(grantCmd, revokeCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, _ := cmd.Flags().GetString("principal")
			ttl, _ := cmd.Flags().GetString("ttl")
			result, err := newClient().post("/v1/auth/token/create", map[string]any{
				"principal": principal,
				"ttl":       ttl,
			})
			if err != nil {
				return err
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("principal", "", "Principal to bind (default: the caller's; others need the root token)")
	createCmd.Flags().String("ttl", "", "Token TTL (e.g. 24h)")

	revokeCmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a token and the tokens created with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().post("/v1/auth/token/revoke", map[string]any{"token": args[0]}); err != nil {
				return err
			}
			printSuccess("Success! Token revoked.")
			return nil
		},
	}

	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/auth/token/lookup-self")
			if err != nil {
				return err
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(createCmd, revokeCmd, lookupCmd)
	return cmd
}

// --- login ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Verify a token and save it to the CLI config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) > 0 {
				token = args[0]
			} else {
				fmt.Fprint(os.Stderr, "Token: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Scan()
				token = strings.TrimSpace(scanner.Text())
			}
			client := newClient()
			client.token = token
			result, err := client.get("/v1/auth/token/lookup-self")
			if err != nil {
				return err
			}
			cfg.Token = token
			if err := saveConfig(); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Fprintln(os.Stderr, "Token saved to config.")
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
			}
			return nil
		},
	}
}

// --- operator ---

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Server operator commands"}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/health")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every record (root token required)",
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				fmt.Fprint(os.Stderr, "This deletes every record. Type 'reset' to continue: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Scan()
				if strings.TrimSpace(scanner.Text()) != "reset" {
					return fmt.Errorf("aborted")
				}
			}
			if _, err := newClient().post("/v1/sys/reset", nil); err != nil {
				return err
			}
			printSuccess("Success! Store reset.")
			return nil
		},
	}
	resetCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random encryption_key for the server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}

	cmd.AddCommand(healthCmd, resetCmd, keygenCmd)
	return cmd
}
