package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/frappemcp/auth"
	"github.com/petal-labs/frappemcp/config"
)

// NewHashSecretCmd creates the "hash-secret" subcommand.
func NewHashSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash an API secret for auth.users[].api_secret_hash",
		Long: "Hash an API secret with bcrypt. The secret is read from the argument or, when omitted, " +
			"from the first line of stdin. With --generate a fresh key and secret are created and a " +
			"ready-to-paste auth.users entry is printed.",
		Args: cobra.MaximumNArgs(1),
		RunE: runHashSecret,
	}
	cmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	cmd.Flags().Bool("generate", false, "Generate a new API key and secret")
	cmd.Flags().String("user", "", "User name for the generated auth.users entry")
	cmd.Flags().StringSlice("roles", nil, "Roles for the generated auth.users entry")
	return cmd
}

func runHashSecret(cmd *cobra.Command, args []string) error {
	cost, _ := cmd.Flags().GetInt("cost")
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return exitError(exitInputParse, "--cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	if generate, _ := cmd.Flags().GetBool("generate"); generate {
		if len(args) > 0 {
			return exitError(exitInputParse, "cannot pass a secret together with --generate")
		}
		return generateCredentials(cmd, cost)
	}

	var secret string
	if len(args) == 1 {
		secret = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return exitError(exitInputParse, "reading secret from stdin: %v", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}

	hash, err := auth.HashSecret(secret, cost)
	if err != nil {
		return exitError(exitInputParse, "%v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func generateCredentials(cmd *cobra.Command, cost int) error {
	user, _ := cmd.Flags().GetString("user")
	roles, _ := cmd.Flags().GetStringSlice("roles")
	user = strings.TrimSpace(user)
	if user == "" {
		return exitError(exitInputParse, "--user is required with --generate")
	}

	apiKey := strings.ReplaceAll(uuid.NewString(), "-", "")[:15]
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := auth.HashSecret(secret, cost)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	entry, err := yaml.Marshal(map[string]any{
		"auth": map[string]any{
			"users": []config.UserConfig{{
				Name:          user,
				Roles:         roles,
				APIKey:        apiKey,
				APISecretHash: hash,
			}},
		},
	})
	if err != nil {
		return exitError(exitRuntime, "encoding config entry: %v", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "api_key:    %s\n", apiKey)
	fmt.Fprintf(out, "api_secret: %s\n", secret)
	fmt.Fprintf(out, "token:      %s:%s\n\n", apiKey, secret)
	fmt.Fprintln(out, "# The secret is shown once. Add this to your config:")
	_, err = out.Write(entry)
	return err
}
