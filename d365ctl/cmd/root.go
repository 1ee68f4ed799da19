package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/natserract/d365/pkg/dynamics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app carries state shared by all subcommands of one root command.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
}

// NewRootCommand builds the d365ctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "d365ctl",
		Short:         "Call the Dynamics 365 Web API from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("environment-url", "", "environment root, e.g. https://contoso.crm.dynamics.com/")
	flags.String("access-token", "", "static access token")
	flags.String("client-id", "", "Azure AD application id")
	flags.String("client-secret", "", "Azure AD application secret")
	flags.String("tenant-id", "", "Azure AD tenant id")
	flags.String("email", "", "user email for the password grant")
	flags.String("password", "", "user password for the password grant")
	flags.Bool("disable-token-refresh", false, "use --access-token instead of authenticating")
	flags.String("api-version", dynamics.DefaultAPIVersion, "Web API version")
	flags.String("auth-scheme", dynamics.DefaultAuthScheme, "Authorization scheme; empty sends the raw token")
	flags.String("authority", "", "Azure AD authority URL")
	flags.String("redirect-url", "", "redirect URL for the consent flow")
	flags.Bool("cache-token", false, "reuse tokens until they expire")
	flags.Duration("timeout", 0, "per request timeout")
	flags.Int("max-retries", 0, "retries for 5xx and network errors")
	flags.Bool("debug", false, "verbose logging")

	_ = a.v.BindPFlags(flags)
	a.v.SetEnvPrefix("D365")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.newGetCommand(),
		a.newListCommand(),
		a.newCreateCommand(),
		a.newUpdateCommand(),
		a.newDeleteCommand(),
		a.newAuthURLCommand(),
		a.newExportCommand(),
	)

	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	if file := a.v.GetString("config"); file != "" {
		a.v.SetConfigFile(file)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if a.logger == nil {
		var err error
		if a.v.GetBool("debug") {
			a.logger, err = zap.NewDevelopment()
		} else {
			a.logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	return nil
}

func (a *app) config() *dynamics.Config {
	return &dynamics.Config{
		EnvironmentURL:      a.v.GetString("environment-url"),
		AccessToken:         a.v.GetString("access-token"),
		ClientID:            a.v.GetString("client-id"),
		ClientSecret:        a.v.GetString("client-secret"),
		TenantID:            a.v.GetString("tenant-id"),
		Email:               a.v.GetString("email"),
		Password:            a.v.GetString("password"),
		DisableTokenRefresh: a.v.GetBool("disable-token-refresh"),
		APIVersion:          a.v.GetString("api-version"),
		AuthScheme:          a.v.GetString("auth-scheme"),
		Authority:           a.v.GetString("authority"),
		RedirectURL:         a.v.GetString("redirect-url"),
		CacheToken:          a.v.GetBool("cache-token"),
		Timeout:             a.v.GetDuration("timeout"),
		MaxRetries:          a.v.GetInt("max-retries"),
	}
}

func (a *app) client() (*dynamics.Client, error) {
	cfg := a.config()
	client, err := dynamics.NewClientWithLogger(cfg, a.logger)
	if err != nil {
		a.logger.Error("Failed to load config", zap.Error(err))
		return nil, err
	}
	return client, nil
}

// printJSON writes raw indented to w.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
