package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/midnight-protocol/admin/internal/adminclient"
	"github.com/midnight-protocol/admin/internal/models"
)

type app struct {
	server  string
	token   string
	apiKey  string
	kind    string
	verbose bool
}

func (a *app) templateKind() (models.TemplateKind, error) {
	k := models.TemplateKind(a.kind)
	if !k.Valid() {
		return "", fmt.Errorf("--kind must be prompt or email, got %q", a.kind)
	}
	return k, nil
}

func (a *app) client() (*adminclient.Client, error) {
	opts := []adminclient.Option{}
	if a.token != "" {
		opts = append(opts, adminclient.WithToken(a.token))
	}
	if a.apiKey != "" {
		opts = append(opts, adminclient.WithAPIKey("X-API-Key", a.apiKey))
	}
	return adminclient.New(a.server, opts...)
}

// NewRootCmd creates the templatectl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "templatectl",
		Short: "Manage Midnight Protocol prompt and email templates",
		Long: `templatectl talks to the admin RPC endpoint to list, inspect, restore,
export and import versioned prompt and email templates. The render command
works offline on a local file.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&a.server, "server", envOr("MIDNIGHT_ADMIN_URL", "http://localhost:8080"), "admin API base URL")
	rootCmd.PersistentFlags().StringVar(&a.token, "token", os.Getenv("MIDNIGHT_ADMIN_TOKEN"), "operator JWT")
	rootCmd.PersistentFlags().StringVar(&a.apiKey, "api-key", os.Getenv("MIDNIGHT_API_KEY"), "operator API key")
	rootCmd.PersistentFlags().StringVarP(&a.kind, "kind", "k", string(models.KindPrompt), "template kind: prompt or email")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(
		newListCmd(a),
		newGetCmd(a),
		newVersionsCmd(a),
		newRenderCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newRestoreCmd(a),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
