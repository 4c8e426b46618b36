// Command reconciler runs the Lynqit billing state reconciler.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lynqit/reconciler/pkg/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	syncEmail  string
)

var rootCmd = &cobra.Command{
	Use:           "reconciler",
	Short:         "Lynqit billing state reconciler",
	Long:          `Keeps page subscriptions in line with Mollie and Stripe: webhooks, plan changes and on-demand syncs.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve webhooks and the subscription API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema migrations",
	RunE:  runMigrate,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile every page of one account against the billing providers",
	RunE:  runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("reconciler %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to a .env file, ignored when missing")

	syncCmd.Flags().StringVar(&syncEmail, "email", "", "account email to sync")
	_ = syncCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(serveCmd, migrateCmd, syncCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath, envFile)
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := buildApp(ctx, cfg, newLogger(cfg.Log, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()

	pages, err := a.reconciler.Sync(ctx, syncEmail)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pages)
}
