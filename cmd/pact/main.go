package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pact/internal/app"
	"pact/internal/backend"
	"pact/internal/config"
	"pact/internal/db"
	"pact/internal/tui"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "pact",
	Short: "PACT commitment contracts",
	Long: `PACT turns a goal into a contract with a penalty, then has a panel of agents
judge the proof you submit before the deadline.
Core concepts:
- Contract: a goal, a deadline and a penalty (stake burn, donation or public shame).
- Ledger: your stake balance. Verified success earns 5, enforced failure burns 10.
- Verification: evidence goes through a verify agent, a safety audit and an adapt step.
- Reaper: contracts left unverified an hour past their deadline fail automatically.
- Workspace: the .pact directory holding the local store and your session.

Run without arguments to open the interactive interface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		dir, err := db.EnsureWorkspace(workspace)
		if err != nil {
			return err
		}
		zcfg := zap.NewProductionConfig()
		if viper.GetBool("verbose") {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if cmd == cmd.Root() || cmd.Name() == "app" {
			// The terminal belongs to the interface.
			zcfg.OutputPaths = []string{filepath.Join(dir, "pact.log")}
			zcfg.ErrorOutputPaths = zcfg.OutputPaths
		}
		l, err := zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInterface(cmd.Context())
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", backend.UserMessage(err))
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PACT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("api-url", "", "backend base URL (overrides config)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "token signing secret (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("api-url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(newCmd())
	rootCmd.AddCommand(contractsCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(communityCmd())
	rootCmd.AddCommand(telemetryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func appCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "app",
		Short: "Open the interactive interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInterface(cmd.Context())
		},
	}
}

func runInterface(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()
		err := tui.Run(ctx, a)
		cancel()
		return errors.Join(err, <-done)
	})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in pact.yml at the workspace root. Missing keys fall back to defaults; PACT_API_URL, PACT_JWT_SECRET and PACT_CRON_SECRET override it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			for _, secret := range []*string{&shown.Identity.JWTSecret, &shown.Server.CronSecret} {
				if *secret != "" {
					*secret = "***"
				}
			}
			return printJSONOrTable(shown)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write pact.yml with fresh secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateWithSecrets()), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate pact.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("api-url"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Identity.JWTSecret = v
	}
	if v := viper.GetString("cron-secret"); v != "" {
		cfg.Server.CronSecret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Log:       logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
