package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"schemaline/internal/app"
	"schemaline/internal/config"
	"schemaline/internal/db"
	"schemaline/internal/deploy"
	"schemaline/internal/history"
	"schemaline/internal/planner"
	"schemaline/internal/records"
	"schemaline/internal/report"
	"schemaline/internal/schema"
	"schemaline/internal/server"
	"schemaline/internal/watch"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Schemaline CLI",
	Long: `Schemaline promotes app structure (fields, views, form layout) between
environments of a low-code platform.

Workflow:
- sl schema fetch --env dev and sl schema fetch --env prod capture snapshots
  under .schemaline/<app>/schema.<env>.json.
- sl schema diff --env-from dev --env-to prod shows what differs.
- sl schema deploy --from dev --to prod prints the plan; add --execute to apply
  it and --backup to export the target records first.
- sl backup create|list|restore manages record backups.

Credentials come from schemaline.yml or SCHEMALINE_<ENV>_BASE_URL,
SCHEMALINE_<ENV>_API_TOKEN, SCHEMALINE_<ENV>_USERNAME and
SCHEMALINE_<ENV>_PASSWORD. App ids can be overridden with <APP>_<ENV>_ID.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		l, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SCHEMALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/schemaline.yml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// lookup resolves SCHEMALINE_<KEY>. App id keys also read the bare
// <APP>_<ENV>_ID variable.
var lookup = config.EnvLookup(viper.GetString, os.Getenv)

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage schemaline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default schemaline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if projectID == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (default: workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if viper.GetBool("json") {
					return printJSON(env.Config)
				}
				redacted := *env.Config
				redacted.Environments = map[string]config.Environment{}
				for name, e := range env.Config.Environments {
					if e.APIToken != "" {
						e.APIToken = "***"
					}
					if e.Password != "" {
						e.Password = "***"
					}
					redacted.Environments[name] = e
				}
				redacted.Webhooks = make([]config.WebhookConfig, len(env.Config.Webhooks))
				for i, h := range env.Config.Webhooks {
					if h.Secret != "" {
						h.Secret = "***"
					}
					redacted.Webhooks[i] = h
				}
				out, err := yaml.Marshal(&redacted)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate schemaline.yml and report unresolved environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			var (
				cfg *config.Config
				err error
			)
			if path := viper.GetString("config"); path != "" {
				cfg, err = config.FromFile(path)
			} else {
				cfg, err = config.Load(workspace)
			}
			if err != nil {
				return err
			}
			type envStatus struct {
				Environment string `json:"environment"`
				BaseURL     string `json:"base_url,omitempty"`
				Error       string `json:"error,omitempty"`
			}
			names := make([]string, 0, len(cfg.Environments))
			for name := range cfg.Environments {
				names = append(names, name)
			}
			sort.Strings(names)
			statuses := []envStatus{}
			for _, name := range names {
				st := envStatus{Environment: name}
				if conn, err := cfg.Connection(name, lookup); err != nil {
					st.Error = err.Error()
				} else {
					st.BaseURL = conn.BaseURL
				}
				statuses = append(statuses, st)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "environments": statuses})
			}
			fmt.Printf("config ok: project %s, %d apps\n", cfg.Project.ID, len(cfg.Apps))
			for _, st := range statuses {
				if st.Error != "" {
					fmt.Printf("  %s: %s\n", st.Environment, st.Error)
				} else {
					fmt.Printf("  %s: %s\n", st.Environment, st.BaseURL)
				}
			}
			return nil
		},
	}
}

// --- schema ---

func schemaCmd() *cobra.Command {
	s := &cobra.Command{Use: "schema", Short: "Fetch, compare and deploy app structure"}
	s.AddCommand(schemaFetchCmd())
	s.AddCommand(schemaDiffCmd())
	s.AddCommand(schemaDeployCmd())
	return s
}

func schemaFetchCmd() *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "fetch [apps...]",
		Short: "Snapshot the live structure of apps in one environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				api, conn, err := env.Connect(envName)
				if err != nil {
					return err
				}
				apps, err := env.AppNames(args)
				if err != nil {
					return err
				}
				if len(apps) == 0 {
					return errors.New("no apps configured; add apps to schemaline.yml or name them as arguments")
				}
				journal, err := env.OpenJournal(ctx)
				if err != nil {
					logger.Warn("fetch log unavailable", zap.Error(err))
					journal = nil
				} else {
					defer journal.Close()
				}
				results := env.FetchSchemas(ctx, api, conn, apps, journal)
				if viper.GetBool("json") {
					return printJSON(results)
				}
				report.Results(os.Stdout, results)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "environment to fetch from")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

type diffResult struct {
	App        string             `json:"app"`
	From       string             `json:"from"`
	To         string             `json:"to"`
	Comparison planner.Comparison `json:"comparison"`
}

func schemaDiffCmd() *cobra.Command {
	var from, to string
	var watchMode bool
	cmd := &cobra.Command{
		Use:   "diff [apps...]",
		Short: "Compare two snapshots of each app (read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == to {
				return fmt.Errorf("--env-from and --env-to are both %s", from)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				apps, err := env.AppNames(args)
				if err != nil {
					return err
				}
				if len(apps) == 0 {
					return errors.New("no apps configured and no snapshots found")
				}
				if !watchMode {
					return runDiff(env.Schemas, apps, from, to)
				}
				rerun := func() {
					if err := runDiff(env.Schemas, apps, from, to); err != nil {
						fmt.Fprintln(os.Stderr, "error:", err)
					}
				}
				rerun()
				dirs := make([]string, 0, len(apps))
				for _, a := range apps {
					dirs = append(dirs, env.Schemas.AppDir(a))
				}
				w := watch.Watcher{
					Dirs:    dirs,
					Pattern: "schema.*.json",
					OnChange: func() {
						fmt.Printf("\n--- %s ---\n", time.Now().Format(time.TimeOnly))
						rerun()
					},
					Logger: logger,
				}
				fmt.Fprintln(os.Stderr, "watching snapshots; press Ctrl-C to stop")
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&from, "env-from", "dev", "source environment")
	cmd.Flags().StringVar(&to, "env-to", "prod", "target environment")
	cmd.Flags().BoolVar(&watchMode, "watch", false, "re-run when snapshot files change")
	return cmd
}

// runDiff fails on the first missing snapshot so the caller sees the fetch
// instruction.
func runDiff(store schema.Store, apps []string, from, to string) error {
	results := make([]diffResult, 0, len(apps))
	for _, a := range apps {
		src, dst, err := store.LoadPair(a, from, to)
		if err != nil {
			return err
		}
		results = append(results, diffResult{App: a, From: from, To: to, Comparison: planner.Compare(src, dst)})
	}
	if viper.GetBool("json") {
		return printJSON(results)
	}
	for _, r := range results {
		report.Comparison(os.Stdout, r.App, r.From, r.To, r.Comparison)
	}
	return nil
}

func schemaDeployCmd() *cobra.Command {
	var opts deploy.Options
	cmd := &cobra.Command{
		Use:   "deploy [apps...]",
		Short: "Plan, and with --execute apply, structure changes from one environment to another",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Apps = args
			if opts.Backup && !opts.Execute {
				logger.Info("--backup has no effect without --execute")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				var journal *history.Journal
				if opts.Execute {
					j, err := env.OpenJournal(ctx)
					if err != nil {
						logger.Warn("deploy journal unavailable", zap.Error(err))
					} else {
						journal = j
						defer j.Close()
					}
				}
				rep, err := env.Runner(journal).Run(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				report.Deploy(os.Stdout, rep)
				if opts.Execute {
					fmt.Printf("\n%d deployed, %d unchanged, %d skipped, %d failed\n",
						rep.Count(deploy.OutcomeDeployed), rep.Count(deploy.OutcomeUnchanged),
						rep.Count(deploy.OutcomeSkipped), rep.Count(deploy.OutcomeFailed))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "dev", "source environment")
	cmd.Flags().StringVar(&opts.To, "to", "prod", "target environment")
	cmd.Flags().BoolVar(&opts.Execute, "execute", false, "apply the plan (default is a dry run)")
	cmd.Flags().BoolVar(&opts.Backup, "backup", false, "back up target records before applying")
	return cmd
}

// --- backup ---

func backupCmd() *cobra.Command {
	b := &cobra.Command{Use: "backup", Short: "Back up and restore app records"}
	b.AddCommand(backupCreateCmd())
	b.AddCommand(backupListCmd())
	b.AddCommand(backupRestoreCmd())
	return b
}

func backupCreateCmd() *cobra.Command {
	var envName, query, reason string
	cmd := &cobra.Command{
		Use:   "create [apps...]",
		Short: "Export all records of apps to backup files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				api, conn, err := env.Connect(envName)
				if err != nil {
					return err
				}
				apps, err := env.AppNames(args)
				if err != nil {
					return err
				}
				results := env.BackupApps(ctx, api, conn, apps, query, reason)
				if viper.GetBool("json") {
					return printJSON(results)
				}
				report.Results(os.Stdout, results)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "environment to back up")
	cmd.Flags().StringVar(&query, "query", "", "record filter, combined with the pagination cursor")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason stored in the backup metadata")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func backupListCmd() *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "list [apps...]",
		Short: "List backup files, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				apps, err := env.AppNames(args)
				if err != nil {
					return err
				}
				entries := []records.Entry{}
				for _, a := range apps {
					list, err := env.Backups.List(a, envName)
					if err != nil {
						return err
					}
					entries = append(entries, list...)
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				report.Backups(os.Stdout, entries, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "only backups of this environment")
	return cmd
}

func backupRestoreCmd() *cobra.Command {
	var envName, fromEnv, file string
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <app>",
		Short: "Re-insert the records of a backup file",
		Long: `Re-insert the records of a backup file. Without --file the newest backup
taken in --from-env is used (default: the --env environment, else any).

  sl backup restore orders --from-env dev --env prod --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				plan, err := env.PlanRestore(app.RestoreRequest{App: args[0], Source: fromEnv, Environment: envName, Path: file})
				if err != nil {
					return err
				}
				if !force {
					return fmt.Errorf("restore adds %d records from %s to app %s (%s); rerun with --force to proceed",
						len(plan.Backup.Records), plan.Path, plan.AppID, plan.Environment)
				}
				api, _, err := env.Connect(plan.Environment)
				if err != nil {
					return err
				}
				res, err := env.Restore(ctx, api, plan)
				if err != nil {
					return fmt.Errorf("restored %d of %d records: %w", res.Records, len(plan.Backup.Records), err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("restored %d records into app %s (%s)\n", res.Records, res.AppID, plan.Environment)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "environment to restore into (default: the backup's)")
	cmd.Flags().StringVar(&fromEnv, "from-env", "", "pick the newest backup taken in this environment")
	cmd.Flags().StringVar(&file, "file", "", "backup file (default: newest)")
	cmd.Flags().BoolVar(&force, "force", false, "confirm the restore")
	return cmd
}

// --- file ---

func fileCmd() *cobra.Command {
	f := &cobra.Command{Use: "file", Short: "Upload and download attachments"}
	f.AddCommand(fileUploadCmd())
	f.AddCommand(fileDownloadCmd())
	return f
}

func fileUploadCmd() *cobra.Command {
	var envName string
	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file and print its file key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				api, _, err := env.Connect(envName)
				if err != nil {
					return err
				}
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				key, err := api.UploadFile(ctx, filepath.Base(args[0]), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"fileKey": key})
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "environment")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func fileDownloadCmd() *cobra.Command {
	var envName, out string
	cmd := &cobra.Command{
		Use:   "download <fileKey>",
		Short: "Download a file by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				api, _, err := env.Connect(envName)
				if err != nil {
					return err
				}
				tmp := out + ".part"
				f, err := os.Create(tmp)
				if err != nil {
					return err
				}
				if err := api.DownloadFile(ctx, args[0], f); err != nil {
					f.Close()
					os.Remove(tmp)
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				if err := os.Rename(tmp, out); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&envName, "env", "", "environment")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

// --- history ---

func historyCmd() *cobra.Command {
	var appName string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List executed deploys, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, j *history.Journal) error {
				runs, err := j.List(ctx, history.ListFilter{App: appName, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				report.Runs(os.Stdout, runs)
				return nil
			})
		},
	}
	cmd.PersistentFlags().StringVar(&appName, "app", "", "only this app")
	cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	cmd.AddCommand(&cobra.Command{
		Use:   "fetches",
		Short: "List snapshot fetches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), func(ctx context.Context, j *history.Journal) error {
				fetches, err := j.ListFetches(ctx, appName, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fetches)
				}
				report.Fetches(os.Stdout, fetches)
				return nil
			})
		},
	})
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only review API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt_secret"), Logger: logger}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("SCHEMALINE_JWT_SECRET is required for bearer auth")
				}
				journal, err := env.OpenJournal(ctx)
				if err != nil {
					return err
				}
				defer journal.Close()
				handler, err := server.New(server.Config{
					Project:  env.Config,
					Lookup:   env.Lookup,
					Schemas:  env.Schemas,
					Rules:    env.Rules(),
					Journal:  journal,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info("serving review API", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Schemaline review API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Resolve(viper.GetString("workspace"), viper.GetString("config"), lookup, logger)
	if err != nil {
		return err
	}
	return fn(ctx, env)
}

func withJournal(ctx context.Context, fn func(context.Context, *history.Journal) error) error {
	j, err := history.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer j.Close()
	return fn(ctx, j)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
