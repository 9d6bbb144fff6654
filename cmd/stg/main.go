package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/jobs"
	"stageline/internal/migrate"
	"stageline/internal/server"
	"stageline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "stg",
	Short: "Stageline CLI",
	Long: `Stageline accepts staging projects: groups of change requests that were
built and reviewed together and land in their target projects as one unit.
Core concepts:
- Workflow: a target project (for example openSUSE:Factory) with its staging projects and managers group.
- Staging project: holds staged requests; its overall state is empty, review, acceptable or unacceptable.
- Request: submit or delete actions against target projects, gated by reviews.
- Accept: lands every staged request of an acceptable staging project at once, or nothing.
- Jobs: accept runs can be queued (--async) and processed by 'stg worker'.
- Event log: every change is recorded, view with 'stg log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdown, err := telemetry.Setup(ctx, "stageline")
	if err != nil {
		fmt.Fprintln(os.Stderr, "telemetry:", err)
	}
	err = rootCmd.ExecuteContext(ctx)
	if shutdown != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = shutdown(sctx)
		cancel()
	}
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", os.Getenv("USER"), "acting user login")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(stagingCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(attribCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if writeConfig {
				path := config.Path(workspace)
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Println("Wrote", path)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"database": db.Path(workspace), "applied": applied})
			}
			fmt.Printf("Workspace ready at %s (%d migrations applied)\n", db.Path(workspace), len(applied))
			return nil
		},
	}
	cmd.Flags().BoolVar(&writeConfig, "config", false, "also write a default stageline.yml")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect stageline.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate stageline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if c == nil {
				fmt.Println("No stageline.yml; defaults apply")
				return nil
			}
			fmt.Println("Config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: requests staged, reviews decided, staging projects accepted.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var project, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, 0, project, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ProjectID, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect background jobs"}
	var f jobs.ListFilter
	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = jobs.JobState(state)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Jobs.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Type", "State", "Attempts", "Requested by", "Created", "Last error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Type, j.State, j.AttemptCount, j.RequestedBy, j.CreatedAt, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Type, "type", "", "job type filter")
	list.Flags().StringVar(&state, "state", "", "queued|running|succeeded|failed")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max jobs")
	job.AddCommand(list)
	job.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				j, err := rt.Jobs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	})
	return job
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued accept jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				wp := rt.WorkerPool()
				if once {
					n := 0
					for {
						ran, err := wp.RunOnce(ctx, 0)
						if err != nil {
							return err
						}
						if !ran {
							break
						}
						n++
					}
					fmt.Printf("Processed %d jobs\n", n)
					return nil
				}
				wp.Run(ctx)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain the queue and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt_secret"),
					AllowLoginHeader: viper.GetBool("allow_login_header"),
					Logger:           rt.Logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLoginHeader {
					return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, Jobs: rt.Jobs, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if withWorkers {
					go rt.WorkerPool().Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				rt.Logger.Info("serving stageline API", "addr", addr, "basePath", basePath)
				fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "run the job worker pool in-process")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func actor() (string, error) {
	a := strings.TrimSpace(viper.GetString("actor"))
	if a == "" {
		return "", errors.New("--actor (or STAGELINE_ACTOR) is required")
	}
	return a, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
