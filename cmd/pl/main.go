package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paperline/internal/agent"
	"paperline/internal/config"
	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/domain/event"
	"paperline/internal/engine"
	"paperline/internal/migrate"
	"paperline/internal/notify"
	"paperline/internal/schedule"
	"paperline/internal/server"
	"paperline/internal/services"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Paperline CLI",
	Long: `Paperline is an event-sourced submission engine. Every change to a
submission is an immutable event in an append-only log; the current state is
a replayable projection. Commands operate on the local workspace database or
run the long-lived services (API server, agent, dispatcher).`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PAPERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-user", "acting user id for local writes")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(versionCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default paperline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !os.IsNotExist(err) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openConn(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger := log.New(os.Stderr, "paperline ", log.LstdFlags)
			e := engine.New(conn, logger)

			jwtSecret := cfg.Server.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("PAPERLINE_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("server.jwt_secret or PAPERLINE_JWT_SECRET is required for bearer auth")
			}

			var broker *notify.Broker
			if cfg.Broker.Addr != "" {
				broker = notify.NewBroker(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB)
				if cfg.Broker.Channel != "" {
					broker.Channel = cfg.Broker.Channel
				}
				if err := broker.Ping(cmd.Context()); err != nil {
					return err
				}
				defer broker.Close()
			}
			dispatcher := notify.NewDispatcher(conn, broker, logger)
			e.Committed = func(event.Event) { dispatcher.Notify() }
			go dispatcher.Run(cmd.Context(), 5*time.Second)

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Webhooks: notify.WebhookStore{Conn: conn},
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret, Logger: logger},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Paperline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn *db.Conn) error {
				if err := migrate.Migrate(conn); err != nil {
					return err
				}
				fmt.Println("migrations applied")
				return nil
			})
		},
	}
}

func agentCmd() *cobra.Command {
	var rulesFile string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the rule agent, scheduler, and dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openConn(cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			logger := log.New(os.Stderr, "paperline-agent ", log.LstdFlags)
			e := engine.New(conn, logger)

			rules, err := agent.NewRules()
			if err != nil {
				return err
			}
			if rulesFile == "" {
				rulesFile = cfg.Agent.RulesFile
			}
			if rulesFile != "" {
				if err := rules.Load(rulesFile); err != nil {
					return err
				}
			}

			runner := agent.NewRunner(e, conn, rules, logger)
			agent.RegisterBuiltins(runner,
				services.NewFileManager(cfg.Services.FileManager),
				services.NewClassifier(cfg.Services.Classifier),
				services.NewCompiler(cfg.Services.Compiler))

			clock, err := schedule.NewClock(cfg.Schedule.Timezone)
			if err != nil {
				return err
			}
			scheduler := agent.NewScheduler(e, conn, clock, logger)

			var broker *notify.Broker
			if cfg.Broker.Addr != "" {
				broker = notify.NewBroker(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB)
				if cfg.Broker.Channel != "" {
					broker.Channel = cfg.Broker.Channel
				}
				if err := broker.Ping(cmd.Context()); err != nil {
					return err
				}
				defer broker.Close()
			}
			dispatcher := notify.NewDispatcher(conn, broker, logger)
			e.Committed = func(event.Event) {
				dispatcher.Notify()
				runner.Notify()
			}

			ctx := cmd.Context()
			go dispatcher.Run(ctx, interval)
			go runner.Run(ctx, interval)
			fmt.Println("agent running; ctrl-c to stop")
			return scheduler.Run(ctx, interval)
		},
	}
	cmd.Flags().StringVar(&rulesFile, "rules", "", "rule file (defaults to config agent.rules_file)")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	return cmd
}

func replayCmd() *cobra.Command {
	var submissionID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild projections from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if submissionID != "" {
					sub, err := e.Rebuild(ctx, submissionID)
					if err != nil {
						return err
					}
					return printJSONOrTable(sub)
				}
				n, err := e.RebuildAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("rebuilt %d projections\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&submissionID, "submission", "", "rebuild a single submission")
	return cmd
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{
		Use:   "submission",
		Short: "Inspect and modify submissions",
	}
	sub.AddCommand(submissionCreateCmd())
	sub.AddCommand(submissionShowCmd())
	sub.AddCommand(submissionEventsCmd())
	sub.AddCommand(submissionAppendCmd())
	return sub
}

func submissionCreateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if id == "" {
					return fmt.Errorf("--id required")
				}
				sub, _, err := e.Commit(ctx, id, 0, localAgent(), &event.CreateSubmission{})
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "submission id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func submissionShowCmd() *cobra.Command {
	var atVersion int64
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show submission projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var (
					sub *domain.Submission
					err error
				)
				if atVersion > 0 {
					sub, err = e.GetSubmissionAt(ctx, args[0], atVersion)
				} else {
					sub, err = e.GetSubmission(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().Int64Var(&atVersion, "at-version", 0, "replay to a historical version")
	return cmd
}

func submissionEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "List submission events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.GetEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Version", "Type", "Creator", "Created At"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.Version, evt.Type, evt.Creator.String(), evt.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func submissionAppendCmd() *cobra.Command {
	var eventType, payloadJSON string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "append <id>",
		Short: "Append an event to a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				payload, err := event.DecodePayload(eventType, []byte(payloadJSON))
				if err != nil {
					return err
				}
				var sub *domain.Submission
				if cmd.Flags().Changed("expected-version") {
					sub, _, err = e.Commit(ctx, args[0], expectedVersion, localAgent(), payload)
				} else {
					sub, _, err = e.CommitLatest(ctx, args[0], localAgent(), payload)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(sub)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "{}", "payload JSON")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "expected version (defaults to current)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhooks",
	}
	wh.AddCommand(webhookAddCmd())
	wh.AddCommand(webhookListCmd())
	wh.AddCommand(webhookEnableCmd("enable", true))
	wh.AddCommand(webhookEnableCmd("disable", false))
	wh.AddCommand(webhookDeleteCmd())
	wh.AddCommand(webhookDeadLettersCmd())
	return wh
}

func webhookEnableCmd(use string, enabled bool) *cobra.Command {
	short := "Enable a webhook"
	if !enabled {
		short = "Disable a webhook"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn *db.Conn) error {
				store := notify.WebhookStore{Conn: conn}
				return store.SetEnabled(cmd.Context(), args[0], enabled)
			})
		},
	}
}

func webhookAddCmd() *cobra.Command {
	var url, secret string
	var events []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn *db.Conn) error {
				store := notify.WebhookStore{Conn: conn}
				w, err := store.Create(cmd.Context(), url, secret, events)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "delivery URL")
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret")
	cmd.Flags().StringArrayVar(&events, "event", []string{}, "event type pattern (repeatable, empty for all)")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func webhookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn *db.Conn) error {
				store := notify.WebhookStore{Conn: conn}
				hooks, err := store.List(cmd.Context(), false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hooks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "URL", "Enabled", "Cursor"})
				for _, w := range hooks {
					tw.AppendRow(table.Row{w.ID, w.URL, w.Enabled, w.Cursor})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func webhookDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn *db.Conn) error {
				store := notify.WebhookStore{Conn: conn}
				return store.Delete(cmd.Context(), args[0])
			})
		},
	}
}

func webhookDeadLettersCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn *db.Conn) error {
				store := notify.WebhookStore{Conn: conn}
				letters, err := store.ListDeadLetters(cmd.Context(), n)
				if err != nil {
					return err
				}
				return printJSONOrTable(letters)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events across submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(func(conn *db.Conn) error {
				outbox := notify.Outbox{Conn: conn}
				rows, err := outbox.Latest(cmd.Context(), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Submission", "Version", "Type", "Created At"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.SubmissionID, r.Version, r.EventType, r.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pl", version)
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func openConn(cfg *config.Config) (*db.Conn, error) {
	dbCfg := db.Config{Workspace: viper.GetString("workspace")}
	if cfg.Storage.Driver == db.DriverPostgres {
		dbCfg.PostgresDSN = cfg.Storage.PostgresDSN
	}
	return db.Open(dbCfg)
}

func withConn(fn func(*db.Conn) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openConn(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(conn)
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withConn(func(conn *db.Conn) error {
		logger := log.New(os.Stderr, "paperline ", log.LstdFlags)
		return fn(ctx, engine.New(conn, logger))
	})
}

func localAgent() domain.Agent {
	return domain.User(viper.GetString("agent-id"))
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
