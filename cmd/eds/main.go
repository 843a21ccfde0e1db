package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"eds/internal/assistant"
	"eds/internal/config"
	"eds/internal/db"
	"eds/internal/engine"
	"eds/internal/llm"
	"eds/internal/migrate"
	"eds/internal/notify"
	"eds/internal/repo"
	"eds/internal/search"
	"eds/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "eds",
	Short: "EDS grants service CLI",
	Long: `EDS manages Project Authorization Request (PAR) workflow state and the
grants AI assistant.
- Workflow: a catalog of statuses with permitted successors; PAR status is
  derived from an append-only activity ledger, never stored as a column.
- Assistant: validated user questions become one bounded search query, and
  the matched records become a grounded natural-language answer.
Run 'eds workflow seed' once to create eds.yml and load the status catalog.`,
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
	viper.SetEnvPrefix("EDS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor display name for ledger entries")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(parCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			version, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("migrations applied, schema version %d\n", version)
			return nil
		},
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage the status catalog"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowSeedCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				states, err := r.ListWorkflowStates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Description", "Next", "Notify"})
				for _, s := range states {
					tw.AppendRow(table.Row{s.StateCode, s.Description, strings.Join(s.NextStates, ", "), strings.Join(s.NotifyRoles, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowSeedCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the status catalog from YAML config",
		Long:  "Writes the default eds.yml if the workspace has none, then upserts the configured states into the database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.LoadOptional(workspace)
				if err == nil && cfg == nil {
					if werr := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault()), 0o644); werr != nil {
						return werr
					}
					fmt.Printf("wrote default config to %s\n", config.Path(workspace))
					cfg = config.Default()
				}
			}
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SeedWorkflowStates(ctx, cfg); err != nil {
					return err
				}
				fmt.Printf("seeded %d workflow states\n", len(cfg.Workflow.States))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace eds.yml)")
	return cmd
}

func parCmd() *cobra.Command {
	par := &cobra.Command{Use: "par", Short: "PAR status operations"}
	par.AddCommand(parStatusCmd())
	par.AddCommand(parTransitCmd())
	par.AddCommand(parHistoryCmd())
	return par
}

func parStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <par_id>",
		Short: "Show current status and possible transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				current, err := e.CurrentStatus(ctx, args[0])
				if err != nil {
					return err
				}
				possible, err := e.PossibleTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{
					"par_id":          args[0],
					"current_status":  current,
					"possible_states": possible,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("PAR %s: %s\n", args[0], current)
				if len(possible) == 0 {
					fmt.Println("Possible transitions: none (terminal)")
				} else {
					fmt.Printf("Possible transitions: %s\n", strings.Join(possible, ", "))
				}
				return nil
			})
		},
	}
}

func parTransitCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "transit <par_id>",
		Short: "Transition a PAR to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transit(ctx, args[0], target, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("PAR %s: %s -> %s\n", res.ParID, res.From, res.NewState)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target state code")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func parHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <par_id>",
		Short: "Show a PAR's activity ledger, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Status", "Activity", "User"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Date, a.Status, a.Activity, a.User})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func chatCmd() *cobra.Command {
	chat := &cobra.Command{Use: "chat", Short: "AI assistant administration"}
	chat.AddCommand(chatLogsCmd())
	return chat
}

func chatLogsCmd() *cobra.Command {
	var n int
	var chatID string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent assistant telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				logs, err := r.LatestAssistanceLogs(ctx, n, chatID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "User", "Chat", "Index", "Results", "Tokens", "Error"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.TS, l.UserID, l.ChatID, l.Index, l.ResultCount, l.PromptTokens + l.CompletionTokens, l.ErrorKind})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of rows")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "filter by chat id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	var webhookURLs []string
	var webhookSecret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			r := repo.Repo{DB: conn}
			if err := r.SeedWorkflowStates(cmd.Context(), cfg); err != nil {
				return err
			}

			var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
			if len(webhookURLs) > 0 {
				hooks := make([]notify.WebhookConfig, 0, len(webhookURLs))
				for _, u := range webhookURLs {
					hooks = append(hooks, notify.WebhookConfig{URL: u, Secret: webhookSecret})
				}
				wh := notify.NewWebhookNotifier(hooks, logger)
				defer wh.Close()
				notifier = wh
			}

			e := engine.New(conn, cfg, notifier)
			if err := e.Catalog.Refresh(cmd.Context()); err != nil {
				return err
			}

			orch, err := buildOrchestrator(r, cfg, logger)
			if err != nil {
				return err
			}

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowLegacyActor,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("EDS_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				Assistant: orch,
				BasePath:  basePath,
				Auth:      authCfg,
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
			logger.Info("serving EDS API",
				zap.String("addr", addr),
				zap.String("base_path", basePath))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (deprecated)")
	cmd.Flags().StringArrayVar(&webhookURLs, "webhook-url", nil, "StateEntered webhook endpoint (repeatable)")
	cmd.Flags().StringVar(&webhookSecret, "webhook-secret", "", "shared secret sent with webhook deliveries")
	return cmd
}

func buildOrchestrator(r repo.Repo, cfg *config.Config, logger *zap.Logger) (*assistant.Orchestrator, error) {
	llmClient, err := llm.NewFromConfig(llm.Config{
		Provider: viper.GetString("llm-provider"),
		APIKey:   viper.GetString("llm-api-key"),
		BaseURL:  viper.GetString("llm-base-url"),
		Model:    viper.GetString("llm-model"),
	})
	if err != nil {
		return nil, err
	}
	searchClient := search.NewClient(search.Config{
		URL:          viper.GetString("search-url"),
		Username:     viper.GetString("search-username"),
		Password:     viper.GetString("search-password"),
		DefaultIndex: viper.GetString("search-default-index"),
		Insecure:     viper.GetBool("search-insecure"),
	})
	retrieval := assistant.RetrievalAgent{
		LLM:      llmClient,
		Searcher: searchClient,
		Indices:  cfg.Indices(),
	}
	summarizer := assistant.SummarizerAgent{LLM: llmClient}
	return assistant.NewOrchestrator(r, retrieval, summarizer, logger, viper.GetString("env"), cfg.SummaryThreshold()), nil
}

func newLogger() (*zap.Logger, error) {
	if viper.GetString("env") == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	e := engine.New(conn, cfg, notify.NopNotifier{})
	if err := e.Catalog.Refresh(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
