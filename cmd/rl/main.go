package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"raidline/internal/app"
	"raidline/internal/config"
	"raidline/internal/db"
	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/migrate"
	"raidline/internal/repo"
	"raidline/internal/server"
	"raidline/internal/sweeper"
	"raidline/internal/views"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Raidline CLI",
	Long: `Raidline coordinates live raid runs for a guild.
- Workspace: your .raidline directory holding only the database; guild config
  lives in the DB and is imported explicitly.
- Run: one outing through a dungeon. It opens for sign-ups, goes live, and
  ends or gets cancelled. Ended is forever.
- Participation: the ledger of who joined, who is benched, who left. Rows are
  never deleted, so counts stay honest.
- Key pops: timed gating events during a live run. Each pop snapshots exactly
  who was joined at that instant and opens a fresh join window.
- Join lock: the organizer's gate against new members; people already in the
  run pass through it.
- Sweeper: ends runs that outlive their auto-end budget so nothing lingers.
- Event log: diary of changes, view with 'rl log tail'.`,
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
	viper.SetEnvPrefix("RAIDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("member-id", "", "member identifier (defaults to actor-id)")
	rootCmd.PersistentFlags().String("guild", "", "guild id (overrides single-guild default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("member-id", rootCmd.PersistentFlags().Lookup("member-id"))
	_ = viper.BindPFlag("guild", rootCmd.PersistentFlags().Lookup("guild"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(guildCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func actorID() string { return viper.GetString("actor-id") }

func memberID() string {
	if m := viper.GetString("member-id"); m != "" {
		return m
	}
	return actorID()
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "Runs are raid outings: they gather in open, fight in live, and finish in ended or cancelled. Join, bench, pop keys, and lock joins from here.",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runJoinCmd())
	run.AddCommand(runLeaveCmd())
	run.AddCommand(runAttrCmd())
	run.AddCommand(runBenchCmd())
	run.AddCommand(runPopCmd())
	run.AddCommand(runLockCmd())
	run.AddCommand(runTransitionCmd("start", "Start a run (open -> live)", domain.StatusLive))
	run.AddCommand(runTransitionCmd("end", "End a run", domain.StatusEnded))
	run.AddCommand(runTransitionCmd("cancel", "Cancel a run", domain.StatusCancelled))
	return run
}

func runCreateCmd() *cobra.Command {
	var opts engine.RunCreateOptions
	var chainAmount int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OrganizerID = actorID()
			if cmd.Flags().Changed("chain") {
				opts.ChainAmount = &chainAmount
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.GuildID == "" {
					opts.GuildID = e.Config.Guild.ID
				}
				run, err := e.CreateRun(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&opts.GuildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&opts.Dungeon, "dungeon", "", "dungeon key from the guild catalog")
	cmd.Flags().IntVar(&opts.AutoEndMinutes, "auto-end-minutes", 0, "auto-end budget (0 uses the guild default)")
	cmd.Flags().IntVar(&chainAmount, "chain", 0, "chain target override")
	cmd.Flags().StringVar(&opts.Party, "party", "", "party text")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location text")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ChannelID, "channel-id", "", "platform channel id")
	_ = cmd.MarkFlagRequired("dungeon")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, id)
				if err != nil {
					return err
				}
				tally, err := e.Repo.Tally(ctx, id)
				if err != nil {
					return err
				}
				entries, err := e.Repo.ListParticipation(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{
					"run":           run,
					"tally":         tally,
					"participation": entries,
				}
				if chain := e.ChainLabel(run); chain != "" {
					out["chain"] = chain
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Run #%d: %s [%s]\n", run.ID, run.Dungeon, run.Status)
				fmt.Printf("Organizer: %s\n", run.OrganizerID)
				if chain := e.ChainLabel(run); chain != "" {
					fmt.Println(chain)
				}
				if run.JoinLocked {
					fmt.Println("Joins locked")
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Member", "State", "Attribute", "Joined At"})
				for _, p := range entries {
					attr := ""
					if p.Attribute != nil {
						attr = *p.Attribute
					}
					tw.AppendRow(table.Row{p.MemberID, p.State, attr, p.JoinedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var f repo.RunFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.GuildID == "" {
					f.GuildID = e.Config.Guild.ID
				}
				runs, err := e.Repo.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Dungeon", "Status", "Organizer", "Pops", "Locked", "Created"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.Dungeon, r.Status, r.OrganizerID, r.KeyPopCount, r.JoinLocked, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.GuildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OrganizerID, "organizer-id", "", "organizer filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func runJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <id>",
		Short: "Join a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Join(ctx, id, memberID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func runLeaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leave <id>",
		Short: "Leave a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Leave(ctx, id, memberID())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func runAttrCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "attr <id>",
		Short: "Set your attribute on a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tally, err := e.SetAttribute(ctx, id, memberID(), value)
				if err != nil {
					return err
				}
				return printJSONOrTable(tally)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "attribute value (class, role pick)")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func runBenchCmd() *cobra.Command {
	var member string
	var unbench bool
	cmd := &cobra.Command{
		Use:   "bench <id>",
		Short: "Bench or unbench a member (organizer only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			if member == "" {
				return fmt.Errorf("--member required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tally, err := e.SetBenched(ctx, id, actorID(), member, !unbench)
				if err != nil {
					return err
				}
				return printJSONOrTable(tally)
			})
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member id")
	cmd.Flags().BoolVar(&unbench, "unbench", false, "move back to joined")
	return cmd
}

func runPopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pop <id>",
		Short: "Pop a key (organizer only, live runs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.PopKey(ctx, id, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Pop %d recorded; window until %s\n", res.Pop.Sequence, res.WindowEndsAt)
				if res.Chain != "" {
					fmt.Println(res.Chain)
				}
				fmt.Printf("Snapshot: %s\n", strings.Join(res.Pop.Snapshot, ", "))
				return nil
			})
		},
	}
	return cmd
}

func runLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock <id>",
		Short: "Toggle the join lock (organizer only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.ToggleJoinLock(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runTransitionCmd(use, short, target string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Transition(ctx, id, actorID(), target, false)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func guildCmd() *cobra.Command {
	guild := &cobra.Command{
		Use:   "guild",
		Short: "Manage the guild",
	}
	guild.AddCommand(guildConfigCmd())
	return guild
}

func guildConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage guild config",
		Long:  "Guild config is the rulebook stored in the DB: dungeon catalog with chain targets, default budgets and windows, and role capabilities. Import from raidline.yml if desired.",
	}
	cfg.AddCommand(guildConfigExportCmd())
	cfg.AddCommand(guildConfigImportCmd())
	return cfg
}

func guildConfigExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export guild config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func guildConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import guild config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			guildID := cfg.Guild.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if guildID == "" {
					guildID = e.Config.Guild.ID
				}
				if err := e.Repo.UpsertGuildConfig(ctx, guildID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: runs opened, joins, pops, lock flips, and transitions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Guild.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "End over-budget runs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := sweeper.New(e, 0)
				n := s.SweepOnce(ctx)
				if viper.GetBool("json") {
					return printJSON(map[string]int{"ended": n})
				}
				fmt.Printf("Ended %d run(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveGuildAndConfig(cmd.Context(), viper.GetString("guild"), actorID(), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			reg := views.NewRegistry()
			e.Notify = views.NewSynchronizer(reg, e.ChainLabel)

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("RAIDLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("RAIDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Views: reg, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			if !noSweep {
				interval := time.Duration(cfg.Defaults.SweepIntervalSeconds) * time.Second
				go sweeper.New(e, interval).Run(cmd.Context())
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Raidline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "disable the expiry sweeper")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := "rl_" + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": rawKey})
				}
				fmt.Printf("API key %s created for %s\nKey (save it, shown once): %s\n", key.ID, key.ActorID, rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveGuildAndConfig(ctx, viper.GetString("guild"), actorID(), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseRunID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid run id %q", arg)
	}
	return id, nil
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
