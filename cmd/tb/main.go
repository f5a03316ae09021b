package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"teamboard/internal/app"
	"teamboard/internal/config"
	"teamboard/internal/db"
	"teamboard/internal/domain"
	"teamboard/internal/engine"
	"teamboard/internal/repo"
	"teamboard/internal/server"
	"teamboard/internal/workflow"
	teamboardsdk "teamboard/sdk/go"
)

var logger = zerolog.Nop()

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Teamboard CLI",
	Long: `Teamboard is a shared task board for small teams.
- Tasks move through a fixed workflow (awaiting approval -> in progress -> review -> done) and team guard rules decide which moves need a comment, an assignee or a role.
- The board orders tasks by a priority score built from due date, keywords and estimates.
- When two people move the same task within the conflict window, the move is held back as a conflict until someone accepts, rejects or merges it.
- Conflicts live in the running server; use --server for the conflict commands.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogger()
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TEAMBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogger() {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("actor-name", "", "actor display name")
	pf.String("team", "", "team id (defaults to the only team)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("server", "", "Teamboard API URL for remote commands")
	pf.String("api-key", "", "API key for --server")
	pf.String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "json", "actor-id", "actor-name", "team", "log-level", "server", "api-key", "token"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(conflictCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	team.AddCommand(teamInitCmd())
	team.AddCommand(teamListCmd())
	return team
}

func teamInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a team and make the current actor its owner",
		Long:  "Creates the team with the workflow rules from teamboard.yml when present, defaults otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			fileCfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			conn, err := app.NewStore(workspace, fileCfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg := fileCfg
			if cfg == nil {
				cfg = config.Default(id)
			}
			cfg.Team.ID = id
			e := app.NewEngine(conn, cfg, nil, logger)
			t, err := e.InitTeam(cmd.Context(), id, name, viper.GetString("actor-id"), viper.GetString("actor-name"))
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "team id")
	cmd.Flags().StringVar(&name, "name", "", "team name")
	return cmd
}

func teamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTeams(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "member",
		Short: "Manage team members",
		Long:  "Members carry the role checked by role guards in the workflow rules.",
	}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberListCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	var member domain.Member
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member or change their role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if member.ActorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				member.TeamID = e.Config.Team.ID
				out, err := e.AssignMember(ctx, member, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&member.ActorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&member.Name, "name", "", "display name")
	cmd.Flags().StringVar(&member.Role, "role", "member", "role")
	return cmd
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, e.Config.Team.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Actor", "Name", "Role", "Since")
				for _, m := range items {
					tw.AppendRow(table.Row{m.ActorID, m.Name, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyRevokeCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is only shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			key := "tb_" + hex.EncodeToString(buf)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec := domain.APIKey{ID: uuid.NewString(), ActorID: actorID, Name: name, KeyHash: repo.HashAPIKey(key)}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": rec.ID, "actor_id": actorID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks start awaiting approval. Moves are checked against the workflow graph and the team's guard rules before they are applied.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskTransitionsCmd())
	task.AddCommand(taskScoreCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if due != "" {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				opts.DueDate = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.TeamID = e.Config.Team.ID
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().BoolVar(&opts.IsRequest, "request", false, "mark as a cross-team request")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TeamID = e.Config.Team.ID
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Title", "Status", "Assignee", "Due", "Request")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, workflow.Label(t.Status), deref(t.AssigneeID), formatDue(t.DueDate), t.IsRequest})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&f.RequestsOnly, "requests", false, "only cross-team requests")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskMoveCmd() *cobra.Command {
	var from, to, comment string
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a task to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, ok := workflow.ParseStatus(to)
			if !ok {
				return fmt.Errorf("unknown status %q", to)
			}
			c, err := remoteClient()
			if err != nil {
				return err
			}
			if c != nil {
				res, err := c.MoveTask(cmd.Context(), args[0], from, to, comment)
				if err != nil {
					return err
				}
				return printNotification(res, res.Notification.Title, res.Notification.Description)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				res, err := s.MoveTask(ctx, engine.MoveRequest{TaskID: args[0], From: domain.Status(from), To: target, Comment: comment})
				if err != nil {
					return err
				}
				return printNotification(res, res.Notification.Title, res.Notification.Description)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&from, "from", "", "status you saw on the board (defaults to stored)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment for guarded moves")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a task awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remoteClient()
			if err != nil {
				return err
			}
			if c != nil {
				res, err := c.ApproveRequest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printNotification(res, res.Notification.Title, res.Notification.Description)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *engine.Session) error {
				res, err := s.ApproveRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printNotification(res, res.Notification.Title, res.Notification.Description)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a task; an empty --assignee-id clears it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AssignTask(ctx, args[0], assignee, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee-id", "", "assignee id")
	return cmd
}

func taskTransitionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transitions <id>",
		Short: "List the moves available for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, opts, err := e.Transitions(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(opts)
				}
				fmt.Printf("%s is %s\n", t.Title, workflow.Label(t.Status))
				tw := newTable("Action", "Status", "Requires")
				for _, o := range opts {
					req := make([]string, 0, len(o.Requires))
					for _, g := range o.Requires {
						req = append(req, string(g))
					}
					tw.AppendRow(table.Row{o.Label, o.Status, strings.Join(req, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max options (0 = all)")
	return cmd
}

func taskScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <id>",
		Short: "Show a task's priority score and insights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, res, err := e.Score(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func boardCmd() *cobra.Command {
	var f engine.BoardFilters
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Show tasks in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TeamID = e.Config.Team.ID
				items, err := e.Board(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Score", "ID", "Title", "Status", "Due", "Insight")
				for _, it := range items {
					insight := ""
					if len(it.Result.Insights) > 0 {
						insight = it.Result.Insights[0].Message
					}
					tw.AppendRow(table.Row{fmt.Sprintf("%.2f", it.Result.Score), it.Task.ID, it.Task.Title, workflow.Label(it.Task.Status), formatDue(it.Task.DueDate), insight})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().BoolVar(&f.RequestsOnly, "requests", false, "only cross-team requests")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Task counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Stats(ctx, e.Config.Team.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable("Status", "Tasks")
				for _, s := range workflow.Statuses() {
					tw.AppendRow(table.Row{workflow.Label(s), st.ByStatus[string(s)]})
				}
				tw.AppendFooter(table.Row{"Total", st.Total})
				tw.Render()
				return nil
			})
		},
	}
}

func conflictCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "conflict",
		Short: "Inspect and resolve conflicting moves",
		Long:  "Active conflicts are held by the server's team channels, so list and resolve talk to --server. history reads settled conflicts from the local store.",
	}
	c.AddCommand(conflictListCmd())
	c.AddCommand(conflictResolveCmd())
	c.AddCommand(conflictHistoryCmd())
	return c
}

func conflictListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := requireRemote()
			if err != nil {
				return err
			}
			items, err := c.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable("Conflict", "Task", "Actor", "From", "To", "At")
			for _, rec := range items {
				for _, m := range rec.Conflicts {
					tw.AppendRow(table.Row{rec.ID, rec.TaskID, m.ActorName, m.FromStatus, m.ToStatus, m.Timestamp.Format(time.RFC3339Nano)})
				}
			}
			tw.Render()
			return nil
		},
	}
}

func conflictResolveCmd() *cobra.Command {
	var resolution, selected string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with accept, reject or merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.Resolution(resolution).Valid() {
				return fmt.Errorf("--resolution must be accept, reject or merge")
			}
			c, err := requireRemote()
			if err != nil {
				return err
			}
			out, err := c.ResolveConflict(cmd.Context(), args[0], resolution, selected)
			if err != nil {
				return err
			}
			return printJSONOrTable(out)
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "accept, reject or merge")
	cmd.Flags().StringVar(&selected, "selected", "", "status to apply with merge")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func conflictHistoryCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List settled conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListConflictResolutions(ctx, e.Config.Team.ID, taskID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect team config",
		Long:  "The team config holds the guard rules, conflict window, scoring provider and channel transport. It is stored in the DB; import teamboard.yml to change it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the team config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a YAML config as the team config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg.Team.ID = e.Config.Team.ID
				if err := e.Repo.UpsertTeamConfig(ctx, cfg.Team.ID, cfg); err != nil {
					return err
				}
				logger.Info().Str("team_id", cfg.Team.ID).Str("file", file).Msg("config imported")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (defaults to teamboard.yml in the workspace)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that changed: task creation and moves, approvals, conflicts and their resolutions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TeamID = e.Config.Team.ID
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "When", "Type", "Entity", "Actor")
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeaders bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: legacyHeaders,
					EnableDevLogin:         devLogin,
				}
				if authCfg.JWTSecret == "" && !legacyHeaders {
					return fmt.Errorf("TEAMBOARD_JWT_SECRET is required for bearer auth")
				}
				api, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				if server.StartWebhooks(ctx, e, logger) {
					logger.Info().Int("webhooks", len(e.Config.Webhooks)).Msg("webhook dispatcher started")
				}
				srv := &http.Server{Addr: addr, Handler: api}
				go func() {
					<-ctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					srv.Shutdown(shutdownCtx)
					api.Close(shutdownCtx)
				}()
				logger.Info().Str("addr", addr).Str("base_path", basePath).Str("team_id", e.Config.Team.ID).Msg("serving Teamboard API (OpenAPI at /openapi.json)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (never in production)")
	cmd.Flags().BoolVar(&legacyHeaders, "legacy-headers", false, "accept unauthenticated X-Actor-Id headers")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

// withEngine opens the workspace store, resolves the team and wires the channel
// transport and scorer named by the team config.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := app.NewStore(workspace, fileCfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTeamAndConfig(ctx, viper.GetString("team"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	transport, closeTransport, err := app.NewTransport(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer closeTransport()
	return fn(ctx, app.NewEngine(conn, cfg, transport, logger))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := app.NewStore(workspace, fileCfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

// withSession joins the team channel for the duration of fn.
func withSession(ctx context.Context, fn func(context.Context, *engine.Session) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		s, err := e.Open(ctx, e.Config.Team.ID, engine.Identity{
			ActorID:   viper.GetString("actor-id"),
			ActorName: viper.GetString("actor-name"),
		})
		if err != nil {
			return err
		}
		defer s.Close(context.WithoutCancel(ctx))
		return fn(ctx, s)
	})
}

// remoteClient returns nil when --server is not set.
func remoteClient() (*teamboardsdk.Client, error) {
	base := strings.TrimSpace(viper.GetString("server"))
	if base == "" {
		return nil, nil
	}
	teamID := viper.GetString("team")
	if teamID == "" {
		return nil, fmt.Errorf("--team is required with --server")
	}
	c := teamboardsdk.New(base, teamID)
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor-id")
	return c, nil
}

func requireRemote() (*teamboardsdk.Client, error) {
	c, err := remoteClient()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("--server is required: active conflicts live in the running server")
	}
	return c, nil
}

func printNotification(v any, title, description string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("%s: %s\n", title, description)
	return nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
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

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --due %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

func formatDue(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
