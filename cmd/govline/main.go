package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"govline/internal/audit"
	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/dispatch"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/identity"
	"govline/internal/migrate"
	"govline/internal/registry"
	"govline/internal/reminder"
	"govline/internal/repo"
	"govline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "govline",
	Short: "Govline CLI",
	Long: `Govline runs governance workflows for AI agents, vendors, and assessments.
Tenants author versioned stage graphs; instances move through stages only when
the required approvals are in, every step lands in an append-only audit trail,
and reminders chase overdue decisions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("GOVLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("tenant", "t", "default", "tenant identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

type env struct {
	Engine    engine.Engine
	Registry  registry.Registry
	Identity  identity.Service
	Scheduler *reminder.Scheduler
	Config    *config.Config
}

func newDispatcher(conn *sql.DB, cfg *config.Config) *dispatch.Dispatcher {
	hooks := dispatch.NewWebhookSender()
	if cfg.Dispatch.WebhookTimeoutSeconds > 0 {
		hooks.Client.Timeout = time.Duration(cfg.Dispatch.WebhookTimeoutSeconds) * time.Second
	}
	disp := dispatch.New(conn, dispatch.LogNotifier{Printf: func(format string, args ...any) { fmt.Printf(format, args...) }}, hooks, dispatch.NopFieldStore{})
	disp.MaxAttempts = cfg.Dispatch.MaxAttempts
	disp.BaseBackoff = time.Duration(cfg.Dispatch.BaseBackoffMillis) * time.Millisecond
	disp.MaxBackoff = time.Duration(cfg.Dispatch.MaxBackoffMillis) * time.Millisecond
	return disp
}

func withEnv(ctx context.Context, fn func(context.Context, env) error) error {
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
	disp := newDispatcher(conn, cfg)
	ident := identity.Service{DB: conn}
	sched := reminder.New(conn, disp)
	sched.Interval = time.Duration(cfg.Scheduler.SweepIntervalSeconds) * time.Second
	e := env{
		Engine:    engine.New(conn, ident, disp),
		Registry:  registry.New(conn),
		Identity:  ident,
		Scheduler: sched,
		Config:    cfg,
	}
	defer disp.Drain()
	return fn(ctx, e)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write default govline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workflow configs"}
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configListCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configDeactivateCmd())
	return cfg
}

func configImportCmd() *cobra.Command {
	var file, id string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a workflow definition from YAML",
		Long:  "Creates a new config, or publishes a new version when --id names an existing one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			def, err := registry.DefinitionFromYAML(data)
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				tenant := viper.GetString("tenant")
				var c domain.WorkflowConfig
				if id == "" {
					c, err = e.Registry.CreateConfig(ctx, tenant, def)
				} else {
					c, err = e.Registry.UpdateConfig(ctx, tenant, id, def)
				}
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "definition YAML file")
	cmd.Flags().StringVar(&id, "id", "", "existing config id to version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				items, err := e.Engine.Repo.ListConfigs(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Active", "Name", "Entity", "Stages"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Version, c.IsActive, c.Definition.Name, c.Definition.EntityType, len(c.Definition.Stages)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <config-id>",
		Short: "Show a workflow config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				c, err := e.Registry.GetConfig(ctx, viper.GetString("tenant"), args[0], version)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "config version (0 = latest active)")
	return cmd
}

func configDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <config-id>",
		Short: "Deactivate a workflow config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				return e.Registry.DeactivateConfig(ctx, viper.GetString("tenant"), args[0])
			})
		},
	}
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Manage workflow instances"}
	inst.AddCommand(instanceStartCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceTransitionCmd())
	inst.AddCommand(instanceCancelCmd())
	return inst
}

func instanceStartCmd() *cobra.Command {
	var configID, entityType, entityID string
	var version int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				in, err := e.Engine.StartInstance(ctx, viper.GetString("tenant"), configID, version,
					domain.EntityType(entityType), entityID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().StringVar(&configID, "config", "", "config id")
	cmd.Flags().IntVar(&version, "version", 0, "config version (0 = latest active)")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "agent, vendor, or assessment")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "governed entity id")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var status, entityType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				items, err := e.Engine.Repo.ListInstances(ctx, repo.InstanceFilters{
					TenantID:   viper.GetString("tenant"),
					Status:     status,
					EntityType: entityType,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Stage", "Status", "Version"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, fmt.Sprintf("%s/%s", in.EntityType, in.EntityID), in.CurrentStageID, in.Status, in.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "filter by entity type")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				in, err := e.Engine.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
}

func instanceTransitionCmd() *cobra.Command {
	var decision string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "transition <instance-id>",
		Short: "Request a stage transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				in, err := e.Engine.RequestTransition(ctx, args[0], decision, viper.GetString("actor-id"), expectedVersion)
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", engine.DecisionAdvance, "decision to apply")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "instance version observed by the caller")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func instanceCancelCmd() *cobra.Command {
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				in, err := e.Engine.CancelInstance(ctx, args[0], viper.GetString("actor-id"), expectedVersion)
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "instance version observed by the caller")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func approveCmd() *cobra.Command {
	var decision, comment string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "approve <instance-id>",
		Short: "Record an approval decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				in, err := e.Engine.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				wcfg, err := e.Engine.Repo.GetConfig(ctx, in.TenantID, in.ConfigID, in.ConfigVersion)
				if err != nil {
					return err
				}
				step, err := e.Engine.Approvals.RecordApproval(ctx, args[0], viper.GetString("actor-id"),
					domain.ApprovalDecision(decision), comment, expectedVersion, wcfg)
				if err != nil {
					return err
				}
				return printJSON(step)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", string(domain.DecisionApprove), "approve, reject, or needs_revision")
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "instance version observed by the caller")
	_ = cmd.MarkFlagRequired("expected-version")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit trail"}
	a.AddCommand(auditTailCmd())
	a.AddCommand(auditVerifyCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail <instance-id>",
		Short: "Print an instance's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				entries, err := e.Engine.Audit.Read(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Actor", "Recorded", "Payload"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Seq, entry.Type, entry.ActorID, entry.RecordedAt, entry.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <instance-id>",
		Short: "Verify hash chain and replay state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				entries, err := e.Engine.Audit.Read(ctx, args[0])
				if err != nil {
					return err
				}
				if err := audit.Verify(entries); err != nil {
					return fmt.Errorf("chain verification failed: %w", err)
				}
				state, err := audit.Replay(entries)
				if err != nil {
					return fmt.Errorf("replay failed: %w", err)
				}
				in, err := e.Engine.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				if state.StageID != in.CurrentStageID || state.Status != in.Status || state.Version != in.Version {
					return fmt.Errorf("replayed state (%s/%s/v%d) diverges from stored state (%s/%s/v%d)",
						state.StageID, state.Status, state.Version, in.CurrentStageID, in.Status, in.Version)
				}
				fmt.Printf("ok: %d entries, chain intact, state consistent\n", len(entries))
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				return e.Scheduler.Sweep(ctx, time.Now())
			})
		},
	}
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Tenant role grants"}
	role.AddCommand(&cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant a tenant role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				return e.Identity.Grant(ctx, viper.GetString("tenant"), args[0], args[1])
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id> <role>",
		Short: "Revoke a tenant role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				return e.Identity.Revoke(ctx, viper.GetString("tenant"), args[0], args[1])
			})
		},
	})
	role.AddCommand(&cobra.Command{
		Use:   "list <actor-id>",
		Short: "List an actor's tenant roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				roles, err := e.Identity.ActorRoles(ctx, viper.GetString("tenant"), args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"actor_id": args[0], "roles": roles})
			})
		},
	})
	return role
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys for machine callers"}
	key.AddCommand(&cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key bound to an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				secret := uuid.NewString() + uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   args[0],
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Engine.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				// the plaintext key is shown once and never stored
				return printJSON(map[string]string{"id": k.ID, "actor_id": k.ActorID, "key": secret})
			})
		},
	})
	key.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, e env) error {
				return e.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return key
}

func tokenCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the configured actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			token, err := server.IssueToken(secret, viper.GetString("actor-id"), roles, cfg.Server.TokenTTLMinutes)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to embed in the token")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			secret := jwtSecret(cfg)
			if secret == "" {
				return fmt.Errorf("GOVLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			disp := newDispatcher(conn, cfg)
			ident := identity.Service{DB: conn}
			e := engine.New(conn, ident, disp)
			handler, err := server.New(server.Config{
				Engine:   e,
				Registry: registry.New(conn),
				Identity: ident,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			sched := reminder.New(conn, disp)
			sched.Interval = time.Duration(cfg.Scheduler.SweepIntervalSeconds) * time.Second
			go sched.Run(cmd.Context())

			if addr == "" {
				addr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
				disp.Drain()
			}()
			fmt.Printf("Serving Govline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to govline.yml server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("GOVLINE_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
