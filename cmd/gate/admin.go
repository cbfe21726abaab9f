package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/console/service"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/infra"
	"github.com/xela07ax/agent-delegation-gate/internal/policy"
	"github.com/xela07ax/agent-delegation-gate/internal/repository/postgres"
)

// loadRuntime конфиг и логгер для одноразовых команд.
func loadRuntime(rc *rootConfig) (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(rc.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newMigrateCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime(rc)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required")
			}
			pool, err := postgres.Connect(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

func newTemplatesCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage policy templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <dir>",
		Short: "Import *.yaml templates from a directory as the admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), rc, func(cfg *infra.Config, store *policy.Store) error {
				n, err := policy.ImportDir(cmd.Context(), store, domain.Address(cfg.Policy.AdminAddress), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d templates\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), rc, func(_ *infra.Config, store *policy.Store) error {
				templates, err := store.Templates(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range templates {
					state := "inactive"
					if t.Active {
						state = "active"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.Name, state, t.Description)
				}
				return nil
			})
		},
	})
	return cmd
}

// withStore открывает хранилище и Policy Store; журнал сбрасывается перед выходом.
func withStore(ctx context.Context, rc *rootConfig, fn func(*infra.Config, *policy.Store) error) error {
	cfg, logger, err := loadRuntime(rc)
	if err != nil {
		return err
	}
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	agentFS := audit.NewAgentFS(st.audit, audit.Options{BatchSize: cfg.Engine.AuditBatchSize}, logger)
	agentFS.Start()
	defer agentFS.Stop()

	store := policy.NewStore(st.policies, agentFS, nil, policy.Options{Admin: domain.Address(cfg.Policy.AdminAddress)}, logger)
	return fn(cfg, store)
}

func newUsersCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage Console API users",
	}

	var (
		username string
		password string
		address  string
		scopes   []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime(rc)
			if err != nil {
				return err
			}
			st, err := openStorage(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			set := make(map[string]bool, len(scopes))
			for _, s := range scopes {
				s = strings.TrimSpace(s)
				if s != domain.ScopeAdmin && s != domain.ScopeAgent {
					return fmt.Errorf("unknown scope %q", s)
				}
				set[s] = true
			}

			svc := service.NewAuthService(st.users, nil, cfg.Auth.BcryptCost, logger)
			u, err := svc.CreateUser(cmd.Context(), username, password, domain.Address(address), set)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s (%s) role=%s\n", u.Username, u.ID, u.Role)
			return nil
		},
	}
	create.Flags().StringVar(&username, "username", "", "login")
	create.Flags().StringVar(&password, "password", "", "password (bcrypt hashed before storing)")
	create.Flags().StringVar(&address, "address", "", "caller address bound to the user")
	create.Flags().StringSliceVar(&scopes, "scope", nil, "admin and/or agent")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("password")
	_ = create.MarkFlagRequired("address")

	cmd.AddCommand(create)
	return cmd
}
