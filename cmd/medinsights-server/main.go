package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medinsights/api/internal/config"
	"github.com/medinsights/api/internal/platform/auth"
	"github.com/medinsights/api/internal/platform/db"
	"github.com/medinsights/api/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medinsights-server",
		Short: "MedInsights doctor directory API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// migrationsFS returns the embedded migrations, or dir when one is given.
func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// tenantTargets resolves the --tenant flag. Empty means every configured
// tenant.
func tenantTargets(cfg *config.Config, flag string) ([]string, error) {
	if flag == "" {
		return cfg.TenantIDs, nil
	}
	var out []string
	for _, part := range strings.Split(flag, ",") {
		id := db.NormalizeTenant(part)
		if id == "" {
			continue
		}
		if _, ok := cfg.Tenants[id]; !ok {
			return nil, fmt.Errorf("tenant %s is not configured", id)
		}
		out = append(out, id)
	}
	return out, nil
}

// withMigrator opens a pool to each tenant in turn and hands it a migrator.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, tenant string, m *db.Migrator) error) error {
	tenantFlag, _ := cmd.Flags().GetString("tenant")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := db.NewRegistry(cfg.Tenants); err != nil {
		return err
	}
	tenants, err := tenantTargets(cfg, tenantFlag)
	if err != nil {
		return err
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := context.Background()
	for _, tenant := range tenants {
		pool, err := db.NewPool(ctx, cfg.Tenants[tenant], 2)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", tenant, err)
		}
		err = fn(ctx, tenant, db.NewMigrator(pool, migrationsFS(dir)))
		pool.Close()
		if err != nil {
			return fmt.Errorf("tenant %s: %w", tenant, err)
		}
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, tenant string, m *db.Migrator) error {
				fmt.Printf("Running migrations for %s on schema: %s\n", tenant, migrations.Schema)
				count, err := m.Up(ctx, migrations.Schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, tenant string, m *db.Migrator) error {
				statuses, err := m.Status(ctx, migrations.Schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for %s, schema: %s\n", tenant, migrations.Schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("tenant", "", "Comma-separated tenants to migrate (default: all configured)")
		c.Flags().String("dir", "", "Migrations directory (default: embedded migrations)")
		cmd.AddCommand(c)
	}
	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Inspect configured tenants",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := db.NewRegistry(cfg.Tenants)
			if err != nil {
				return err
			}
			fmt.Printf("%-8s %-30s %-20s %s\n", "TENANT", "HOST", "DATABASE", "DEFAULT")
			for _, id := range registry.Tenants() {
				p, _ := registry.Lookup(id)
				def := ""
				if id == cfg.DefaultTenant {
					def = "yes"
				}
				fmt.Printf("%-8s %-30s %-20s %s\n", id, p.Host+":"+p.Port, p.Database, def)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Connect to every tenant database and report reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, err := db.NewRegistry(cfg.Tenants)
			if err != nil {
				return err
			}
			factory := db.NewSessionFactory(registry, db.ConnectOptions{Retry: cfg.Retry(), Logger: zerolog.Nop()})

			failed := 0
			for _, h := range db.CheckTenants(context.Background(), factory, zerolog.Nop()) {
				status := "ok"
				if !h.Healthy {
					status = "unreachable: " + h.Error
					failed++
				}
				fmt.Printf("%-8s %6dms %s\n", h.Tenant, h.LatencyMS, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d tenant(s) unreachable", failed)
			}
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with SECRET_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			countries, _ := cmd.Flags().GetStringSlice("countries")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.AuthEnabled() {
				return fmt.Errorf("SECRET_KEY is not set")
			}
			for i, c := range countries {
				countries[i] = db.NormalizeTenant(c)
			}

			token, err := auth.IssueToken([]byte(cfg.SecretKey), tokenIssuer, subject, countries, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().StringSlice("countries", nil, "Countries the token grants (default: all)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
