package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/TenantForge/internal/domain/account"
	"github.com/Strob0t/TenantForge/internal/domain/tenant"
	"github.com/Strob0t/TenantForge/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands run against the control-plane store",
		Example: `  tenantforge admin create-tenant --name "Acme" --slug acme --admin-email ops@acme.test
  tenantforge admin retry --id 42
  tenantforge admin list-tenants
  tenantforge admin prune-heartbeats --days 7`,
	}
	cmd.AddCommand(
		newCreateTenantCmd(),
		newRetryCmd(),
		newListTenantsCmd(),
		newPruneCmd(),
	)
	return cmd
}

// withAdminApp loads config and builds the control plane without the queue or
// exporters. Provisioning runs inline so the command reports the outcome.
func withAdminApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, closer, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	cfg.Provisioning.Async = false

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func newCreateTenantCmd() *cobra.Command {
	var (
		req   tenant.CreateRequest
		admin account.BootstrapSpec
		ask   bool
	)
	cmd := &cobra.Command{
		Use:   "create-tenant",
		Short: "Register and provision a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Name == "" || req.Slug == "" {
				return errors.New("--name and --slug are required")
			}
			var spec *account.BootstrapSpec
			if admin.Email != "" {
				if admin.Name == "" {
					admin.Name = req.Name + " Admin"
				}
				if ask && admin.Password == "" {
					pw, err := promptPassword()
					if err != nil {
						return err
					}
					admin.Password = pw
				}
				spec = &admin
			}

			return withAdminApp(cmd, func(ctx context.Context, a *app) error {
				reg, err := a.provisioner.Register(ctx, &req, spec)
				var stepErr *service.StepError
				if err != nil && (reg == nil || !errors.As(err, &stepErr)) {
					return fmt.Errorf("create tenant: %w", err)
				}

				t := reg.Tenant
				fmt.Printf("Tenant %q registered (id %d)\n", t.Slug, t.ID)
				fmt.Printf("  provisioning: %s\n", t.ProvisioningStatus)
				fmt.Printf("  url:          %s\n", a.domains.AppURL(t))
				if reg.GeneratedPassword != "" {
					fmt.Printf("  admin password (shown once): %s\n", reg.GeneratedPassword)
				}
				if stepErr != nil {
					return fmt.Errorf("provisioning failed at %s; run 'tenantforge admin retry --id %d': %w", stepErr.Step, t.ID, stepErr.Err)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "tenant display name (required)")
	f.StringVar(&req.Slug, "slug", "", "tenant slug (required)")
	f.StringVar((*string)(&req.Driver), "driver", "", "store driver (postgres, mysql, sqlite)")
	f.IntVar(&req.SeatLimit, "seat-limit", 0, "seat limit, 0 for unlimited")
	f.StringVar(&admin.Email, "admin-email", "", "administrator email")
	f.StringVar(&admin.Name, "admin-name", "", "administrator name")
	f.StringVar(&admin.Password, "admin-password", "", "administrator password; generated when empty")
	f.BoolVar(&ask, "prompt-password", false, "read the administrator password from the terminal")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-run provisioning for a failed tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id <= 0 {
				return errors.New("--id is required")
			}
			return withAdminApp(cmd, func(ctx context.Context, a *app) error {
				t, err := a.provisioner.Retry(ctx, id)
				if err != nil {
					return fmt.Errorf("retry tenant %d: %w", id, err)
				}
				fmt.Printf("Tenant %q provisioning: %s\n", t.Slug, t.ProvisioningStatus)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "tenant id (required)")
	return cmd
}

func newListTenantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tenants",
		Short: "List tenants with their provisioning and liveness state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdminApp(cmd, func(ctx context.Context, a *app) error {
				tenants, err := a.registry.List(ctx)
				if err != nil {
					return fmt.Errorf("list tenants: %w", err)
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tSLUG\tDRIVER\tPROVISIONING\tSTATUS\tONLINE\tURL")
				for i := range tenants {
					t := &tenants[i]
					_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
						t.ID, t.Slug, t.StoreDriver, t.ProvisioningStatus, t.Status,
						a.health.IsOnline(t), a.domains.AppURL(t))
				}
				return w.Flush()
			})
		},
	}
}

func newPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune-heartbeats",
		Short: "Delete heartbeats older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAdminApp(cmd, func(ctx context.Context, a *app) error {
				keep := days
				if keep <= 0 {
					keep = a.cfg.Health.RetentionDays
				}
				n, err := a.health.Prune(ctx, keep)
				if err != nil {
					return fmt.Errorf("prune heartbeats: %w", err)
				}
				fmt.Printf("Pruned %d heartbeats older than %d days\n", n, keep)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "days to keep (default from config)")
	return cmd
}

func promptPassword() (string, error) {
	fd := int(syscall.Stdin) //nolint:unconvert // syscall.Stdin is int on unix, Handle on windows
	if !term.IsTerminal(fd) {
		return "", errors.New("--prompt-password needs an interactive terminal")
	}
	fmt.Fprint(os.Stderr, "Admin password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	confirm, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(pw) != string(confirm) {
		return "", errors.New("passwords do not match")
	}
	return string(pw), nil
}
