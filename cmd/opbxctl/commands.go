package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/audit"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/auth"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/calls"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/migrations"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/rbac"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

type envFunc func() (*env, error)

func migrateCommand(load envFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			if err := migrations.Up(e.cfg.MigrateURL(), e.log); err != nil {
				return err
			}
			fmt.Println(green("✓"), "schema up to date")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			if steps <= 0 && e.cfg.IsProduction() {
				return fmt.Errorf("refusing to roll back everything in production; pass --steps")
			}
			if err := migrations.Down(e.cfg.MigrateURL(), steps, e.log); err != nil {
				return err
			}
			fmt.Println(yellow("↓"), "rolled back")
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back (0 = all)")
	cmd.AddCommand(down)

	return cmd
}

func relayCommand(load envFunc) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish call events left in the outbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			pub, closer, err := e.publisher(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			relay := events.NewRelay(calls.NewPostgresRepo(db), pub, e.log, events.WithGrace(e.cfg.Events.RelayGrace))
			if once {
				n, err := relay.Flush(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s %d events published\n", green("✓"), n)
				return nil
			}
			e.log.Info("outbox relay running", "interval", e.cfg.Events.RelayInterval.String())
			relay.Run(ctx, e.cfg.Events.RelayInterval)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Flush pending events once and exit")
	return cmd
}

func callsCommand(load envFunc) *cobra.Command {
	var (
		org    string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List recent calls of an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" {
				return fmt.Errorf("--org is required")
			}
			st := calls.CallStatus(status)
			if st != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			e, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			db, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := calls.NewPostgresRepo(db).List(ctx, calls.ListFilter{OrganizationID: org, Status: st, Limit: limit})
			if err != nil {
				return fmt.Errorf("failed to list calls: %w", err)
			}
			if len(rows) == 0 {
				fmt.Println("No calls")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Call ID", "From", "To", "Status", "Disposition", "Started", "Duration"})
			table.SetBorder(false)
			for _, cl := range rows {
				table.Append(callRow(cl))
			}
			table.Render()

			fmt.Printf("\n%s %d\n", bold("Total:"), len(rows))
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (initiated, answered, ended)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func callRow(cl calls.CallLog) []string {
	started := "-"
	if cl.InitiatedAt != nil {
		started = cl.InitiatedAt.UTC().Format(time.DateTime)
	}
	return []string{
		cl.CallID,
		cl.FromNumber,
		cl.ToNumber,
		statusLabel(cl.Status),
		string(cl.Disposition),
		started,
		formatDuration(cl.Duration),
	}
}

func statusLabel(s calls.CallStatus) string {
	switch s {
	case calls.CallStatusAnswered:
		return green(string(s))
	case calls.CallStatusInitiated:
		return yellow(string(s))
	}
	return string(s)
}

func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func tokenCommand(load envFunc) *cobra.Command {
	var org, user, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a read API access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if org == "" || user == "" || role == "" {
				return fmt.Errorf("--org, --user and --role are required")
			}
			e, err := load()
			if err != nil {
				return err
			}
			m, err := auth.NewManager(e.cfg.Auth)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), user, org, role)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			db, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			meta, _ := json.Marshal(map[string]string{"user_id": user, "role": role})
			if err := audit.NewService(audit.NewPostgresRepo(db)).LogAdminAction(ctx, org, "opbxctl", rbac.RoleSuperAdmin, "", "access token issued", string(meta)); err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			e.log.Info("access token issued", "organization_id", org, "user_id", user, "role", role, "ttl", e.cfg.Auth.AccessTokenTTL.String())
			fmt.Println(pair.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "Organization id")
	cmd.Flags().StringVar(&user, "user", "", "User id")
	cmd.Flags().StringVar(&role, "role", "", "Role (owner, admin, agent, analyst)")
	return cmd
}
