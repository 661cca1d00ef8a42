package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/carepath/scheduler/internal/availability"
	"github.com/carepath/scheduler/internal/config"
	"github.com/carepath/scheduler/internal/domain/booking"
	"github.com/carepath/scheduler/internal/platform/auth"
	"github.com/carepath/scheduler/internal/platform/db"
	"github.com/carepath/scheduler/internal/platform/notification"
	"github.com/carepath/scheduler/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	})
	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

type bookOptions struct {
	requestFile string
	outFile     string
	now         string
	persist     bool
	input       booking.Input
}

func bookCmd() *cobra.Command {
	opts := &bookOptions{}
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Find the earliest acceptable slot for one request",
		Long: "Runs the availability engine once and prints the result as JSON.\n" +
			"The request comes from flags or from a YAML file given with --request;\n" +
			"flags override values from the file. With --persist the booking is\n" +
			"stored and confirmations are sent, which requires DATABASE_URL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBook(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.requestFile, "request", "", "YAML request file")
	f.StringVar(&opts.outFile, "out", "", "write the result JSON to this file instead of stdout")
	f.StringVar(&opts.now, "now", "", "evaluate as of this RFC 3339 instant (default: current time)")
	f.BoolVar(&opts.persist, "persist", false, "store the booking and send confirmations")
	f.StringVar(&opts.input.PatientName, "patient-name", "", "patient name")
	f.StringVar(&opts.input.PatientEmail, "patient-email", "", "patient email")
	f.StringVar(&opts.input.SpecialistName, "specialist-name", "", "specialist name")
	f.StringVar(&opts.input.SpecialistEmail, "specialist-email", "", "specialist email")
	f.StringVar(&opts.input.Symptoms, "symptoms", "", "symptoms")
	f.StringVar(&opts.input.PatientNotes, "notes", "", "patient notes")
	f.BoolVar(&opts.input.IsUrgent, "urgent", false, "restrict to the urgent window when possible")
	f.StringVar(&opts.input.TimePreference, "preference", "", "morning, afternoon or evening")
	f.StringVar(&opts.input.Availability, "availability", "", `weekly availability, e.g. "Mon-Fri 09:00-17:00"`)
	return cmd
}

// loadRequest reads a YAML request file and overlays flags the user set.
func loadRequest(cmd *cobra.Command, opts *bookOptions) (booking.Input, error) {
	var in booking.Input
	if opts.requestFile != "" {
		data, err := os.ReadFile(opts.requestFile)
		if err != nil {
			return in, fmt.Errorf("read request: %w", err)
		}
		if err := yaml.Unmarshal(data, &in); err != nil {
			return in, fmt.Errorf("parse request %s: %w", opts.requestFile, err)
		}
	}

	overlay := map[string]func(){
		"patient-name":     func() { in.PatientName = opts.input.PatientName },
		"patient-email":    func() { in.PatientEmail = opts.input.PatientEmail },
		"specialist-name":  func() { in.SpecialistName = opts.input.SpecialistName },
		"specialist-email": func() { in.SpecialistEmail = opts.input.SpecialistEmail },
		"symptoms":         func() { in.Symptoms = opts.input.Symptoms },
		"notes":            func() { in.PatientNotes = opts.input.PatientNotes },
		"urgent":           func() { in.IsUrgent = opts.input.IsUrgent },
		"preference":       func() { in.TimePreference = opts.input.TimePreference },
		"availability":     func() { in.Availability = opts.input.Availability },
	}
	for name, apply := range overlay {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	return in, nil
}

func runBook(cmd *cobra.Command, opts *bookOptions) error {
	in, err := loadRequest(cmd, opts)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Engine().Validate(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	svcOpts := []booking.Option{booking.WithLocation(loc)}
	if opts.now != "" {
		at, err := time.Parse(time.RFC3339, opts.now)
		if err != nil {
			return fmt.Errorf("--now: %w", err)
		}
		svcOpts = append(svcOpts, booking.WithClock(func() time.Time { return at }))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		res    availability.Result
		runErr error
	)
	if opts.persist {
		res, runErr = persistBooking(ctx, cfg, in, svcOpts)
	} else {
		svc := booking.NewService(nil, cfg.Engine(), svcOpts...)
		var plan availability.Plan
		plan, runErr = svc.Preview(ctx, in)
		res = plan.Result
	}

	var perr *availability.ScheduleParseError
	if runErr != nil && !errors.As(runErr, &perr) {
		return runErr
	}
	if err := writeResult(cmd.OutOrStdout(), opts.outFile, res); err != nil {
		return err
	}
	return runErr
}

func persistBooking(ctx context.Context, cfg *config.Config, in booking.Input, svcOpts []booking.Option) (availability.Result, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return availability.Result{}, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return availability.Result{}, err
	}
	defer pool.Close()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	mgr := newNotificationManager(cfg, logger, pool)
	svcOpts = append(svcOpts,
		booking.WithNotifier(notification.NewBookingNotifier(mgr)),
		booking.WithLogger(logger),
	)
	svc := booking.NewService(booking.NewRepoPG(pool), cfg.Engine(), svcOpts...)
	b, res, err := svc.Book(ctx, in, "")
	if b != nil {
		logger.Info().Str("booking_id", b.ID.String()).Str("notification_status", b.NotificationStatus).Msg("booking stored")
	}
	return res, err
}

func writeResult(stdout io.Writer, path string, res availability.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	fmt.Fprintf(stdout, "Result written to %s (status: %s)\n", path, res.Status)
	return nil
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Work with availability descriptions",
	}

	var asJSON bool
	parse := &cobra.Command{
		Use:   "parse <description>",
		Short: "Validate a description and print the expanded rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := availability.ParseSchedule(strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"normalized": sched.String(),
					"rules":      sched.Rules(),
				})
			}
			if sched.Len() == 0 {
				fmt.Fprintln(out, "(no availability)")
				return nil
			}
			for _, r := range sched.Rules() {
				fmt.Fprintln(out, r)
			}
			return nil
		},
	}
	parse.Flags().BoolVar(&asJSON, "json", false, "print the rules as JSON")
	cmd.AddCommand(parse)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token using AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleScheduler}, "granted role (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
