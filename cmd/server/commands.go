package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/factory"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/promotion"
	"github.com/warp/points-ledger/rewards"
	"github.com/warp/points-ledger/store/postgres"
	"github.com/warp/points-ledger/store/sqlite"
)

func init() {
	rootCmd.AddCommand(serveCmd, levelsCmd, replayCmd, reconcileCmd, seedCmd, tokenCmd)

	reconcileCmd.Flags().Bool("repair", false, "Overwrite drifted balances with the replay")
	seedCmd.Flags().Bool("list", false, "List scenarios instead of loading one")
	tokenCmd.Flags().String("role", string(api.RoleUser), "Role claim: user, service or admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

// =============================================================================
// WIRING
// =============================================================================

// ledgerStore is what both SQL backends provide.
type ledgerStore interface {
	points.TxStore
	points.StatsStore
}

type app struct {
	log     *logrus.Logger
	close   func()
	policy  factory.Config
	ledger  *points.Ledger
	awarder *rewards.Awarder

	// dispatcher is nil outside serve.
	dispatcher *promotion.Dispatcher
}

func openStore(ctx context.Context, c *config.Config) (ledgerStore, func(), error) {
	switch c.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			URL:             c.PostgresURL,
			MaxConns:        c.PostgresMaxConns,
			MinConns:        c.PostgresMinConns,
			MaxConnLifetime: c.PostgresLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := sqlite.New(c.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

func loadPolicy(c *config.Config) (factory.Config, error) {
	if c.PolicyFile == "" {
		return factory.Config{Policy: points.DefaultPolicy(), Catalog: rewards.DefaultCatalog()}, nil
	}
	return factory.NewPolicyFactory().LoadFile(c.PolicyFile)
}

// newApp opens the store and builds the ledger. With promotions set, level
// changes are queued to the role promoter and the webhook (if configured).
func newApp(ctx context.Context, promotions bool) (*app, error) {
	log := cfg.Logger()

	pc, err := loadPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.DBDriver, err)
	}

	a := &app{log: log, close: closeStore, policy: pc}
	opts := []points.Option{points.WithLogger(log), points.WithObserver(api.Metrics{})}
	if promotions {
		a.dispatcher = promotion.NewDispatcher(promotionTarget(log), promotion.DispatcherConfig{
			Workers:    cfg.DispatcherWorkers,
			BufferSize: cfg.DispatcherBuffer,
		}, log)
		opts = append(opts, points.WithPromotionHook(a.dispatcher))
	}

	a.ledger, err = points.NewLedger(store, pc.Policy, opts...)
	if err != nil {
		a.shutdown(ctx)
		return nil, err
	}
	a.awarder = rewards.NewAwarder(a.ledger, pc.Catalog, rewards.WithAwarderLogger(log))
	return a, nil
}

// promotionTarget logs role changes locally and posts them to the webhook
// when one is configured.
func promotionTarget(log logrus.FieldLogger) points.PromotionHook {
	roles := promotion.NewRolePromoter(promotion.DefaultRoles(), promotion.RoleAssignerFunc(
		func(ctx context.Context, userID points.UserID, role string) error {
			log.WithFields(logrus.Fields{
				"user_id":  userID,
				"role":     role,
				"event_id": promotion.EventID(ctx),
			}).Info("role assigned")
			return nil
		}))
	if cfg.WebhookURL == "" {
		return roles
	}
	return promotion.Multi(roles, promotion.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret))
}

func (a *app) shutdown(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.log.WithError(err).Warn("promotion deliveries dropped at shutdown")
		}
	}
	a.close()
}

// =============================================================================
// SERVE
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	log := a.log

	scheduler, err := api.NewReconciliationScheduler(a.ledger, api.SchedulerConfig{
		Schedule: cfg.ReconcileSchedule,
		Repair:   cfg.ReconcileRepair,
		Location: a.policy.Policy.Location,
	}, log)
	if err != nil {
		a.shutdown(context.Background())
		return err
	}
	if cfg.ReconcileEnabled {
		scheduler.Start()
	}

	auth := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	if auth.HeaderMode() {
		log.Warn("POINTS_JWT_SECRET is empty, trusting X-User-ID and X-User-Role headers")
	}

	handler := api.NewHandler(a.ledger, a.awarder, scheduler, log)
	router := api.NewRouter(handler, api.RouterConfig{
		Auth: auth,
		RateLimit: api.NewRateLimiter(api.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimitRPM,
			Burst:             cfg.RateLimitBurst,
		}),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":   cfg.Addr,
			"driver": cfg.DBDriver,
			"levels": len(a.ledger.Levels()),
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var failure error
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case failure = <-serverErr:
		if failure != nil {
			log.WithError(failure).Error("server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop()
	a.shutdown(ctx)

	log.Info("server stopped")
	return failure
}

// =============================================================================
// MAINTENANCE
// =============================================================================

var levelsCmd = &cobra.Command{
	Use:   "levels",
	Short: "Print the active level table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pc, err := loadPolicy(cfg)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LEVEL\tNAME\tMIN POINTS\tDAILY CAP\tDESCRIPTION")
		for _, l := range pc.Policy.Levels {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", l.Number, l.Name, l.MinPoints, pc.Policy.DailyCapFor(l.Number), l.Description)
		}
		return w.Flush()
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay USER_ID",
	Short: "Verify a user's hash chain and print the replayed balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := points.ParseUserID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.shutdown(context.Background())

		report, err := a.ledger.Reconcile(cmd.Context(), userID, false)
		if err != nil {
			return err
		}
		out := map[string]any{
			"user_id":  report.UserID,
			"entries":  report.Entries,
			"drift":    report.Drift,
			"live":     report.Live,
			"replayed": report.Replayed,
		}
		if report.ChainErr != nil {
			out["chain_error"] = report.ChainErr.Error()
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if report.ChainErr != nil {
			return fmt.Errorf("user %d: hash chain broken", userID)
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile every user once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		repair, _ := cmd.Flags().GetBool("repair")
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.shutdown(context.Background())

		scheduler, err := api.NewReconciliationScheduler(a.ledger, api.SchedulerConfig{Repair: repair}, a.log)
		if err != nil {
			return err
		}
		run, err := scheduler.RunNow(cmd.Context(), "cli")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "users=%d drifted=%d repaired=%d chain_errors=%d failed=%d status=%s\n",
			run.Users, run.Drifted, run.Repaired, run.ChainErrors, run.Failed, run.Status)
		if run.ChainErrors > 0 || run.Failed > 0 {
			return fmt.Errorf("reconciliation finished with %d chain errors and %d failures", run.ChainErrors, run.Failed)
		}
		return nil
	},
}

// =============================================================================
// DEMO & TOKENS
// =============================================================================

var seedCmd = &cobra.Command{
	Use:   "seed [SCENARIO]",
	Short: "Load a demo scenario",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, _ := cmd.Flags().GetBool("list")
		if list || len(args) == 0 {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERS\tDESCRIPTION")
			for _, s := range api.Scenarios() {
				fmt.Fprintf(w, "%s\t%v\t%s\n", s.ID, s.Users, s.Description)
			}
			return w.Flush()
		}

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.shutdown(context.Background())

		report, err := api.LoadScenario(cmd.Context(), a.ledger, a.awarder, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tSTATUS\tPOINTS\tERROR")
		for _, s := range report.Steps {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Label, s.Status, s.Points, s.Error)
		}
		return w.Flush()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Issue a signed API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := points.ParseUserID(args[0])
		if err != nil {
			return err
		}
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer).IssueToken(userID, api.Role(role), ttl)
		if err != nil {
			return fmt.Errorf("set POINTS_JWT_SECRET to issue tokens: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
