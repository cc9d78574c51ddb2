package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/draftwire/outreach/internal/campaign"
	"github.com/draftwire/outreach/internal/config"
	"github.com/draftwire/outreach/internal/database"
	"github.com/draftwire/outreach/internal/dedupe"
	"github.com/draftwire/outreach/internal/inbox"
	"github.com/draftwire/outreach/internal/mail"
	"github.com/draftwire/outreach/internal/pacing"
	"github.com/draftwire/outreach/internal/queue"
	"github.com/draftwire/outreach/internal/ratelimit"
	"github.com/draftwire/outreach/internal/scheduler"
	"github.com/draftwire/outreach/internal/sheet"
	"github.com/draftwire/outreach/internal/store/postgres"
	"github.com/draftwire/outreach/internal/sweep"
	"github.com/draftwire/outreach/internal/token"
	"github.com/draftwire/outreach/internal/web"
	"github.com/draftwire/outreach/internal/web/handlers"
	"github.com/draftwire/outreach/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Database
	db, err := postgres.NewDB(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Migrations
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Stores
	sessionStore := postgres.NewSessionStore(db)
	suppressionStore := postgres.NewSuppressionStore(db)

	// Token manager
	cipher, err := token.NewCipher(cfg.TokenCipherKey)
	if err != nil {
		slog.Error("invalid TOKEN_CIPHER_KEY", "error", err)
		os.Exit(1)
	}
	provider := token.NewHTTPProvider(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.OAuthClientSecret, cfg.OAuthRedirectURL)
	manager := token.NewManager(provider, sessionStore, cipher)
	if err := manager.Restore(context.Background()); err != nil {
		slog.Error("failed to restore sessions", "error", err)
		os.Exit(1)
	}

	// Token sources. The primary source backs the sheet client and outbound
	// SMTP; per-session sources back the inbox sweeps.
	primaryTokens := sheet.TokenSourceFunc(func(ctx context.Context) (string, error) {
		want := strings.ToLower(strings.TrimSpace(cfg.SMTPFrom))
		for _, sess := range manager.Sessions() {
			if want == "" || sess.AccountEmail == want {
				return manager.AccessToken(ctx, sess.ID)
			}
		}
		return "", token.ErrUnauthenticated
	})
	bindTokens := sweep.TokenBinder(func(sessionID string) inbox.TokenSource {
		return sheet.TokenSourceFunc(func(ctx context.Context) (string, error) {
			return manager.AccessToken(ctx, sessionID)
		})
	})

	// Lead sheet, inbox, outbound SMTP
	leads := sheet.NewClient(cfg.SheetBaseURL, primaryTokens)
	inboxClient := inbox.NewClient(cfg.InboxBaseURL)
	smtpClient := mail.NewSMTPClient(cfg.SMTPHost, cfg.SMTPPort)
	mailer := mail.NewSender(smtpClient, cfg.SMTPFrom, cfg.SMTPFrom, primaryTokens)

	// Campaign pipeline
	updates := queue.New(queue.Options{})
	detector := dedupe.NewDetector(leads, suppressionStore)
	policy := pacing.New(pacing.Options{
		Mode:     pacing.Mode(cfg.PacingMode),
		Min:      time.Duration(cfg.PacingMin) * time.Second,
		Max:      time.Duration(cfg.PacingMax) * time.Second,
		BatchMin: time.Duration(cfg.PacingBatchMin) * time.Second,
		BatchMax: time.Duration(cfg.PacingBatchMax) * time.Second,
	})
	composer := &campaign.TemplateComposer{
		Subject:  cfg.TemplateSubject,
		Body:     cfg.TemplateBody,
		Template: cfg.TemplateName,
	}
	runner := campaign.NewRunner(leads, detector, policy, mailer, updates, composer)

	// Sweeps
	replySweep := sweep.NewReplySweep(manager, bindTokens, inboxClient, leads, leads, updates)
	bounceSweep := sweep.NewBounceSweep(manager, bindTokens, inboxClient, leads, updates, suppressionStore)

	// Scheduler
	sched := scheduler.New()
	sched.Register(scheduler.Job{Name: "replies", Interval: cfg.ReplyScanInterval, Run: replySweep.Run})
	sched.Register(scheduler.Job{Name: "bounces", Interval: cfg.BounceScanInterval, Run: bounceSweep.Run})
	sched.Register(scheduler.Job{Name: "token_refresh", Interval: cfg.TokenRefreshInterval, Run: func(ctx context.Context) error {
		summary := manager.RefreshExpiringSessions(ctx)
		if summary.Failed > 0 {
			return fmt.Errorf("%d session(s) failed to refresh", summary.Failed)
		}
		return nil
	}})
	sched.Register(scheduler.Job{Name: "session_cleanup", Interval: cfg.SessionSweepInterval, Run: func(ctx context.Context) error {
		removed := manager.CleanupStale(ctx)
		if removed > 0 {
			slog.Info("stale sessions removed", "count", removed)
		}
		return nil
	}})

	schedCtx, stopSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(schedCtx)
	}()

	// Rate limiter
	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	// Router
	apiHandler := handlers.NewAPIHandler(runner, sched, manager)
	router := web.NewRouter(web.RouterDeps{
		API:     apiHandler,
		APIKey:  cfg.APIKey,
		Limiter: limiter,
	})

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("outreach starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Stop scheduled jobs, then let the queue drain pending sheet updates
	// and persist any in-flight sessions before exiting.
	stopSched()
	<-schedDone
	updates.Wait()
	manager.WaitPersist()
}
