package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"threadline/api/internal/app"
	"threadline/api/internal/cache"
	"threadline/api/internal/config"
	"threadline/api/internal/email"
	"threadline/api/internal/events"
	"threadline/api/internal/follow"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
	"threadline/api/internal/thread"
)

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if strings.EqualFold(cfg.LogFormat, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := newLogger(cfg)
	ctx := context.Background()

	deps := app.Deps{Log: log}
	targets := app.NewTargetRegistry()
	var lister follow.Lister
	var sqlDB *sql.DB

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		sqlDB, err = store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			log.WithError(err).Fatal("database connection failed")
		}
		defer sqlDB.Close()

		if err := store.Migrate(ctx, sqlDB, cfg.MigrationsDir, log); err != nil {
			log.WithError(err).Fatal("migrations failed")
		}

		pg := store.NewPostgresStore(sqlDB)
		deps.Store, lister = pg, pg
		for targetType, table := range cfg.TargetTables {
			accessor, err := store.NewTableTarget(sqlDB, table)
			if err != nil {
				log.WithError(err).WithField("target_type", targetType).Fatal("invalid target table")
			}
			targets.Register(targetType, accessor)
		}
	} else {
		log.Warn("DATABASE_URL not set, comments are kept in memory")
		mem := store.NewMemoryStore()
		deps.Store, lister = mem, mem
	}
	if len(cfg.TargetTables) == 0 {
		targets.SetFallback(app.AnyTarget{})
	}
	deps.Targets = targets
	deps.Placer = thread.NewPlacer(thread.Limits{Default: cfg.MaxThreadLevel, PerType: cfg.MaxThreadLevelByType})
	if len(cfg.ModerateTypes) > 0 {
		deps.Moderation = app.NewModerateTypes(cfg.ModerateTypes)
	}

	deps.ConfirmCodec = app.NewConfirmCodec(cfg)
	deps.FollowCodec = app.NewFollowCodec(cfg)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	templates := email.NewTemplates(cfg.SendHTMLEmail)
	deps.Mailer = mailer
	deps.Templates = templates
	if mailer.IsConfigured() {
		deps.Notifier = follow.NewNotifier(lister, deps.FollowCodec, templates, mailer, log, follow.Config{
			SiteName:    cfg.SiteName,
			PublicURL:   cfg.PublicURL,
			Concurrency: cfg.FanoutConcurrency,
		})
	} else {
		log.Warn("SMTP not configured, confirmation keys are returned to callers and followers are not notified")
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		counts, err := cache.NewCommentCounts(cfg.RedisURL, 10*time.Minute)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer counts.Close()
		deps.Counts = counts
	}

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		publisher, err := events.DialRabbitMQ(cfg.RabbitMQURL, events.DefaultExchange)
		if err != nil {
			log.WithError(err).Fatal("rabbitmq connection failed")
		}
		defer publisher.Close()
		deps.Events = publisher
	}

	var primary search.PrimaryIndex
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		primary = meiliClient
	}
	var fallback search.Searcher
	var loader search.Loader
	if sqlDB != nil {
		pgfts := search.NewPgFTS(sqlDB)
		fallback, loader = pgfts, pgfts
	}
	searchService := search.NewService(primary, fallback, log)
	deps.Search = searchService
	if primary != nil && loader != nil {
		go searchService.Reindex(ctx, loader)
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, []byte(cfg.JWTSecret), log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("Threadline API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}
