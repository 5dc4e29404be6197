// Command mailqueue runs the delivery worker against the configured store
// and providers until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rbaliyan/mailqueue"
	"github.com/rbaliyan/mailqueue/internal/config"
	"github.com/rbaliyan/mailqueue/store"
	"github.com/rbaliyan/mailqueue/store/attachment/cached"
	"github.com/rbaliyan/mailqueue/store/attachment/gcs"
	attmemory "github.com/rbaliyan/mailqueue/store/attachment/memory"
	attotel "github.com/rbaliyan/mailqueue/store/attachment/otel"
	"github.com/rbaliyan/mailqueue/store/attachment/s3"
	"github.com/rbaliyan/mailqueue/store/memory"
	"github.com/rbaliyan/mailqueue/store/mongo"
	"github.com/rbaliyan/mailqueue/store/postgres"
	"github.com/rbaliyan/mailqueue/transport/ses"
	"github.com/rbaliyan/mailqueue/transport/smtp"
	"github.com/rbaliyan/mailqueue/transport/stdout"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mailqueue exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeStore)

	attachments, closeAttachments, err := openAttachments(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeAttachments != nil {
		closers = append(closers, closeAttachments)
	}

	opts := []mailqueue.Option{
		mailqueue.WithStore(st),
		mailqueue.WithLogger(logger),
		mailqueue.WithStaleAfter(cfg.Delivery.StaleAfter),
		mailqueue.WithHeartbeatInterval(cfg.Delivery.HeartbeatInterval),
		mailqueue.WithTransportTimeout(cfg.Delivery.TransportTimeout),
		mailqueue.WithMaxConcurrentDeliveries(cfg.Delivery.MaxConcurrent),
		mailqueue.WithMsgIDDomain(cfg.Delivery.MsgIDDomain),
		mailqueue.WithShutdownTimeout(cfg.Delivery.ShutdownTimeout),
		mailqueue.WithOTel(cfg.OTel.Enabled),
		mailqueue.WithServiceName(cfg.OTel.ServiceName),
	}
	if attachments != nil {
		opts = append(opts, mailqueue.WithAttachmentStore(attachments))
	}

	transportOpts, err := buildTransports(ctx, cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, transportOpts...)

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		opts = append(opts, mailqueue.WithRedisClient(client))
	}

	svc, err := mailqueue.New(opts...)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("connect service: %w", err)
	}
	defer func() {
		if err := svc.Close(context.Background()); err != nil {
			logger.Warn("service close", "error", err)
		}
	}()

	worker := mailqueue.NewWorker(svc,
		mailqueue.WithBatchSize(cfg.Worker.BatchSize),
		mailqueue.WithPollInterval(cfg.Worker.PollInterval),
		mailqueue.WithReclaimInterval(cfg.Worker.ReclaimInterval),
		mailqueue.WithConcurrency(cfg.Worker.Concurrency),
	)

	logger.Info("starting mailqueue",
		"store", cfg.Store.Driver,
		"attachments", cfg.Attachments.Driver,
		"providers", svc.Router().Providers(),
		"events", cfg.Redis.Addr != "")

	if err := worker.Run(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	stats := worker.Stats()
	logger.Info("mailqueue stopped", "sent", stats.Sent, "failed", stats.Failed, "reclaimed", stats.Reclaimed)
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var w io.Writer = os.Stderr
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// openStore returns the message store and a func that releases its client.
// The service owns Connect and Close on the store itself.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connect: %w", err)
		}
		st := postgres.New(db,
			postgres.WithTablePrefix(cfg.Store.TablePrefix),
			postgres.WithTimeout(cfg.Store.Timeout),
			postgres.WithLogger(logger),
		)
		return st, func() { _ = db.Close() }, nil

	case "mongo":
		client, err := mongodriver.Connect(mongoopts.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		st := mongo.New(client,
			mongo.WithDatabase(cfg.Store.Database),
			mongo.WithCollection(cfg.Store.Collection),
			mongo.WithTimeout(cfg.Store.Timeout),
			mongo.WithLogger(logger),
		)
		return st, func() { _ = client.Disconnect(context.Background()) }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

// openAttachments returns the attachment store wrapped for caching and
// telemetry as configured, or nil when attachments are disabled.
func openAttachments(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.AttachmentFileStore, func(), error) {
	var (
		backend store.AttachmentFileStore
		closer  func()
	)

	switch cfg.Attachments.Driver {
	case "", "none":
		return nil, nil, nil
	case "s3":
		opts := []s3.Option{
			s3.WithBucket(cfg.Attachments.Bucket),
			s3.WithPrefix(cfg.Attachments.Prefix),
			s3.WithRegion(cfg.Attachments.Region),
			s3.WithLogger(logger),
		}
		if cfg.Attachments.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.Attachments.Endpoint, true))
		}
		st, err := s3.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 attachments: %w", err)
		}
		backend = st
	case "gcs":
		opts := []gcs.Option{
			gcs.WithBucket(cfg.Attachments.Bucket),
			gcs.WithPrefix(cfg.Attachments.Prefix),
			gcs.WithLogger(logger),
		}
		if cfg.Attachments.Endpoint != "" {
			opts = append(opts, gcs.WithEndpoint(cfg.Attachments.Endpoint))
		}
		st, err := gcs.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs attachments: %w", err)
		}
		backend = st
		closer = func() { _ = st.Close() }
	default:
		backend = attmemory.New()
	}

	if cfg.Attachments.CacheEnabled {
		c, err := cached.New(backend,
			cached.WithCacheDir(cfg.Attachments.CacheDir),
			cached.WithMaxSize(cfg.Attachments.CacheMaxSize),
			cached.WithTTL(cfg.Attachments.CacheTTL),
			cached.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("attachment cache: %w", err)
		}
		inner := closer
		closer = func() {
			_ = c.Close()
			if inner != nil {
				inner()
			}
		}
		backend = c
	}

	if cfg.OTel.Enabled {
		instrumented, err := attotel.New(backend, attotel.WithBackendName(cfg.Attachments.Driver))
		if err != nil {
			if closer != nil {
				closer()
			}
			return nil, nil, fmt.Errorf("attachment telemetry: %w", err)
		}
		backend = instrumented
	}
	return backend, closer, nil
}

// buildTransports registers a transport per configured provider. Sendgrid
// has no adapter; in development its messages are printed instead.
func buildTransports(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]mailqueue.Option, error) {
	var opts []mailqueue.Option

	if cfg.SMTP.Addr != "" {
		smtpOpts := []smtp.Option{
			smtp.WithHelo(cfg.SMTP.Helo),
			smtp.WithSecurity(smtp.Security(cfg.SMTP.Security)),
			smtp.WithTimeout(cfg.SMTP.Timeout),
			smtp.WithLogger(logger),
		}
		if cfg.SMTP.Username != "" {
			smtpOpts = append(smtpOpts, smtp.WithAuth(cfg.SMTP.Username, cfg.SMTP.Password))
		}
		t, err := smtp.New(cfg.SMTP.Addr, smtpOpts...)
		if err != nil {
			return nil, fmt.Errorf("smtp transport: %w", err)
		}
		opts = append(opts, mailqueue.WithTransport(store.ProviderSMTP, t))
	}

	if cfg.SES.Enabled {
		t, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("ses transport: %w", err)
		}
		opts = append(opts, mailqueue.WithTransport(store.ProviderSES, t))
	}

	if cfg.IsDevelopment() {
		opts = append(opts, mailqueue.WithTransport(store.ProviderSendGrid, stdout.New(os.Stdout)))
	}
	return opts, nil
}
