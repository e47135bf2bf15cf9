// internal/infra/gormstore/store.go
package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured relational store.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		return OpenSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// OpenSQLite opens a file database on a single connection.
// SQLite has no row locks, so dispatch falls back to the compare-and-swap on n.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{}, &domain.UserRoleRow{}, &domain.SharedKey{},
		&domain.Worker{}, &domain.WorkerModel{}, &domain.WorkerBlacklistWord{}, &domain.WorkerForm{},
		&domain.WorkerPerformance{}, &domain.Suspicion{},
		&domain.WaitingPrompt{}, &domain.WPModel{}, &domain.WPAllowedWorker{}, &domain.WPTrickedWorker{},
		&domain.ProcessingGen{}, &domain.ModelPerformance{}, &domain.FulfillmentPerformance{},
		&domain.Settings{},
	)
}

type txKey struct{}

// Store implements domain.Store on top of gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	tracer trace.Tracer
}

var _ domain.Store = (*Store)(nil)

func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With("component", "gorm-store"),
		tracer: otel.Tracer("inference-horde-gorm-repo"),
	}
}

// WithinTx runs fn in a transaction. A context that already carries one is reused.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *Store) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "repo.gorm."+name)
}

func fail(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return fmt.Errorf("%s: %w", msg, err)
}

func (s *Store) Users() domain.UserRepository                   { return &userRepo{s} }
func (s *Store) SharedKeys() domain.SharedKeyRepository         { return &sharedKeyRepo{s} }
func (s *Store) Workers() domain.WorkerRepository               { return &workerRepo{s} }
func (s *Store) WaitingPrompts() domain.WaitingPromptRepository { return &waitingPromptRepo{s} }
func (s *Store) Generations() domain.ProcessingGenRepository    { return &generationRepo{s} }
func (s *Store) Suspicions() domain.SuspicionRepository         { return &suspicionRepo{s} }
func (s *Store) Stats() domain.StatsRepository                  { return &statsRepo{s} }
func (s *Store) Settings() domain.SettingsRepository            { return &settingsRepo{s} }

// Ping is used by the health service.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
