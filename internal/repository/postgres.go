package repository

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

var (
	// ErrNotFound is returned when no entry matches the lookup.
	ErrNotFound = errors.New("repository: not found")
	// ErrStaleTransition is returned when a status transition lost a race or
	// would overwrite a recorded tx reference.
	ErrStaleTransition = errors.New("repository: stale status transition")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("repository: duplicate key")
)

// Store is the gorm-backed invoice ledger. Postgres in production, SQLite
// for local runs and tests.
type Store struct {
	logger *logger.Logger

	Conn *gorm.DB
}

var _ models.Repository = (*Store)(nil)

func NewPostgresDB(dsn string, logger *logger.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store, err := newStore(db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return store, nil
}

func newStore(db *gorm.DB, logger *logger.Logger) (*Store, error) {
	if err := db.AutoMigrate(&models.InvoiceEntry{}, &models.Holding{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	return &Store{Conn: db, logger: logger}, nil
}

func gormConfig() *gorm.Config {
	// Configure GORM logger to suppress "record not found" messages
	gl := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	return &gorm.Config{Logger: gl, TranslateError: true}
}

func (db *Store) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
