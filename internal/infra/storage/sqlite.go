package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"crypto_sync/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Storage persists worker configurations.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens the database for driver. An empty sqlite dsn uses the
// per-user default path.
func NewStorage(driver, dsn string) (*Storage, error) {
	dialector, err := openDialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&domain.WorkerConfiguration{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

func openDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", DriverSQLite:
		if dsn == "" {
			dbPath, err := getDBPath()
			if err != nil {
				return nil, fmt.Errorf("failed to resolve DB path: %w", err)
			}
			dsn = dbPath
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		if dsn == "" {
			return nil, &domain.ConfigError{Field: "storage.dsn", Err: errors.New("postgres requires a dsn")}
		}
		return postgres.Open(dsn), nil
	default:
		return nil, &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unknown driver %q", driver)}
	}
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CryptoSync", "data", "cryptosync.db"), nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Worker Operations
// ======================================================================================

// EnabledWorkers returns the desired worker set, ordered by id.
func (s *Storage) EnabledWorkers(ctx context.Context) ([]domain.WorkerConfiguration, error) {
	var workers []domain.WorkerConfiguration
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("worker_id").
		Find(&workers).Error
	return workers, err
}

// ListWorkers returns every stored worker, enabled or not.
func (s *Storage) ListWorkers(ctx context.Context) ([]domain.WorkerConfiguration, error) {
	var workers []domain.WorkerConfiguration
	err := s.db.WithContext(ctx).Order("worker_id").Find(&workers).Error
	return workers, err
}

// GetWorker retrieves a worker by id
func (s *Storage) GetWorker(ctx context.Context, id string) (*domain.WorkerConfiguration, error) {
	var w domain.WorkerConfiguration
	err := s.db.WithContext(ctx).First(&w, "worker_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpsertWorker creates or updates a worker
func (s *Storage) UpsertWorker(ctx context.Context, w *domain.WorkerConfiguration) error {
	if w.WorkerID == "" {
		return errors.New("worker id is required")
	}
	return s.db.WithContext(ctx).Save(w).Error
}

// SetEnabled toggles a worker and reports whether it exists.
func (s *Storage) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.WorkerConfiguration{}).
		Where("worker_id = ?", id).
		Update("enabled", enabled)
	return res.RowsAffected > 0, res.Error
}

// DeleteWorker deletes a worker from the database
func (s *Storage) DeleteWorker(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("worker_id = ?", id).Delete(&domain.WorkerConfiguration{}).Error
}

// SeedWorkers inserts workers that are not stored yet and leaves existing
// rows untouched. It returns the number inserted.
func (s *Storage) SeedWorkers(ctx context.Context, workers []domain.WorkerConfiguration) (int, error) {
	if len(workers) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&workers)
	return int(res.RowsAffected), res.Error
}
