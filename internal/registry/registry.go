// Package registry persists sandbox records across daemon restarts.
// Two backends are provided: SQLite (default, zero-config, pure Go via
// glebarez/sqlite) and PostgreSQL for shared deployments.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/harbox/internal/sandbox"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the registry backend.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// SandboxModel is the persisted shape of one sandbox record.
type SandboxModel struct {
	ID        string    `gorm:"primaryKey;size:128"`
	Kind      string    `gorm:"size:32;not null"`
	State     string    `gorm:"size:32;not null"`
	CreatedAt time.Time `gorm:"not null"`
	LastUsed  time.Time `gorm:"not null;index"`
}

// TableName keeps the table name stable across model renames.
func (SandboxModel) TableName() string { return "sandboxes" }

// Registry implements sandbox.Store on GORM.
type Registry struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Registry, error) {
	if slogger == nil {
		slogger = slog.Default()
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite registry path is required")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating registry directory: %w", mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres registry dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s registry: %w", driver, err)
	}

	r := &Registry{db: db, driver: driver, logger: slogger}
	if err := r.db.AutoMigrate(&SandboxModel{}); err != nil {
		return nil, fmt.Errorf("migrating registry schema: %w", err)
	}

	slogger.Info("sandbox registry opened", slog.String("driver", driver))
	return r, nil
}

// SaveSandbox upserts one record.
func (r *Registry) SaveSandbox(ctx context.Context, info sandbox.Info) error {
	model := SandboxModel{
		ID:        info.ID,
		Kind:      info.Kind,
		State:     string(info.State),
		CreatedAt: info.CreatedAt,
		LastUsed:  info.LastUsed,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"kind", "state", "last_used"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving sandbox %s: %w", info.ID, err)
	}
	return nil
}

// DeleteSandbox removes one record. Unknown ids are not an error.
func (r *Registry) DeleteSandbox(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&SandboxModel{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("deleting sandbox %s: %w", id, err)
	}
	return nil
}

// ListSandboxes returns every record ordered by id.
func (r *Registry) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	infos := make([]sandbox.Info, 0, len(models))
	for _, m := range models {
		infos = append(infos, sandbox.Info{
			ID:        m.ID,
			Kind:      m.Kind,
			State:     sandbox.State(m.State),
			CreatedAt: m.CreatedAt,
			LastUsed:  m.LastUsed,
		})
	}
	return infos, nil
}

// Driver returns the active driver name.
func (r *Registry) Driver() string { return r.driver }

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ sandbox.Store = (*Registry)(nil)
