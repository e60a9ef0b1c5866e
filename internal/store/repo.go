package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a device, command, or manifest does
	// not exist. Callers translate it to a per-request rejection.
	ErrNotFound = errors.New("not found")
	// ErrStaleAck is returned when a result report references a command
	// that is not in the sent state (duplicate or late report).
	ErrStaleAck = errors.New("stale acknowledgment")
	// ErrConflict is returned when an insert collides with an existing
	// row, such as a device code that is already registered.
	ErrConflict = errors.New("already exists")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			TranslateError:                           true,
			Logger:                                   gormLogger,
		},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Device{}, &Command{}, &ManifestRecord{}, &MetricSample{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// At most one live command per device for an idempotent action. The
	// application checks first, but only the index makes the invariant
	// hold under racing enqueues. Gorm's index tags cannot express the
	// predicate, hence raw DDL; the syntax is shared by postgres and
	// sqlite.
	actions := make([]string, 0, len(idempotentActions))
	for a := range idempotentActions {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	ddl := fmt.Sprintf(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_live_idempotent
		 ON commands (device_id, action)
		 WHERE status IN ('pending', 'sent')
		   AND action IN ('%s')`,
		strings.Join(actions, "', '"),
	)
	if err := db.Exec(ddl).Error; err != nil {
		return nil, fmt.Errorf("create idempotent-action index: %w", err)
	}
	return &Repo{db: db}, nil
}

// --- Devices ---

// CreateDevice registers a new appliance. The code is stored uppercase
// so check-in lookups are case-insensitive.
func (r *Repo) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Code = strings.ToUpper(strings.TrimSpace(d.Code))
	if d.Code == "" {
		return errors.New("device code is required")
	}
	if d.CheckinIntervalSeconds <= 0 {
		d.CheckinIntervalSeconds = 600
	}
	err := r.db.WithContext(ctx).Create(d).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("device code %s: %w", d.Code, ErrConflict)
	}
	return err
}

func (r *Repo) GetDeviceByCode(ctx context.Context, code string) (*Device, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var d Device
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) GetDeviceByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) ListDevices(ctx context.Context, tenantID string) ([]Device, error) {
	q := r.db.WithContext(ctx).Order("code asc")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var rows []Device
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// RecordCheckin durably stores what the device reported, even when no
// commands are due. Reported versions and metrics config overwrite the
// previous snapshot; a nil slice leaves the stored value untouched.
func (r *Repo) RecordCheckin(ctx context.Context, id uuid.UUID, now time.Time, versions, metricsConfig datatypes.JSON) error {
	updates := map[string]any{"last_seen": now}
	if versions != nil {
		updates["reported_versions"] = versions
	}
	if metricsConfig != nil {
		updates["metrics_config"] = metricsConfig
	}
	res := r.db.WithContext(ctx).Model(&Device{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
