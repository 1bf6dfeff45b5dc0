// Package sqlite is the single-file storage backend built on gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type identityRow struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string `gorm:"not null"`
	GroupName   string
	Active      bool `gorm:"not null;default:true"`
	CreatedAt   time.Time
}

func (identityRow) TableName() string { return "identities" }

type encodingRow struct {
	IdentityID string    `gorm:"primaryKey"`
	Vector     []float64 `gorm:"serializer:json;not null"`
	UpdatedAt  time.Time
}

func (encodingRow) TableName() string { return "face_encodings" }

type attendanceRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	IdentityID string `gorm:"not null;uniqueIndex:idx_attendance_identity_day"`
	Date       string `gorm:"not null;uniqueIndex:idx_attendance_identity_day;index"`
	GroupName  string
	Status     string `gorm:"not null"`
	MarkedAt   time.Time
}

func (attendanceRow) TableName() string { return "attendance" }

type schoolDayRow struct {
	Date string `gorm:"primaryKey"`
}

func (schoolDayRow) TableName() string { return "school_days" }

var models = []any{&identityRow{}, &encodingRow{}, &attendanceRow{}, &schoolDayRow{}}

// Store implements every storage contract on one SQLite file.
type Store struct {
	DB *gorm.DB
}

// New opens (or creates) the database at path and auto-migrates the schema.
// The pool is capped at one connection, which serialises commits.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger: gormlogger.New(
			slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
			gormlogger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Initialize schema (Auto-Migration)
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) AllEncodings(ctx context.Context) ([]types.FaceEncoding, error) {
	var rows []encodingRow
	if err := s.DB.WithContext(ctx).Order("identity_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.FaceEncoding, len(rows))
	for i, r := range rows {
		out[i] = types.FaceEncoding{IdentityID: r.IdentityID, Vector: r.Vector}
	}
	return out, nil
}

func (s *Store) UpsertEncoding(ctx context.Context, identityID string, vec []float64) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ident := identityRow{ID: identityID, DisplayName: identityID, Active: true}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ident).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "identity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vector", "updated_at"}),
		}).Create(&encodingRow{IdentityID: identityID, Vector: vec}).Error
	})
}

func (s *Store) ResolveIdentity(ctx context.Context, id string) (types.Identity, error) {
	var row identityRow
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Identity{}, attendance.ErrIdentityNotFound
	}
	if err != nil {
		return types.Identity{}, err
	}
	return row.identity(), nil
}

func (r identityRow) identity() types.Identity {
	return types.Identity{ID: r.ID, DisplayName: r.DisplayName, Group: r.GroupName, Active: r.Active}
}

func (s *Store) UpsertIdentity(ctx context.Context, ident types.Identity) error {
	// Select forces Active=false to be written instead of skipped as a zero value.
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "group_name", "active"}),
	}).Select("id", "display_name", "group_name", "active", "created_at").Create(&identityRow{
		ID:          ident.ID,
		DisplayName: ident.DisplayName,
		GroupName:   ident.Group,
		Active:      ident.Active,
	}).Error
}

func (s *Store) RenameIdentity(ctx context.Context, id, displayName string) error {
	res := s.DB.WithContext(ctx).Model(&identityRow{}).Where("id = ?", id).Update("display_name", displayName)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return attendance.ErrIdentityNotFound
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	var rows []identityRow
	if err := s.DB.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Identity, len(rows))
	for i, r := range rows {
		out[i] = r.identity()
	}
	return out, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, attendance.Tx) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, sqliteTx{db: tx})
	})
}

type sqliteTx struct {
	db *gorm.DB
}

func (t sqliteTx) HasRecord(_ context.Context, identityID string, date types.Date) (bool, error) {
	var n int64
	err := t.db.Model(&attendanceRow{}).
		Where("identity_id = ? AND date = ?", identityID, string(date)).
		Count(&n).Error
	return n > 0, err
}

func (t sqliteTx) InsertSchoolDayIfAbsent(_ context.Context, date types.Date) error {
	return t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&schoolDayRow{Date: string(date)}).Error
}

func (t sqliteTx) InsertAttendance(_ context.Context, rec types.AttendanceRecord) error {
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&attendanceRow{
		IdentityID: rec.IdentityID,
		Date:       string(rec.Date),
		GroupName:  rec.Group,
		Status:     string(rec.Status),
		MarkedAt:   rec.MarkedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return attendance.ErrDuplicate
	}
	return nil
}

func (s *Store) CountPresent(ctx context.Context, identityID string) (int, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&attendanceRow{}).
		Where("identity_id = ? AND status = ?", identityID, string(types.StatusPresent)).
		Count(&n).Error
	return int(n), err
}

func (s *Store) CountSchoolDays(ctx context.Context) (int, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&schoolDayRow{}).Count(&n).Error
	return int(n), err
}

func (s *Store) Records(ctx context.Context, date types.Date) ([]types.AttendanceRecord, error) {
	var rows []attendanceRow
	if err := s.DB.WithContext(ctx).Where("date = ?", string(date)).Order("identity_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.AttendanceRecord, len(rows))
	for i, r := range rows {
		out[i] = types.AttendanceRecord{
			IdentityID: r.IdentityID,
			Date:       types.Date(r.Date),
			Group:      r.GroupName,
			Status:     types.Status(r.Status),
			MarkedAt:   r.MarkedAt,
		}
	}
	return out, nil
}

func (s *Store) SchoolDays(ctx context.Context) ([]types.SchoolDay, error) {
	var rows []schoolDayRow
	if err := s.DB.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.SchoolDay, len(rows))
	for i, r := range rows {
		out[i] = types.SchoolDay{Date: types.Date(r.Date)}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Reset drops all application tables and recreates them empty.
func (s *Store) Reset(ctx context.Context) error {
	db := s.DB.WithContext(ctx)
	if err := db.Migrator().DropTable(models...); err != nil {
		return err
	}
	return db.AutoMigrate(models...)
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
