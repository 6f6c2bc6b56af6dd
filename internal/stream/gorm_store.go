package stream

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "crabstack.local/projects/crab-relay/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&streamEventRow{})
}

func (s *GormStore) Append(ctx context.Context, sessionID string, ev StreamEvent) (int64, error) {
	if err := validateAppend(sessionID, ev); err != nil {
		return 0, err
	}

	var assigned int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxID int64
		if err := tx.Model(&streamEventRow{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(event_id), 0)").
			Scan(&maxID).Error; err != nil {
			return fmt.Errorf("event id lookup: %w", err)
		}

		row := streamEventRow{
			SessionID:   sessionID,
			EventID:     maxID + 1,
			ExecutionID: ev.ExecutionID,
			EventType:   string(ev.EventType),
			Timestamp:   ev.Timestamp.UTC(),
			DataJSON:    string(ev.Data),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		assigned = row.EventID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

func (s *GormStore) Query(ctx context.Context, sessionID string, f Filters) ([]StreamEvent, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).
		Model(&streamEventRow{}).
		Where("session_id = ?", sessionID).
		Order("event_id ASC")
	if f.FromID > 0 {
		query = query.Where("event_id > ?", f.FromID)
	}
	if len(f.ExecutionIDs) > 0 {
		query = query.Where("execution_id IN ?", f.ExecutionIDs)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, 0, len(f.EventTypes))
		for _, t := range f.EventTypes {
			types = append(types, string(t))
		}
		query = query.Where("event_type IN ?", types)
	}
	if !f.StartTime.IsZero() {
		query = query.Where("timestamp >= ?", f.StartTime.UTC())
	}
	if !f.EndTime.IsZero() {
		query = query.Where("timestamp <= ?", f.EndTime.UTC())
	}

	var rows []streamEventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	out := make([]StreamEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEvent())
	}
	return out, nil
}

func (s *GormStore) HasSession(ctx context.Context, sessionID string) (bool, error) {
	if err := validateSessionID(sessionID); err != nil {
		return false, err
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&streamEventRow{}).
		Where("session_id = ?", sessionID).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("has session: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&streamEventRow{})
	if res.Error != nil {
		return fmt.Errorf("delete session events: %w", res.Error)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

type streamEventRow struct {
	SessionID   string    `gorm:"primaryKey;size:191"`
	EventID     int64     `gorm:"primaryKey;autoIncrement:false"`
	ExecutionID string    `gorm:"size:191;index"`
	EventType   string    `gorm:"size:64;not null;index"`
	Timestamp   time.Time `gorm:"not null;index"`
	DataJSON    string    `gorm:"type:text"`
}

func (streamEventRow) TableName() string {
	return "stream_events"
}

func (r streamEventRow) toEvent() StreamEvent {
	ev := StreamEvent{
		EventID:     r.EventID,
		ExecutionID: r.ExecutionID,
		SessionID:   r.SessionID,
		EventType:   EventType(r.EventType),
		Timestamp:   r.Timestamp.UTC(),
	}
	if r.DataJSON != "" {
		ev.Data = []byte(r.DataJSON)
	}
	return ev
}
