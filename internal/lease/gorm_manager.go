package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "crabstack.local/projects/crab-relay/internal/db"
	"crabstack.local/projects/crab-relay/internal/ids"
)

// GormManager persists leases so exclusivity survives a relay restart.
type GormManager struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormManager(driver, dsn string) (*GormManager, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm lease manager: %w", err)
	}

	m := &GormManager{db: gormDB, now: func() time.Time { return time.Now().UTC() }}
	if err := m.db.AutoMigrate(&leaseRow{}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *GormManager) Acquire(ctx context.Context, sessionID, executionID string, ttl time.Duration) (Lease, error) {
	if err := validateLeaseKey(sessionID, executionID); err != nil {
		return Lease{}, err
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("ttl must be > 0")
	}

	var granted Lease
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := m.now()

		var current leaseRow
		err := tx.Where("session_id = ?", sessionID).Take(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to grant
		case err != nil:
			return fmt.Errorf("get lease: %w", err)
		default:
			live := current.toLease()
			if !live.Expired(now) {
				if live.ExecutionID == executionID {
					granted = live
					return nil
				}
				return &ConflictError{SessionID: sessionID, CurrentOwner: live.ExecutionID}
			}
		}

		granted = Lease{
			SessionID:   sessionID,
			ExecutionID: executionID,
			OwnerToken:  ids.New(),
			AcquiredAt:  now,
			ExpiresAt:   now.Add(ttl),
		}
		row := leaseRowFromLease(granted)
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("save lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return Lease{}, err
	}
	return granted, nil
}

func (m *GormManager) Renew(ctx context.Context, sessionID, executionID string, newExpiry time.Time) error {
	if err := validateLeaseKey(sessionID, executionID); err != nil {
		return err
	}

	res := m.db.WithContext(ctx).
		Model(&leaseRow{}).
		Where("session_id = ? AND execution_id = ?", sessionID, executionID).
		Update("expires_at", newExpiry.UTC())
	if res.Error != nil {
		return fmt.Errorf("renew lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotOwner
	}
	return nil
}

func (m *GormManager) Release(ctx context.Context, sessionID, executionID string) error {
	if err := validateLeaseKey(sessionID, executionID); err != nil {
		return err
	}

	res := m.db.WithContext(ctx).
		Where("session_id = ? AND execution_id = ?", sessionID, executionID).
		Delete(&leaseRow{})
	if res.Error != nil {
		return fmt.Errorf("release lease: %w", res.Error)
	}
	return nil
}

func (m *GormManager) Get(ctx context.Context, sessionID string) (Lease, error) {
	if sessionID == "" {
		return Lease{}, fmt.Errorf("session_id is required")
	}

	var row leaseRow
	err := m.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, fmt.Errorf("get lease: %w", err)
	}
	return row.toLease(), nil
}

func (m *GormManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

type leaseRow struct {
	SessionID   string    `gorm:"primaryKey;size:191"`
	ExecutionID string    `gorm:"size:191;not null"`
	OwnerToken  string    `gorm:"size:64;not null"`
	AcquiredAt  time.Time `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

func (leaseRow) TableName() string {
	return "execution_leases"
}

func (r leaseRow) toLease() Lease {
	return Lease{
		SessionID:   r.SessionID,
		ExecutionID: r.ExecutionID,
		OwnerToken:  r.OwnerToken,
		AcquiredAt:  r.AcquiredAt.UTC(),
		ExpiresAt:   r.ExpiresAt.UTC(),
	}
}

func leaseRowFromLease(l Lease) leaseRow {
	return leaseRow{
		SessionID:   l.SessionID,
		ExecutionID: l.ExecutionID,
		OwnerToken:  l.OwnerToken,
		AcquiredAt:  l.AcquiredAt.UTC(),
		ExpiresAt:   l.ExpiresAt.UTC(),
	}
}
