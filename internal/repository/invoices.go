package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/core-coin/tributum/internal/models"
)

func (db *Store) CreateEntry(ctx context.Context, entry *models.InvoiceEntry) error {
	if err := db.Conn.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create invoice entry: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create invoice entry: %w", err)
	}
	return nil
}

func (db *Store) GetEntryByRequestID(ctx context.Context, requestID string) (*models.InvoiceEntry, error) {
	return db.first(ctx, "request_id = ?", requestID)
}

func (db *Store) GetEntryByClaimKey(ctx context.Context, claimKey string) (*models.InvoiceEntry, error) {
	return db.first(ctx, "claim_key = ?", claimKey)
}

// FindCompletedPrepay returns the settled workflow_prepay invoice of a session.
func (db *Store) FindCompletedPrepay(ctx context.Context, sessionID string) (*models.InvoiceEntry, error) {
	return db.first(ctx, "session_id = ? AND type = ? AND status = ?",
		sessionID, string(models.InvoiceWorkflowPrepay), string(models.StatusCompleted))
}

func (db *Store) GetEntryBySettledReference(ctx context.Context, ref string) (*models.InvoiceEntry, error) {
	return db.first(ctx, "settled_reference = ?", ref)
}

func (db *Store) first(ctx context.Context, query string, args ...interface{}) (*models.InvoiceEntry, error) {
	var entry models.InvoiceEntry
	if err := db.Conn.WithContext(ctx).Where(query, args...).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get invoice entry: %w", err)
	}
	return &entry, nil
}

// TransitionEntry is a compare-and-swap on status. The update only applies
// while the row is in one of the from statuses and, when a tx reference is
// being written, while no different reference is recorded.
func (db *Store) TransitionEntry(ctx context.Context, requestID string, from []models.InvoiceStatus, patch models.EntryPatch) (*models.InvoiceEntry, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("failed to transition entry %s: no source status", requestID)
	}
	fromStatuses := make([]string, len(from))
	for i, s := range from {
		fromStatuses[i] = string(s)
	}

	updates := map[string]interface{}{
		"status":     string(patch.Status),
		"updated_at": time.Now().UTC(),
	}
	q := db.Conn.WithContext(ctx).
		Model(&models.InvoiceEntry{}).
		Where("request_id = ? AND status IN ?", requestID, fromStatuses)

	if patch.TxReference != "" {
		updates["tx_reference"] = patch.TxReference
		q = q.Where("(tx_reference = '' OR tx_reference IS NULL OR tx_reference = ?)", patch.TxReference)
	}
	if patch.SettledReference != "" {
		updates["settled_reference"] = patch.SettledReference
	}
	if patch.PaidAt != nil {
		updates["paid_at"] = *patch.PaidAt
	}
	if patch.CompletedAt != nil {
		updates["completed_at"] = *patch.CompletedAt
	}
	if patch.ExpiredAt != nil {
		updates["expired_at"] = *patch.ExpiredAt
	}
	if patch.Meta != nil {
		updates["meta"] = datatypes.JSONMap(patch.Meta)
	}
	if patch.ResponseBody != nil {
		updates["response_status"] = patch.ResponseStatus
		updates["response_body"] = datatypes.JSON(patch.ResponseBody)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return nil, fmt.Errorf("failed to transition entry %s: %w", requestID, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to transition entry %s to %s: %w", requestID, patch.Status, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := db.GetEntryByRequestID(ctx, requestID); err != nil {
			return nil, err
		}
		return nil, ErrStaleTransition
	}
	return db.GetEntryByRequestID(ctx, requestID)
}

// AdvanceProgress is a compare-and-swap on the prepaid node counter.
func (db *Store) AdvanceProgress(ctx context.Context, requestID string, from int) (*models.InvoiceEntry, error) {
	res := db.Conn.WithContext(ctx).
		Model(&models.InvoiceEntry{}).
		Where("request_id = ? AND progress = ?", requestID, from).
		Updates(map[string]interface{}{
			"progress":   from + 1,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to advance progress of entry %s: %w", requestID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := db.GetEntryByRequestID(ctx, requestID); err != nil {
			return nil, err
		}
		return nil, ErrStaleTransition
	}
	return db.GetEntryByRequestID(ctx, requestID)
}

func (db *Store) ListEntriesByUser(ctx context.Context, userID string, limit int) ([]*models.InvoiceEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*models.InvoiceEntry
	err := db.Conn.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list invoice entries: %w", err)
	}
	return entries, nil
}
