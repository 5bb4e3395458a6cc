package repository

import (
	"context"
	"fmt"

	"github.com/core-coin/tributum/internal/models"
)

func (db *Store) AddHolding(ctx context.Context, holding *models.Holding) error {
	if err := db.Conn.WithContext(ctx).Create(holding).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to add holding: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to add holding: %w", err)
	}
	return nil
}

func (db *Store) ListHoldings(ctx context.Context, wallet string) ([]*models.Holding, error) {
	var holdings []*models.Holding
	if err := db.Conn.WithContext(ctx).Where("wallet = ?", wallet).Order("created_at ASC").Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	return holdings, nil
}
