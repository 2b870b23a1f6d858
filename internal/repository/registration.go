package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/langchou/lynkgazer/internal/models"
)

// ErrAlreadyRegistered 同一 VIN 只能注册一次
var ErrAlreadyRegistered = errors.New("vin already registered")

// RegistrationRepository 注册数据仓库
type RegistrationRepository struct {
	db *DB
}

// NewRegistrationRepository 创建注册仓库
func NewRegistrationRepository(db *DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// Create 创建注册
func (r *RegistrationRepository) Create(ctx context.Context, reg *models.Registration) error {
	query := `
		INSERT INTO registrations (vin, user_id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	now := time.Now()
	err := r.db.Pool.QueryRow(ctx, query,
		reg.VIN,
		reg.UserID,
		reg.Name,
		now,
		now,
	).Scan(&reg.ID)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert registration: %w", ErrAlreadyRegistered)
		}
		return fmt.Errorf("insert registration: %w", err)
	}

	reg.CreatedAt = now
	reg.UpdatedAt = now
	return nil
}

// GetByID 通过 ID 获取注册
func (r *RegistrationRepository) GetByID(ctx context.Context, id int64) (*models.Registration, error) {
	query := `
		SELECT id, vin, user_id, name, created_at, updated_at
		FROM registrations WHERE id = $1
	`
	reg := &models.Registration{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&reg.ID,
		&reg.VIN,
		&reg.UserID,
		&reg.Name,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registration by id: %w", err)
	}
	return reg, nil
}

// List 获取所有注册
func (r *RegistrationRepository) List(ctx context.Context) ([]*models.Registration, error) {
	query := `
		SELECT id, vin, user_id, name, created_at, updated_at
		FROM registrations ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var regs []*models.Registration
	for rows.Next() {
		reg := &models.Registration{}
		err := rows.Scan(
			&reg.ID,
			&reg.VIN,
			&reg.UserID,
			&reg.Name,
			&reg.CreatedAt,
			&reg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registrations: %w", err)
	}

	return regs, nil
}

// UpdateIdentity 重新认证后原地更新 VIN 和用户 ID
func (r *RegistrationRepository) UpdateIdentity(ctx context.Context, id int64, vin, userID string) error {
	query := `
		UPDATE registrations SET vin = $1, user_id = $2, updated_at = $3
		WHERE id = $4
	`
	tag, err := r.db.Pool.Exec(ctx, query, vin, userID, time.Now(), id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("update registration: %w", ErrAlreadyRegistered)
		}
		return fmt.Errorf("update registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete 删除注册及其令牌
func (r *RegistrationRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM registration_tokens WHERE registration_id = $1`, id); err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}
