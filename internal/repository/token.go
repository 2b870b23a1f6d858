package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/lynkgazer/internal/tokens"
)

// TokenRepository 按注册保存令牌
type TokenRepository struct {
	db *DB
}

// NewTokenRepository 创建令牌仓库
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// ForRegistration 返回单个注册的令牌存储
func (r *TokenRepository) ForRegistration(registrationID int64) tokens.Store {
	return &tokenStore{db: r.db, registrationID: registrationID}
}

type tokenStore struct {
	db             *DB
	registrationID int64
}

// Load 未认证时返回 (nil, nil)
func (s *tokenStore) Load(ctx context.Context) (*tokens.Record, error) {
	query := `
		SELECT refresh_token, secondary_token, issued_at
		FROM registration_tokens WHERE registration_id = $1
	`
	var rec tokens.Record
	err := s.db.Pool.QueryRow(ctx, query, s.registrationID).Scan(
		&rec.RefreshToken,
		&rec.SecondaryToken,
		&rec.IssuedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	if !rec.Complete() {
		return nil, nil
	}
	return &rec, nil
}

// Save 单条 UPSERT，两个令牌同时写入
func (s *tokenStore) Save(ctx context.Context, rec tokens.Record) error {
	if !rec.Complete() {
		return tokens.ErrIncomplete
	}

	query := `
		INSERT INTO registration_tokens (registration_id, refresh_token, secondary_token, issued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (registration_id) DO UPDATE SET
			refresh_token = EXCLUDED.refresh_token,
			secondary_token = EXCLUDED.secondary_token,
			issued_at = EXCLUDED.issued_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.Pool.Exec(ctx, query,
		s.registrationID,
		rec.RefreshToken,
		rec.SecondaryToken,
		rec.IssuedAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}
