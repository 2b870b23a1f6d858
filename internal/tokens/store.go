package tokens

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrIncomplete 缺少刷新令牌或二级令牌的记录不允许写入
var ErrIncomplete = errors.New("token record incomplete")

// Record 持久化的令牌记录
type Record struct {
	RefreshToken   string    `json:"refresh_token"`
	SecondaryToken string    `json:"secondary_token"`
	IssuedAt       time.Time `json:"issued_at"`
}

// Complete 两个令牌都存在才算已认证
func (r Record) Complete() bool {
	return r.RefreshToken != "" && r.SecondaryToken != ""
}

// Store 令牌存储
// Load 在尚未认证时返回 (nil, nil)
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec Record) error
}

// Provider 按注册 ID 获取存储
type Provider interface {
	ForRegistration(registrationID int64) Store
}

// MemoryStore 内存实现
type MemoryStore struct {
	mu  sync.Mutex
	rec *Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	rec := *m.rec
	return &rec, nil
}

func (m *MemoryStore) Save(ctx context.Context, rec Record) error {
	if !rec.Complete() {
		return ErrIncomplete
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	return nil
}

// serialized 同一注册的读写互斥
type serialized struct {
	mu    sync.Mutex
	inner Store
}

// Serialized 包装存储，使 Load/Save 串行执行
func Serialized(s Store) Store {
	if _, ok := s.(*serialized); ok {
		return s
	}
	return &serialized{inner: s}
}

func (s *serialized) Load(ctx context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Load(ctx)
}

func (s *serialized) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Save(ctx, rec)
}
