package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore 以 JSON 文件保存令牌
type FileStore struct {
	filename string
}

// NewFileStore 创建文件存储
func NewFileStore(filename string) *FileStore {
	return &FileStore{filename: filename}
}

// Load 加载 token
func (f *FileStore) Load(ctx context.Context) (*Record, error) {
	data, err := os.ReadFile(f.filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	if !rec.Complete() {
		return nil, nil
	}
	return &rec, nil
}

// Save 保存 token，先写临时文件再 rename，读者不会看到半写的内容
func (f *FileStore) Save(ctx context.Context, rec Record) error {
	if !rec.Complete() {
		return ErrIncomplete
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	dir := filepath.Dir(f.filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.filename); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

// FileProvider 每个注册一个文件
type FileProvider struct {
	dir string
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir}
}

func (p *FileProvider) ForRegistration(registrationID int64) Store {
	return NewFileStore(filepath.Join(p.dir, fmt.Sprintf("registration-%d.json", registrationID)))
}
