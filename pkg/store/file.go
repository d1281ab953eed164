package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shouni/go-web-watch/pkg/types"
)

// fileData は YAML ファイルの内容です。
type fileData struct {
	NextID  uint              `yaml:"next_id"`
	Records []types.URLRecord `yaml:"records"`
}

// FileStore はレコードを YAML ファイルに保存します。
// パスが空の場合はメモリ上にのみ保持します。書き込みのたびにファイル全体を書き直します。
type FileStore struct {
	path string

	mu      sync.RWMutex
	nextID  uint
	records map[uint]types.URLRecord
}

// NewFileStore は path の YAML ファイルを読み込んで FileStore を生成します。
// ファイルが存在しない場合は空のストアとして開始し、最初の書き込みで作成します。
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, nextID: 1, records: map[uint]types.URLRecord{}}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レコードファイルの読み込みに失敗しました: %w", err)
	}

	var data fileData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("レコードファイル (%s) のパースに失敗しました: %w", path, err)
	}
	for _, rec := range data.Records {
		if rec.ID == 0 {
			rec.ID = max(s.nextID, data.NextID)
		}
		if _, dup := s.records[rec.ID]; dup {
			return nil, fmt.Errorf("レコードファイル (%s) に重複した id=%d があります", path, rec.ID)
		}
		s.records[rec.ID] = cloneRecord(rec)
		s.nextID = max(s.nextID, rec.ID+1)
	}
	s.nextID = max(s.nextID, data.NextID)
	return s, nil
}

// NewMemoryStore は、与えられたレコードを保持するメモリ上のストアを生成します。
func NewMemoryStore(records ...types.URLRecord) (*FileStore, error) {
	s, _ := NewFileStore("")
	for _, rec := range records {
		if _, err := s.Create(context.Background(), rec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStore) List(_ context.Context) ([]types.URLRecord, error) {
	return s.filter(func(types.URLRecord) bool { return true }), nil
}

func (s *FileStore) ListActive(_ context.Context) ([]types.URLRecord, error) {
	return s.filter(func(r types.URLRecord) bool { return r.IsActive }), nil
}

func (s *FileStore) filter(keep func(types.URLRecord) bool) []types.URLRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.URLRecord, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *FileStore) Get(_ context.Context, id uint) (types.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return types.URLRecord{}, fmt.Errorf("id=%d: %w", id, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *FileStore) Create(_ context.Context, rec types.URLRecord) (types.URLRecord, error) {
	if err := Validate(rec); err != nil {
		return types.URLRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec = cloneRecord(rec)
	rec.ID = s.nextID
	s.records[rec.ID] = rec
	s.nextID++

	if err := s.persistLocked(); err != nil {
		delete(s.records, rec.ID)
		s.nextID--
		return types.URLRecord{}, err
	}
	return cloneRecord(rec), nil
}

func (s *FileStore) Update(_ context.Context, id uint, patch Patch) (types.URLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return types.URLRecord{}, fmt.Errorf("id=%d: %w", id, ErrNotFound)
	}
	updated := patch.Apply(current)
	if err := Validate(updated); err != nil {
		return types.URLRecord{}, err
	}

	s.records[id] = updated
	if err := s.persistLocked(); err != nil {
		s.records[id] = current
		return types.URLRecord{}, err
	}
	return cloneRecord(updated), nil
}

func (s *FileStore) Delete(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[id]
	if !ok {
		return fmt.Errorf("id=%d: %w", id, ErrNotFound)
	}
	delete(s.records, id)
	if err := s.persistLocked(); err != nil {
		s.records[id] = current
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// persistLocked は一時ファイルに書き出してからリネームします。呼び出し元がロックを保持している必要があります。
func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}

	data := fileData{NextID: s.nextID, Records: make([]types.URLRecord, 0, len(s.records))}
	for _, rec := range s.records {
		data.Records = append(data.Records, rec)
	}
	sort.Slice(data.Records, func(i, j int) bool { return data.Records[i].ID < data.Records[j].ID })

	raw, err := yaml.Marshal(&data)
	if err != nil {
		return fmt.Errorf("レコードのシリアライズに失敗しました: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗しました: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("レコードファイルの書き込みに失敗しました: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("レコードファイルの書き込みに失敗しました: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("レコードファイルの保存に失敗しました: %w", err)
	}
	return nil
}
