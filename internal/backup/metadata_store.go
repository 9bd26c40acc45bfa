package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"backup-engine/internal/logging"
)

// MetadataStore persists one JSON document per completed backup
type MetadataStore interface {
	Save(ctx context.Context, record *BackupRecord) error
	Get(ctx context.Context, id string) (*BackupRecord, error)
	List(ctx context.Context, filter ListFilter) ([]*BackupRecord, error)
	All(ctx context.Context) ([]*BackupRecord, error)
	Delete(ctx context.Context, id string) error
}

// FileMetadataStore keeps records under <backup_dir>/metadata/<id>.json
type FileMetadataStore struct {
	dir    string
	logger *logging.Logger
}

// NewFileMetadataStore creates a store rooted at dir
func NewFileMetadataStore(dir string, logger *logging.Logger) *FileMetadataStore {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FileMetadataStore{dir: dir, logger: logger}
}

func (s *FileMetadataStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes the record to a temp file, fsyncs it and renames it over the
// target so readers never observe a partial document.
func (s *FileMetadataStore) Save(ctx context.Context, record *BackupRecord) error {
	if record == nil || !validID(record.ID) {
		return NewValidationError("backup record has an invalid id", nil)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return NewStorageError(fmt.Sprintf("failed to create metadata directory %s", s.dir), err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return NewStorageError("failed to encode backup record", err)
	}

	target := s.path(record.ID)
	tmp := target + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", tmp), err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return NewStorageError(fmt.Sprintf("failed to write %s", tmp), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return NewStorageError(fmt.Sprintf("failed to sync %s", tmp), err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return NewStorageError(fmt.Sprintf("failed to close %s", tmp), err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return NewStorageError(fmt.Sprintf("failed to publish %s", target), err)
	}

	s.logger.WithFields(map[string]interface{}{
		"backup_id": record.ID,
		"path":      target,
	}).Debug("Backup metadata saved")

	return nil
}

// Get reads one record. An unknown id is a NOT_FOUND_ERROR.
func (s *FileMetadataStore) Get(ctx context.Context, id string) (*BackupRecord, error) {
	if !validID(id) {
		return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", id), err).WithContext("backup_id", id)
		}
		return nil, NewStorageError(fmt.Sprintf("failed to read metadata for %s", id), err)
	}

	record := &BackupRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to decode metadata for %s", id), err)
	}
	return record, nil
}

// All returns every readable record, newest first
func (s *FileMetadataStore) All(ctx context.Context) ([]*BackupRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*BackupRecord{}, nil
		}
		return nil, NewStorageError(fmt.Sprintf("failed to read metadata directory %s", s.dir), err)
	}

	records := make([]*BackupRecord, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.WithError(err).WithField("file", name).Warn("Skipping unreadable backup metadata")
			continue
		}
		record := &BackupRecord{}
		if err := json.Unmarshal(data, record); err != nil || record.ID == "" {
			s.logger.WithField("file", name).Warn("Skipping unparsable backup metadata")
			continue
		}
		records = append(records, record)
	}

	sortRecordsDesc(records)
	return records, nil
}

// List filters, sorts by timestamp descending and paginates
func (s *FileMetadataStore) List(ctx context.Context, filter ListFilter) ([]*BackupRecord, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return applyFilter(all, filter), nil
}

// Delete removes the metadata document
func (s *FileMetadataStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return NewNotFoundError(fmt.Sprintf("backup %s not found", id), err)
		}
		return NewStorageError(fmt.Sprintf("failed to delete metadata for %s", id), err)
	}
	return nil
}

func applyFilter(records []*BackupRecord, filter ListFilter) []*BackupRecord {
	filtered := make([]*BackupRecord, 0, len(records))
	for _, r := range records {
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		filtered = append(filtered, r)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []*BackupRecord{}
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end]
}

// sortRecordsDesc orders by timestamp descending with the id as tiebreak so
// repeated listings are stable.
func sortRecordsDesc(records []*BackupRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID > records[j].ID
	})
}
