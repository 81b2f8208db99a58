package history

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archivist-dev/archivist/pkg/checksum"
	"github.com/archivist-dev/archivist/pkg/version"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	b, err := jsonBytes(value, "JSONStringSlice")
	if err != nil || b == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(b, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return jsonValue(s)
}

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	b, err := jsonBytes(value, "JSONAny")
	if err != nil || b == nil {
		*m = nil
		return err
	}
	return json.Unmarshal(b, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return jsonValue(m)
}

// JSONStringMap is a custom GORM type for map[string]string stored as JSON.
type JSONStringMap map[string]string

// Scan implements the sql.Scanner interface for JSONStringMap.
func (m *JSONStringMap) Scan(value any) error {
	b, err := jsonBytes(value, "JSONStringMap")
	if err != nil || b == nil {
		*m = nil
		return err
	}
	return json.Unmarshal(b, m)
}

// Value implements the driver.Valuer interface for JSONStringMap.
func (m JSONStringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return jsonValue(m)
}

func jsonBytes(value any, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, fmt.Errorf("unsupported type for %s: %T", typeName, value)
}

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// archiveModel stores one archive.
type archiveModel struct {
	ID        string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	Name      string          `gorm:"column:name;type:varchar(255);uniqueIndex:idx_archive_name;not null"`
	Authority string          `gorm:"column:authority"`
	Metadata  JSONAny         `gorm:"column:metadata;type:text"`
	Tags      JSONStringSlice `gorm:"column:tags;type:text"`
	CreatedBy string          `gorm:"column:created_by"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (archiveModel) TableName() string { return "archives" }

// versionModel stores one history entry. Seq orders entries within an
// archive; Version is kept as text so any dialect can store it.
type versionModel struct {
	ID           string        `gorm:"primaryKey;column:id;type:varchar(36)"`
	ArchiveName  string        `gorm:"column:archive_name;type:varchar(255);uniqueIndex:idx_version_seq,priority:1;not null"`
	Seq          int64         `gorm:"column:seq;uniqueIndex:idx_version_seq,priority:2;not null"`
	Version      string        `gorm:"column:version;type:varchar(64);not null"`
	Algorithm    string        `gorm:"column:algorithm;type:varchar(32)"`
	Digest       string        `gorm:"column:digest;type:varchar(128)"`
	Author       string        `gorm:"column:author"`
	Contact      string        `gorm:"column:contact"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
	Metadata     JSONAny       `gorm:"column:metadata;type:text"`
	Dependencies JSONStringMap `gorm:"column:dependencies;type:text"`
}

func (versionModel) TableName() string { return "archive_versions" }

func archiveFromModel(m *archiveModel) ArchiveRecord {
	return ArchiveRecord{
		Name:      m.Name,
		Authority: m.Authority,
		Metadata:  map[string]any(m.Metadata),
		Tags:      []string(m.Tags),
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt,
	}
}

func versionFromModel(m *versionModel) (VersionRecord, error) {
	v, err := version.Parse(m.Version)
	if err != nil {
		return VersionRecord{}, fmt.Errorf("history row %s: %w", m.ID, err)
	}
	return VersionRecord{
		ID:           m.ID,
		Version:      v,
		Checksum:     checksum.Checksum{Algorithm: m.Algorithm, Digest: m.Digest},
		Author:       m.Author,
		Contact:      m.Contact,
		CreatedAt:    m.CreatedAt,
		Metadata:     map[string]any(m.Metadata),
		Dependencies: map[string]string(m.Dependencies),
	}, nil
}
