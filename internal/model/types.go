package model

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"time"
)

// SchemaVersion is the backup payload format version
const SchemaVersion = "1.0"

// Record is a single row of a family data module
type Record struct {
	ID           string                 `json:"id"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
	LastModified int64                  `json:"last_modified"`
	Deleted      bool                   `json:"deleted,omitempty"`
}

// Clone returns a copy of the record with its own field map
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Fields != nil {
		out.Fields = make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}

// SameContent reports whether two records carry the same payload, ignoring timestamps
func (r *Record) SameContent(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Deleted != other.Deleted {
		return false
	}
	if r.Deleted {
		return true
	}
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range r.Fields {
		ov, ok := other.Fields[k]
		if !ok || !ValuesEqual(v, ov) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two field values. Values that encode to the same JSON are
// equal, so an int and the float64 it decodes to match.
func ValuesEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// ModuleSnapshot is the state of one data domain (tasks, goals, ...) at a point in time
type ModuleSnapshot struct {
	Module       string    `json:"module"`
	Records      []*Record `json:"records,omitempty"`
	LastModified int64     `json:"last_modified"`
	RecordCount  int       `json:"record_count"`
}

// NewModuleSnapshot builds a normalized snapshot from the given records
func NewModuleSnapshot(module string, records []*Record) ModuleSnapshot {
	s := ModuleSnapshot{Module: module, Records: records}
	s.Normalize()
	return s
}

// Normalize sorts records by id and recomputes the derived counters
func (s *ModuleSnapshot) Normalize() {
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].ID < s.Records[j].ID })
	s.RecordCount = 0
	s.LastModified = 0
	for _, r := range s.Records {
		if !r.Deleted {
			s.RecordCount++
		}
		if r.LastModified > s.LastModified {
			s.LastModified = r.LastModified
		}
	}
}

// Index returns the records keyed by id
func (s ModuleSnapshot) Index() map[string]*Record {
	idx := make(map[string]*Record, len(s.Records))
	for _, r := range s.Records {
		idx[r.ID] = r
	}
	return idx
}

// Summary returns the snapshot without its records
func (s ModuleSnapshot) Summary() ModuleSnapshot {
	return ModuleSnapshot{Module: s.Module, LastModified: s.LastModified, RecordCount: s.RecordCount}
}

// DeviceMeta describes the device that triggered an operation. Informational only.
type DeviceMeta struct {
	DeviceID    string `json:"device_id,omitempty" yaml:"device_id"`
	DeviceClass string `json:"device_class,omitempty" yaml:"device_class"`
	AppVersion  string `json:"app_version,omitempty" yaml:"app_version"`
	OSVersion   string `json:"os_version,omitempty" yaml:"os_version"`
}

// CompressionType represents the compression algorithm applied to a payload
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeLZ4  CompressionType = "lz4"
	CompressionTypeZstd CompressionType = "zstd"
)

// Backup is an immutable snapshot of a family's data
type Backup struct {
	ID               string           `json:"id"`
	FamilyID         string           `json:"family_id"`
	UserID           string           `json:"user_id"`
	CreatedAt        int64            `json:"created_at"`
	SizeBytes        int64            `json:"size_bytes"`
	RawSizeBytes     int64            `json:"raw_size_bytes"`
	CompressionRatio float64          `json:"compression_ratio"`
	Compression      CompressionType  `json:"compression"`
	Encrypted        bool             `json:"encrypted"`
	Checksum         string           `json:"checksum"`
	SchemaVersion    string           `json:"schema_version"`
	Modules          []ModuleSnapshot `json:"modules"`
	DeviceMeta       DeviceMeta       `json:"device_meta"`
	RemoteUploaded   bool             `json:"remote_uploaded"`
	Warnings         []string         `json:"warnings,omitempty"`
}

// CreatedTime returns the creation timestamp as a time.Time
func (b *Backup) CreatedTime() time.Time {
	return time.UnixMilli(b.CreatedAt)
}

// Summary returns a copy of the backup whose modules carry no records
func (b *Backup) Summary() *Backup {
	out := *b
	out.Modules = make([]ModuleSnapshot, len(b.Modules))
	for i, m := range b.Modules {
		out.Modules[i] = m.Summary()
	}
	out.Warnings = append([]string(nil), b.Warnings...)
	return &out
}

// Module returns the snapshot of the named module, if present
func (b *Backup) Module(name string) (ModuleSnapshot, bool) {
	for _, m := range b.Modules {
		if m.Module == name {
			return m, true
		}
	}
	return ModuleSnapshot{}, false
}
