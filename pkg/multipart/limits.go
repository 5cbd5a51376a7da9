package multipart

import "fmt"

// Default quantitative limits.
const (
	DefaultFileSizeLimit      = 100 << 20 // 100 MiB per file
	DefaultFilesLimit         = 10
	DefaultFieldsLimit        = 100
	DefaultFieldSizeLimit     = 1 << 20 // 1 MiB per field value
	DefaultFieldNameSizeLimit = 100

	// maxHeaderBlockSize bounds the buffered header block of one part.
	maxHeaderBlockSize = 16 << 10
)

// LimitKind identifies which configured limit was exceeded.
type LimitKind string

const (
	LimitFileSize      LimitKind = "fileSize"
	LimitFieldSize     LimitKind = "fieldSize"
	LimitFieldNameSize LimitKind = "fieldNameSize"
	LimitFiles         LimitKind = "files"
	LimitFields        LimitKind = "fields"
)

// Limits holds the parser's quantitative caps. The zero value of any
// field means "use the default"; Normalize resolves them.
type Limits struct {
	FileSize      int64 `json:"file_size"`
	Files         int   `json:"files"`
	Fields        int   `json:"fields"`
	FieldSize     int64 `json:"field_size"`
	FieldNameSize int   `json:"field_name_size"`
}

// DefaultLimits returns the documented default limits.
func DefaultLimits() Limits {
	return Limits{
		FileSize:      DefaultFileSizeLimit,
		Files:         DefaultFilesLimit,
		Fields:        DefaultFieldsLimit,
		FieldSize:     DefaultFieldSizeLimit,
		FieldNameSize: DefaultFieldNameSizeLimit,
	}
}

// Normalize fills zero-valued fields with their defaults.
func (l Limits) Normalize() Limits {
	def := DefaultLimits()
	if l.FileSize <= 0 {
		l.FileSize = def.FileSize
	}
	if l.Files <= 0 {
		l.Files = def.Files
	}
	if l.Fields <= 0 {
		l.Fields = def.Fields
	}
	if l.FieldSize <= 0 {
		l.FieldSize = def.FieldSize
	}
	if l.FieldNameSize <= 0 {
		l.FieldNameSize = def.FieldNameSize
	}
	return l
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.FileSize < 0 || l.FieldSize < 0 {
		return fmt.Errorf("size limits must not be negative")
	}
	if l.Files < 0 || l.Fields < 0 || l.FieldNameSize < 0 {
		return fmt.Errorf("count limits must not be negative")
	}
	return nil
}
