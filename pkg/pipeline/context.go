package pipeline

import (
	"io"
	"net/http"
	"time"

	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
)

// Well-known metadata keys populated by the bundled plugins.
const (
	MetaHash             = "hash"
	MetaHashAlgorithm    = "hashAlgorithm"
	MetaDetectedMimeType = "detectedMimeType"
	MetaImageWidth       = "imageWidth"
	MetaImageHeight      = "imageHeight"
	MetaCompressed       = "compressed"
	MetaCompressionType  = "compressionFormat"
	// MetaStoredSuffix asks the storage naming strategy to append a
	// suffix (e.g. ".gz") to the stored key.
	MetaStoredSuffix = "storedFilenameSuffix"
)

// Context is the object threaded through one file's pipeline. Stream is
// the only field stages replace; Metadata grows monotonically — the
// manager fails the pipeline if a stage removes a key an earlier stage
// set.
type Context struct {
	// Stream is the current byte stream. Transformers replace it with a
	// wrapped lazy sequence; storage consumes it.
	Stream io.Reader

	// FileInfo is the immutable descriptor emitted by the parser.
	FileInfo *multipart.FileInfo

	// Metadata accumulates observations (hash, detected MIME type,
	// image dimensions). Shared by every stage of one pipeline.
	Metadata map[string]any

	// Request optionally carries the originating request for plugins
	// that need caller identity (CSRF, rate limiting).
	Request *http.Request

	// Storage is populated by the terminal sink on success.
	Storage *StorageResult
}

// NewContext builds the initial context for one file part.
func NewContext(stream io.Reader, info *multipart.FileInfo, req *http.Request) *Context {
	return &Context{
		Stream:   stream,
		FileInfo: info,
		Metadata: make(map[string]any),
		Request:  req,
	}
}

// forSink derives a per-sink context sharing everything but the stream
// and the storage descriptor.
func (pc *Context) forSink(stream io.Reader) *Context {
	return &Context{
		Stream:   stream,
		FileInfo: pc.FileInfo,
		Metadata: pc.Metadata,
		Request:  pc.Request,
	}
}

// StorageResult describes one sink's stored artifact.
type StorageResult struct {
	// Backend names the storage plugin that produced the artifact.
	Backend string `json:"backend"`
	// Key is the backend-scoped identifier usable with Delete.
	Key string `json:"key"`
	// Location is a human-usable locator: a filesystem path or URL.
	Location string `json:"location"`
	// Size counts the bytes the sink consumed.
	Size int64 `json:"size"`
	// StoredAt is the completion timestamp.
	StoredAt time.Time `json:"stored_at"`
}

// FileResult is the settled outcome of one file's pipeline.
type FileResult struct {
	FieldName string         `json:"field_name"`
	Filename  string         `json:"filename"`
	MimeType  string         `json:"mime_type"`
	Size      int64          `json:"size"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// Storage lists one result per configured sink, in declaration
	// order, regardless of sink completion order.
	Storage []*StorageResult `json:"storage"`
}
