package multipart

import (
	"io"
	"sync"
	"sync/atomic"
)

// PartStream is the lazy, finite, non-restartable byte sequence of one
// file part's body. The parser is the sole producer; the pipeline that
// the file event hands the stream to is the sole consumer.
//
// Back-pressure is inherent: the producer side blocks inside write until
// the consumer has taken the bytes, so a paused consumer stops the parser
// from pulling further network chunks. No data is dropped.
type PartStream struct {
	info *FileInfo

	r *io.PipeReader
	w *io.PipeWriter

	destroyOnce sync.Once
	bytesIn     atomic.Int64
}

func newPartStream(info *FileInfo) *PartStream {
	r, w := io.Pipe()
	return &PartStream{info: info, r: r, w: w}
}

// FileInfo returns the immutable descriptor of the part.
func (ps *PartStream) FileInfo() *FileInfo {
	return ps.info
}

// Read delivers part body bytes in input order. It returns io.EOF after
// the parser has seen the part's closing boundary, or the destruction
// error if the part was destroyed.
func (ps *PartStream) Read(p []byte) (int, error) {
	return ps.r.Read(p)
}

// Close releases the consumer side. The producer observes
// io.ErrClosedPipe on subsequent writes.
func (ps *PartStream) Close() error {
	return ps.r.Close()
}

// BytesWritten reports how many body bytes the parser has pushed so far.
func (ps *PartStream) BytesWritten() int64 {
	return ps.bytesIn.Load()
}

// write pushes body bytes toward the consumer, blocking until consumed.
func (ps *PartStream) write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := ps.w.Write(p)
	ps.bytesIn.Add(int64(n))
	return err
}

// finish signals a clean end of the part body. The consumer sees io.EOF.
func (ps *PartStream) finish() {
	ps.destroyOnce.Do(func() {
		ps.w.Close()
	})
}

// destroy terminates the stream with err. The consumer observes err on
// its next Read. Destruction is one-shot; later calls are ignored.
func (ps *PartStream) destroy(err error) {
	ps.destroyOnce.Do(func() {
		ps.w.CloseWithError(err)
	})
}
