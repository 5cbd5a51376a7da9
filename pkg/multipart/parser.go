package multipart

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
)

// parserState tracks the position of the state machine within the body.
type parserState int

const (
	statePreamble parserState = iota
	stateBoundary
	stateHeaders
	stateFieldBody
	stateFileBody
	stateEpilogue
	stateDone
	stateFailed
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

// Handlers receives parser events. All callbacks fire synchronously from
// inside Write or Finish; a nil callback is skipped. OnFile hands over the
// part stream before any body bytes flow, so the receiver must attach its
// consumer in the same synchronous turn (typically by starting a reader
// goroutine) — the parser honors the consumer's back-pressure from that
// moment on.
type Handlers struct {
	OnField  func(name, value string)
	OnFile   func(info *FileInfo, stream *PartStream)
	OnLimit  func(kind LimitKind, limit int64)
	OnFinish func()
	OnError  func(err error)
}

// Parser is an incremental multipart/form-data parser. It consumes the
// request body chunk by chunk through Write, emits field and file events,
// and never buffers a file part: body bytes stream straight into the
// part's PartStream, bounded only by the carryover tail.
//
// A Parser serves exactly one request and is not safe for concurrent
// Write calls; Abort may be called from any goroutine.
type Parser struct {
	boundary string
	inline   []byte // CRLF--<boundary>, the in-body delimiter
	scanner  *Scanner
	limits   Limits
	h        Handlers

	state    parserState
	prevBody parserState // body state a boundary match interrupted
	buf      []byte

	headers     PartHeaders
	fieldName   string
	fieldBuf    []byte
	cur         *PartStream
	curInfo     *FileInfo
	curAborted  bool
	fileBytes   int64
	filesSeen   int
	fieldsSeen  int
	err         error
	errEmitted  bool
	finishFired bool

	mu       sync.Mutex // guards cur against Abort from other goroutines
	aborted  atomic.Bool
	abortErr error
}

// NewParser creates a parser for the given boundary token. Zero-valued
// limits fall back to the documented defaults.
func NewParser(boundary string, limits Limits, h Handlers) (*Parser, error) {
	if err := validateBoundary(boundary); err != nil {
		return nil, err
	}
	if err := limits.Validate(); err != nil {
		return nil, NewError(CodeInvalidStream, "invalid limits", err)
	}

	inline := []byte("\r\n--" + boundary)
	p := &Parser{
		boundary: boundary,
		inline:   inline,
		scanner:  NewScanner(inline),
		limits:   limits.Normalize(),
		h:        h,
		state:    statePreamble,
		// Seed the buffer with a virtual CRLF so the leading delimiter
		// at the very start of the body matches the inline pattern.
		buf: append([]byte(nil), crlf...),
	}
	return p, nil
}

// Boundary returns the boundary token the parser was built with.
func (p *Parser) Boundary() string {
	return p.boundary
}

// Write feeds one chunk of the request body into the state machine.
// Chunks may be of any size and split anywhere, including mid-delimiter.
// Events fire synchronously; Write blocks while a part-stream consumer
// exerts back-pressure.
func (p *Parser) Write(chunk []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	switch p.state {
	case stateDone:
		return 0, NewError(CodeInvalidStream, "write after parse completed", nil)
	case stateEpilogue:
		// Epilogue bytes are discarded.
		return len(chunk), nil
	}

	p.buf = append(p.buf, chunk...)
	if err := p.consume(false); err != nil {
		return 0, err
	}
	return len(chunk), nil
}

// Finish signals end of the inbound stream. Reaching it before the final
// delimiter is a framing error; any active part stream is destroyed with
// that error.
func (p *Parser) Finish() error {
	switch p.state {
	case stateDone:
		return nil
	case stateFailed:
		return p.err
	case stateEpilogue:
		return p.complete()
	}

	if err := p.consume(true); err != nil {
		return err
	}
	if p.state == stateEpilogue {
		return p.complete()
	}
	return p.fail(NewFramingError("stream ended before final delimiter", nil))
}

// Abort terminates parsing with err (a cancellation error when nil). The
// active part stream, if any, observes the error on its next read. Safe
// to call from a goroutine other than the writer.
func (p *Parser) Abort(err error) {
	if err == nil {
		err = NewError(CodeCancelled, "request cancelled", nil)
	}
	p.mu.Lock()
	p.abortErr = err
	cur := p.cur
	p.mu.Unlock()
	p.aborted.Store(true)
	if cur != nil {
		// Unblocks a Write stalled on consumer back-pressure.
		cur.destroy(err)
	}
}

// consume advances the state machine over the buffered bytes until it
// needs more input. With eof set, indecision is terminal.
func (p *Parser) consume(eof bool) error {
	for {
		if p.aborted.Load() {
			return p.fail(p.abortErr)
		}

		switch p.state {
		case statePreamble, stateFieldBody, stateFileBody:
			res := p.scanner.Scan(p.buf)
			if res.Index >= 0 {
				if err := p.consumeBody(res.Body); err != nil {
					return err
				}
				p.prevBody = p.state
				p.state = stateBoundary
				p.buf = append([]byte(nil), p.buf[res.Index:]...)
				continue
			}
			if err := p.consumeBody(res.Body); err != nil {
				return err
			}
			// Overlapping forward copy; keeps only the carryover tail.
			p.buf = append(p.buf[:0], res.Carry...)
			return nil

		case stateBoundary:
			patLen := len(p.inline)
			// The final-delimiter lookahead is bounds-checked against
			// the search buffer; at end-of-buffer the two bytes simply
			// are not there yet.
			if len(p.buf) < patLen+2 {
				if !eof {
					return nil
				}
				return p.fail(NewFramingError("stream ended inside delimiter", nil))
			}
			b0, b1 := p.buf[patLen], p.buf[patLen+1]
			switch {
			case b0 == '-' && b1 == '-':
				if err := p.finalizePart(); err != nil {
					return err
				}
				p.state = stateEpilogue
				p.buf = p.buf[:0]
				return nil
			case b0 == '\r' && b1 == '\n':
				if err := p.finalizePart(); err != nil {
					return err
				}
				p.state = stateHeaders
				p.buf = append([]byte(nil), p.buf[patLen+2:]...)
				continue
			default:
				return p.fail(NewFramingError("malformed delimiter suffix", nil))
			}

		case stateHeaders:
			if len(p.buf) >= 2 && bytes.HasPrefix(p.buf, crlf) {
				return p.fail(NewFramingError("part missing Content-Disposition header", nil))
			}
			idx := bytes.Index(p.buf, crlfcrlf)
			if idx < 0 {
				if len(p.buf) > maxHeaderBlockSize {
					return p.fail(NewFramingError("part header block too large", nil))
				}
				if eof {
					return p.fail(NewFramingError("stream ended inside part headers", nil))
				}
				return nil
			}
			block := p.buf[:idx]
			rest := append([]byte(nil), p.buf[idx+4:]...)
			if err := p.beginPart(block); err != nil {
				return err
			}
			p.buf = rest
			continue

		case stateEpilogue:
			p.buf = p.buf[:0]
			return nil

		default:
			return p.err
		}
	}
}

// consumeBody releases body bytes according to the active body state.
func (p *Parser) consumeBody(body []byte) error {
	if len(body) == 0 {
		return nil
	}
	switch p.state {
	case statePreamble:
		// Preamble bytes outside the delimited region are discarded.
		return nil
	case stateFieldBody:
		if int64(len(p.fieldBuf))+int64(len(body)) > p.limits.FieldSize {
			p.emitLimit(LimitFieldSize, p.limits.FieldSize)
			return p.fail(NewError(CodeLimitFieldSize,
				fmt.Sprintf("field %q exceeds size limit", p.fieldName), nil))
		}
		p.fieldBuf = append(p.fieldBuf, body...)
		return nil
	case stateFileBody:
		if p.curAborted {
			// Consumer went away; drain this part, keep the request alive.
			return nil
		}
		if p.fileBytes+int64(len(body)) > p.limits.FileSize {
			p.emitLimit(LimitFileSize, p.limits.FileSize)
			err := NewError(CodeLimitFileSize,
				fmt.Sprintf("file %q exceeds size limit", p.curInfo.Filename), nil)
			p.destroyCur(err)
			return p.fail(err)
		}
		p.fileBytes += int64(len(body))
		if err := p.cur.write(body); err != nil {
			// The pipeline abandoned its stream. That failure surfaces
			// through the pipeline's own result; parsing continues so
			// the remaining parts of the request are still served.
			p.curAborted = true
		}
		return nil
	default:
		return nil
	}
}

// finalizePart completes the part a boundary match closed.
func (p *Parser) finalizePart() error {
	switch p.prevBody {
	case stateFieldBody:
		if p.h.OnField != nil {
			p.h.OnField(p.fieldName, string(p.fieldBuf))
		}
		p.fieldBuf = nil
		p.fieldName = ""
	case stateFileBody:
		p.mu.Lock()
		cur := p.cur
		p.cur = nil
		p.mu.Unlock()
		if cur != nil {
			cur.finish()
		}
		p.curInfo = nil
		p.curAborted = false
	}
	return nil
}

// beginPart parses one header block and opens the next part, enforcing
// the name-size and count limits before any body byte is accepted.
func (p *Parser) beginPart(block []byte) error {
	p.headers = parseHeaderBlock(block)

	cd := p.headers.Get("content-disposition")
	if cd == "" {
		return p.fail(NewFramingError("part missing Content-Disposition header", nil))
	}
	disposition, disp := parseContentDisposition(cd)
	if disposition != "form-data" {
		return p.fail(NewFramingError(
			fmt.Sprintf("unexpected disposition %q", disposition), nil))
	}

	if len(disp.name) > p.limits.FieldNameSize {
		p.emitLimit(LimitFieldNameSize, int64(p.limits.FieldNameSize))
		return p.fail(NewError(CodeLimitFieldNameSize, "field name exceeds size limit", nil))
	}

	// A filename parameter, even empty, marks the part as a file.
	if disp.hasFilename {
		if p.filesSeen >= p.limits.Files {
			p.emitLimit(LimitFiles, int64(p.limits.Files))
			return p.fail(NewError(CodeLimitFiles, "too many file parts", nil))
		}
		p.filesSeen++

		mimeType := p.headers.Get("content-type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		info := &FileInfo{
			FieldName: disp.name,
			Filename:  disp.filename,
			MimeType:  mimeType,
			Headers:   p.headers,
		}
		stream := newPartStream(info)
		p.mu.Lock()
		p.cur = stream
		p.mu.Unlock()
		p.curInfo = info
		// Without a consumer the stream's back-pressure would stall the
		// parser forever; drain the part instead.
		p.curAborted = p.h.OnFile == nil
		p.fileBytes = 0
		p.state = stateFileBody
		if p.h.OnFile != nil {
			p.h.OnFile(info, stream)
		}
		return nil
	}

	if p.fieldsSeen >= p.limits.Fields {
		p.emitLimit(LimitFields, int64(p.limits.Fields))
		return p.fail(NewError(CodeLimitFields, "too many field parts", nil))
	}
	p.fieldsSeen++
	p.fieldName = disp.name
	p.fieldBuf = p.fieldBuf[:0]
	p.state = stateFieldBody
	return nil
}

func (p *Parser) complete() error {
	p.state = stateDone
	p.buf = nil
	if !p.finishFired {
		p.finishFired = true
		if p.h.OnFinish != nil {
			p.h.OnFinish()
		}
	}
	return nil
}

// fail moves the parser to its terminal error state, destroys the active
// part stream, and emits the single terminal error event.
func (p *Parser) fail(err error) error {
	if p.err != nil {
		return p.err
	}
	p.err = err
	p.state = stateFailed
	p.destroyCur(err)
	if !p.errEmitted {
		p.errEmitted = true
		if p.h.OnError != nil {
			p.h.OnError(err)
		}
	}
	return err
}

func (p *Parser) destroyCur(err error) {
	p.mu.Lock()
	cur := p.cur
	p.cur = nil
	p.mu.Unlock()
	if cur != nil {
		cur.destroy(err)
	}
}

func (p *Parser) emitLimit(kind LimitKind, limit int64) {
	if p.h.OnLimit != nil {
		p.h.OnLimit(kind, limit)
	}
}
