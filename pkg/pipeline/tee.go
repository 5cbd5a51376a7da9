package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
)

// errSinkAborted terminates sibling sinks once one sink has failed.
var errSinkAborted = errors.New("sibling storage sink failed")

// teeChunkSize is the unit the fan-out copies in. Small enough that the
// slowest sink's back-pressure reaches the parser promptly.
const teeChunkSize = 32 << 10

// fanOut multiplexes one file stream into every configured sink. Each
// sink consumes its own pipe in a goroutine while this goroutine feeds
// chunks to all pipes sequentially, so the slowest sink governs the read
// rate of the shared source.
//
// All sinks must succeed. On any failure every sink except the one that
// originated it is asked to clean up (the originator's failed Process is
// assumed self-consistent), and the originating error is returned.
// Cleanup failures are logged as orphaned artifacts and never mask the
// original error.
func (m *Manager) fanOut(ctx context.Context, pc *Context, sinks []StoragePlugin) ([]*StorageResult, error) {
	type sinkRun struct {
		sink   StoragePlugin
		pc     *Context
		pr     *io.PipeReader
		pw     *io.PipeWriter
		dead   bool
		result *StorageResult
		err    error
	}

	runs := make([]*sinkRun, len(sinks))
	for i, s := range sinks {
		pr, pw := io.Pipe()
		runs[i] = &sinkRun{sink: s, pc: pc.forSink(pr), pr: pr, pw: pw}
	}

	var (
		wg        sync.WaitGroup
		firstOnce sync.Once
		firstErr  error
		firstIdx  = -1
	)
	abort := func(idx int, err error) {
		firstOnce.Do(func() {
			firstErr, firstIdx = err, idx
			for _, r := range runs {
				r.pw.CloseWithError(errSinkAborted)
			}
		})
	}

	for i := range runs {
		r, idx := runs[i], i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.sink.Process(ctx, r.pc)
			if err == nil && (out == nil || out.Storage == nil) {
				err = NewError(CodePipelineError, r.sink.Name(),
					"storage returned context without result", nil)
			}
			if err != nil {
				r.err = err
				r.pr.CloseWithError(err)
				abort(idx, err)
				return
			}
			r.result = out.Storage
			r.pr.Close()
		}()
	}

	var srcErr error
	buf := make([]byte, teeChunkSize)
	for {
		n, rerr := pc.Stream.Read(buf)
		if n > 0 {
			alive := 0
			for _, r := range runs {
				if r.dead {
					continue
				}
				if _, werr := r.pw.Write(buf[:n]); werr != nil {
					r.dead = true
					continue
				}
				alive++
			}
			if alive == 0 {
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				srcErr = rerr
				for _, r := range runs {
					r.pw.CloseWithError(rerr)
				}
			} else {
				for _, r := range runs {
					r.pw.Close()
				}
			}
			break
		}
	}
	wg.Wait()

	cause, causeIdx := firstErr, firstIdx
	if srcErr != nil {
		// A failed source is nobody's fault downstream: the sinks all
		// observed it through their pipes, so all of them clean up.
		cause, causeIdx = srcErr, -1
	}
	if cause != nil {
		for i, r := range runs {
			if i == causeIdx {
				continue
			}
			if cerr := r.sink.Cleanup(ctx, r.pc, cause); cerr != nil {
				key := ""
				if r.result != nil {
					key = r.result.Key
				}
				m.logger.Warnf("orphaned artifact possible: sink %s cleanup failed (key %q): %v",
					r.sink.Name(), key, cerr)
			}
		}
		return nil, cause
	}

	results := make([]*StorageResult, len(runs))
	for i, r := range runs {
		results[i] = r.result
	}
	return results, nil
}
