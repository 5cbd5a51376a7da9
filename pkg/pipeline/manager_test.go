package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
)

// recorder tracks process/cleanup invocations across a set of fakes.
type recorder struct {
	mu       sync.Mutex
	order    []string
	cleanups []string
}

func (r *recorder) processed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) cleaned(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, name)
}

// fakePlugin is a scriptable validator/transformer.
type fakePlugin struct {
	NopPlugin
	name       string
	rec        *recorder
	processErr error
	cleanupErr error
	mutate     func(pc *Context) *Context
}

func (f *fakePlugin) Name() string { return f.name }

func (f *fakePlugin) Process(ctx context.Context, pc *Context) (*Context, error) {
	if f.processErr != nil {
		return nil, f.processErr
	}
	f.rec.processed(f.name)
	if f.mutate != nil {
		return f.mutate(pc), nil
	}
	return pc, nil
}

func (f *fakePlugin) Cleanup(ctx context.Context, pc *Context, cause error) error {
	f.rec.cleaned(f.name)
	return f.cleanupErr
}

// fakeSink consumes the stream into memory; failAfter injects a failure
// once that many bytes are read.
type fakeSink struct {
	NopPlugin
	name      string
	rec       *recorder
	failAfter int64

	mu      sync.Mutex
	data    []byte
	deleted []string
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Process(ctx context.Context, pc *Context) (*Context, error) {
	var data []byte
	buf := make([]byte, 1024)
	for {
		n, err := pc.Stream.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if f.failAfter > 0 && int64(len(data)) >= f.failAfter {
				return nil, NewError(CodeStorageFailed, f.name, "injected sink failure", nil)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
	f.rec.processed(f.name)

	pc.Storage = &StorageResult{Backend: f.name, Key: f.name + "-key", Size: int64(len(data))}
	return pc, nil
}

func (f *fakeSink) Cleanup(ctx context.Context, pc *Context, cause error) error {
	f.rec.cleaned(f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if pc.Storage != nil && pc.Storage.Backend == f.name {
		f.deleted = append(f.deleted, pc.Storage.Key)
		f.data = nil
	}
	return nil
}

func (f *fakeSink) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeSink) stored() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data
}

func testContext(payload string) *Context {
	info := &multipart.FileInfo{FieldName: "f", Filename: "x.bin", MimeType: "application/octet-stream"}
	return NewContext(strings.NewReader(payload), info, nil)
}

func TestManagerRequiresStorage(t *testing.T) {
	_, err := NewManager(nil, nil, nil, nil)
	require.Error(t, err)
}

func TestManagerSuccessNoCleanup(t *testing.T) {
	rec := &recorder{}
	v := &fakePlugin{name: "v", rec: rec}
	tr := &fakePlugin{name: "t", rec: rec}
	sink := &fakeSink{name: "sink", rec: rec}

	m, err := NewManager([]Plugin{v}, []Plugin{tr}, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	res, err := m.Run(context.Background(), testContext("hello"))
	require.NoError(t, err)

	assert.Equal(t, []string{"v", "t", "sink"}, rec.order)
	assert.Empty(t, rec.cleanups)
	assert.Equal(t, "hello", string(sink.stored()))
	require.Len(t, res.Storage, 1)
	assert.Equal(t, int64(5), res.Size)
	assert.Equal(t, "x.bin", res.Filename)
}

func TestManagerReverseCleanupOnSinkFailure(t *testing.T) {
	rec := &recorder{}
	v1 := &fakePlugin{name: "v1", rec: rec}
	v2 := &fakePlugin{name: "v2", rec: rec}
	tr := &fakePlugin{name: "t1", rec: rec}
	sink := &fakeSink{name: "sink", rec: rec, failAfter: 1}

	m, err := NewManager([]Plugin{v1, v2}, []Plugin{tr}, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), testContext("payload"))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeStorageFailed))

	// Everything that returned from Process unwinds in reverse order;
	// the failing sink itself receives no cleanup.
	assert.Equal(t, []string{"v1", "v2", "t1"}, rec.order)
	assert.Equal(t, []string{"t1", "v2", "v1"}, rec.cleanups)
}

func TestManagerFailingValidatorShortCircuits(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("rejected")
	v1 := &fakePlugin{name: "v1", rec: rec}
	v2 := &fakePlugin{name: "v2", rec: rec, processErr: boom}
	sink := &fakeSink{name: "sink", rec: rec}

	m, err := NewManager([]Plugin{v1, v2}, nil, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), testContext("data"))
	require.ErrorIs(t, err, boom)

	// v2 failed and is not on the ledger; only v1 cleans up. The sink
	// never ran.
	assert.Equal(t, []string{"v1"}, rec.order)
	assert.Equal(t, []string{"v1"}, rec.cleanups)
}

func TestManagerCleanupErrorDoesNotMask(t *testing.T) {
	rec := &recorder{}
	v := &fakePlugin{name: "v", rec: rec, cleanupErr: errors.New("cleanup exploded")}
	sink := &fakeSink{name: "sink", rec: rec, failAfter: 1}

	m, err := NewManager([]Plugin{v}, nil, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), testContext("data"))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeStorageFailed))
	assert.Equal(t, []string{"v"}, rec.cleanups)
}

func TestManagerRejectsNilContext(t *testing.T) {
	rec := &recorder{}
	v := &fakePlugin{name: "v", rec: rec, mutate: func(pc *Context) *Context { return nil }}
	sink := &fakeSink{name: "sink", rec: rec}

	m, err := NewManager([]Plugin{v}, nil, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), testContext("data"))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodePipelineError))
}

func TestManagerRejectsTransformerWithoutStream(t *testing.T) {
	rec := &recorder{}
	tr := &fakePlugin{name: "t", rec: rec, mutate: func(pc *Context) *Context {
		pc.Stream = nil
		return pc
	}}
	sink := &fakeSink{name: "sink", rec: rec}

	m, err := NewManager(nil, []Plugin{tr}, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), testContext("data"))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeInvalidStream))
}

func TestManagerMetadataMonotonicity(t *testing.T) {
	rec := &recorder{}
	setter := &fakePlugin{name: "setter", rec: rec, mutate: func(pc *Context) *Context {
		pc.Metadata["observed"] = true
		return pc
	}}
	remover := &fakePlugin{name: "remover", rec: rec, mutate: func(pc *Context) *Context {
		delete(pc.Metadata, "observed")
		return pc
	}}
	sink := &fakeSink{name: "sink", rec: rec}

	m, err := NewManager([]Plugin{setter, remover}, nil, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), testContext("data"))
	require.Error(t, err)
	assert.True(t, IsCode(err, CodePipelineError))
	assert.Contains(t, err.Error(), "observed")
}

func TestManagerFanOutBothSucceed(t *testing.T) {
	rec := &recorder{}
	s1 := &fakeSink{name: "s1", rec: rec}
	s2 := &fakeSink{name: "s2", rec: rec}

	m, err := NewManager(nil, nil, []StoragePlugin{s1, s2}, nil)
	require.NoError(t, err)

	payload := strings.Repeat("z", 8192)
	res, err := m.Run(context.Background(), testContext(payload))
	require.NoError(t, err)

	require.Len(t, res.Storage, 2)
	assert.Equal(t, "s1", res.Storage[0].Backend)
	assert.Equal(t, "s2", res.Storage[1].Backend)
	assert.Equal(t, payload, string(s1.stored()))
	assert.Equal(t, payload, string(s2.stored()))
	assert.Empty(t, rec.cleanups)
}

// TestManagerFanOutFirstSinkFails is the atomicity scenario: the first
// sink fails partway through a 12 KiB file; the second sink is asked to
// clean up and no partially visible artifact remains.
func TestManagerFanOutFirstSinkFails(t *testing.T) {
	rec := &recorder{}
	s1 := &fakeSink{name: "s1", rec: rec, failAfter: 5 * 1024}
	s2 := &fakeSink{name: "s2", rec: rec}

	m, err := NewManager(nil, nil, []StoragePlugin{s1, s2}, nil)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("q"), 12*1024)
	info := &multipart.FileInfo{FieldName: "f", Filename: "big.bin"}
	_, err = m.Run(context.Background(), NewContext(bytes.NewReader(payload), info, nil))

	require.Error(t, err)
	assert.True(t, IsCode(err, CodeStorageFailed))

	rec.mu.Lock()
	cleanups := append([]string(nil), rec.cleanups...)
	rec.mu.Unlock()
	// The surviving sink cleans up; the originator does not.
	assert.Contains(t, cleanups, "s2")
	assert.NotContains(t, cleanups, "s1")
	assert.Empty(t, s2.stored())
}

func TestManagerFanOutSourceErrorCleansAllSinks(t *testing.T) {
	rec := &recorder{}
	s1 := &fakeSink{name: "s1", rec: rec}
	s2 := &fakeSink{name: "s2", rec: rec}

	m, err := NewManager(nil, nil, []StoragePlugin{s1, s2}, nil)
	require.NoError(t, err)

	srcErr := multipart.NewError(multipart.CodeCancelled, "request cancelled", nil)
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("partial"))
		pw.CloseWithError(srcErr)
	}()

	info := &multipart.FileInfo{FieldName: "f", Filename: "x"}
	_, err = m.Run(context.Background(), NewContext(pr, info, nil))

	require.Error(t, err)
	assert.True(t, multipart.IsCode(err, multipart.CodeCancelled))
	assert.ElementsMatch(t, []string{"s1", "s2"}, rec.cleanups)
}

func TestManagerPluginsOrder(t *testing.T) {
	rec := &recorder{}
	v := &fakePlugin{name: "v", rec: rec}
	tr := &fakePlugin{name: "t", rec: rec}
	sink := &fakeSink{name: "s", rec: rec}

	m, err := NewManager([]Plugin{v}, []Plugin{tr}, []StoragePlugin{sink}, nil)
	require.NoError(t, err)

	var names []string
	for _, p := range m.Plugins() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"v", "t", "s"}, names)
}

func TestRegistryRoundTrip(t *testing.T) {
	RegisterPlugin(KindValidator, "test_fake", func(cfg map[string]any) (Plugin, error) {
		name, _ := cfg["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("name required")
		}
		return &fakePlugin{name: name, rec: &recorder{}}, nil
	})

	p, err := CreatePlugin(KindValidator, "test_fake", map[string]any{"name": "built"})
	require.NoError(t, err)
	assert.Equal(t, "built", p.Name())

	_, err = CreatePlugin(KindValidator, "test_fake", map[string]any{})
	require.Error(t, err)

	_, err = CreatePlugin(KindValidator, "never_registered", nil)
	require.Error(t, err)

	assert.Contains(t, RegisteredPlugins(KindValidator), "test_fake")
}
