package transformers

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindTransformer, "compress", func(cfg map[string]any) (pipeline.Plugin, error) {
		c := CompressConfig{}
		if v, ok := cfg["format"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("config key \"format\": expected string, got %T", v)
			}
			c.Format = s
		}
		if v, ok := cfg["level"]; ok {
			switch n := v.(type) {
			case int:
				c.Level = n
			case float64:
				c.Level = int(n)
			default:
				return nil, fmt.Errorf("config key \"level\": expected number, got %T", v)
			}
		}
		return NewCompressTransformer(c), nil
	})
}

// CompressConfig configures the compress transformer.
type CompressConfig struct {
	// Format selects gzip (default) or zstd.
	Format string
	// Level is the gzip compression level; 0 means the default. zstd
	// uses its own default and ignores this.
	Level int
}

// CompressTransformer re-streams the part body through a compressor. The
// stored key gains the format's extension via the naming strategy.
type CompressTransformer struct {
	pipeline.NopPlugin
	cfg CompressConfig
}

// NewCompressTransformer creates a compress transformer.
func NewCompressTransformer(cfg CompressConfig) *CompressTransformer {
	if cfg.Format == "" {
		cfg.Format = "gzip"
	}
	if cfg.Level == 0 {
		cfg.Level = gzip.DefaultCompression
	}
	return &CompressTransformer{cfg: cfg}
}

func (t *CompressTransformer) Name() string { return "compress" }

func (t *CompressTransformer) ValidateConfig() error {
	switch t.cfg.Format {
	case "gzip":
		if t.cfg.Level < gzip.HuffmanOnly || t.cfg.Level > gzip.BestCompression {
			return fmt.Errorf("invalid gzip level %d", t.cfg.Level)
		}
	case "zstd":
	default:
		return fmt.Errorf("unknown compression format %q", t.cfg.Format)
	}
	return nil
}

func (t *CompressTransformer) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	src := pc.Stream
	pr, pw := io.Pipe()

	switch t.cfg.Format {
	case "gzip":
		zw, err := gzip.NewWriterLevel(pw, t.cfg.Level)
		if err != nil {
			pw.Close()
			return nil, pipeline.NewError(pipeline.CodePipelineError, "compress", "failed to create gzip writer", err)
		}
		go pump(src, pw, zw)
		pc.Metadata[pipeline.MetaStoredSuffix] = ".gz"
	case "zstd":
		zw, err := zstd.NewWriter(pw)
		if err != nil {
			pw.Close()
			return nil, pipeline.NewError(pipeline.CodePipelineError, "compress", "failed to create zstd writer", err)
		}
		go pump(src, pw, zw)
		pc.Metadata[pipeline.MetaStoredSuffix] = ".zst"
	default:
		pw.Close()
		return nil, pipeline.NewError(pipeline.CodePipelineError, "compress",
			fmt.Sprintf("unknown compression format %q", t.cfg.Format), nil)
	}

	pc.Metadata[pipeline.MetaCompressed] = true
	pc.Metadata[pipeline.MetaCompressionType] = t.cfg.Format
	pc.Stream = pr
	return pc, nil
}

// pump drives the source through the compressor into the pipe. The
// consumer observes a source read error, a compressor error, or a clean
// EOF — in that priority order.
func pump(src io.Reader, pw *io.PipeWriter, zw io.WriteCloser) {
	_, err := io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	pw.CloseWithError(err)
}
