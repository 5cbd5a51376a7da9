// Command fluxgate-server runs a minimal upload endpoint around the
// framework: one POST route that streams multipart bodies through the
// configured pipeline, with connection limiting and config hot-reload.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/TheEntropyCollective/fluxgate/pkg/fluxgate"
	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"

	"github.com/TheEntropyCollective/fluxgate/pkg/plugins/validators"

	// Registry side effects: the bundled plugins self-register.
	_ "github.com/TheEntropyCollective/fluxgate/pkg/plugins/storage"
	_ "github.com/TheEntropyCollective/fluxgate/pkg/plugins/transformers"
)

type server struct {
	logger *logging.Logger

	mu       sync.RWMutex
	uploader *fluxgate.Uploader
}

func main() {
	configPath := flag.String("config", "fluxgate.json", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	if level, lerr := logging.ParseLogLevel(cfg.Logging.Level); lerr == nil {
		gcfg := logging.DefaultConfig()
		gcfg.Level = level
		if cfg.Logging.Format == "json" {
			gcfg.Format = logging.JSONFormat
		}
		logging.InitGlobalLogger(gcfg)
	}

	ctx := context.Background()
	srv := &server{logger: logger.WithComponent("server")}

	uploader, err := buildUploader(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build uploader: %v\n", err)
		os.Exit(1)
	}
	srv.uploader = uploader

	watcher, err := config.WatchConfig(*configPath, func(next *config.Config) {
		srv.swapUploader(ctx, next, logger)
	}, logger.WithComponent("config"))
	if err != nil {
		srv.logger.Warnf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	router := mux.NewRouter()
	router.HandleFunc("/upload", srv.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/healthz", srv.handleHealth).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen on %s: %v\n", addr, err)
		os.Exit(1)
	}
	listener = netutil.LimitListener(listener, cfg.Server.MaxConnections)

	httpServer := &http.Server{Handler: router}
	go func() {
		srv.logger.Infof("listening on %s", addr)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Errorf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		srv.logger.Warnf("server shutdown: %v", err)
	}
	srv.mu.RLock()
	uploader = srv.uploader
	srv.mu.RUnlock()
	if err := uploader.Shutdown(shutdownCtx); err != nil {
		srv.logger.Warnf("uploader shutdown: %v", err)
	}
}

func buildUploader(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*fluxgate.Uploader, error) {
	validators, transformers, storage, err := cfg.BuildChain()
	if err != nil {
		return nil, err
	}

	uploader, err := fluxgate.New(&fluxgate.Config{
		Limits:       cfg.Limits,
		Validators:   validators,
		Transformers: transformers,
		Storage:      storage,
		Logger:       logger.WithComponent("fluxgate"),
	})
	if err != nil {
		return nil, err
	}
	if err := uploader.Initialize(ctx); err != nil {
		return nil, err
	}
	return uploader, nil
}

// swapUploader rebuilds the pipeline from a reloaded configuration and
// retires the previous one.
func (s *server) swapUploader(ctx context.Context, cfg *config.Config, logger *logging.Logger) {
	next, err := buildUploader(ctx, cfg, logger)
	if err != nil {
		s.logger.Warnf("keeping previous configuration, rebuild failed: %v", err)
		return
	}

	s.mu.Lock()
	prev := s.uploader
	s.uploader = next
	s.mu.Unlock()

	if err := prev.Shutdown(ctx); err != nil {
		s.logger.Warnf("previous uploader shutdown: %v", err)
	}
	s.logger.Info("pipeline rebuilt from reloaded configuration")
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	uploader := s.uploader
	s.mu.RUnlock()

	result, err := uploader.ProcessRequest(r.Context(), r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError maps stable error codes onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := multipart.ErrCode(err)
	if code == "" {
		code = pipeline.ErrCode(err)
	}

	switch code {
	case multipart.CodeFramingError, multipart.CodeInvalidStream:
		status = http.StatusBadRequest
	case multipart.CodeLimitFileSize, multipart.CodeLimitTotalSize, multipart.CodeLimitFieldSize:
		status = http.StatusRequestEntityTooLarge
	case multipart.CodeLimitFiles, multipart.CodeLimitFields, multipart.CodeLimitFieldNameSize:
		status = http.StatusBadRequest
	case pipeline.CodeValidationFailed:
		status = http.StatusUnprocessableEntity
	case pipeline.CodeCSRFRejected:
		status = http.StatusForbidden
	case pipeline.CodeRateLimited:
		status = http.StatusTooManyRequests
		var rle *validators.RateLimitError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rle.RetryAfter.Seconds())+1))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}
