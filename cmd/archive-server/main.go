// Package main provides the archive authority server. It exposes a local
// directory as an authority store that archivist clients reach over HTTP.
package main

import (
	"context"
	"errors"
	goflag "flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/archivist-dev/archivist/pkg/storage"
)

func main() {
	var (
		listenAddr  string
		root        string
		secret      string
		compress    bool
		corsOrigins string
		maxUpload   int64
		issueScope  string
		subject     string
		tokenTTL    time.Duration
	)

	pflag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	pflag.StringVar(&root, "root", "/var/lib/archivist", "Directory holding archive contents")
	pflag.StringVar(&secret, "token-secret", "", "HS256 secret for bearer tokens (or ARCHIVIST_TOKEN_SECRET); empty disables auth")
	pflag.BoolVar(&compress, "compress", false, "Keep contents zstd-compressed at rest")
	pflag.StringVar(&corsOrigins, "cors-origins", "", "Comma-separated list of allowed CORS origins")
	pflag.Int64Var(&maxUpload, "max-upload-bytes", storage.DefaultMaxUploadBytes, "Largest accepted upload")
	pflag.StringVar(&issueScope, "issue-token", "", "Print a token with the given scope (read or write) and exit")
	pflag.StringVar(&subject, "token-subject", "archivist", "Subject of an issued token")
	pflag.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of an issued token; 0 for no expiry")
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	pflag.Parse()

	if secret == "" {
		secret = os.Getenv("ARCHIVIST_TOKEN_SECRET")
	}

	_ = goflag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if issueScope != "" {
		token, err := storage.IssueToken([]byte(secret), subject, issueScope, tokenTTL)
		if err != nil {
			glog.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	var store storage.Store
	local, err := storage.NewLocalStore(root)
	if err != nil {
		glog.Fatalf("Failed to open store root: %v", err)
	}
	store = local
	if compress {
		store = storage.NewCompressedStore(local)
	}

	opts := []storage.HandlerOption{
		storage.WithHandlerLogger(logger),
		storage.WithMaxUploadBytes(maxUpload),
	}
	if secret != "" {
		opts = append(opts, storage.WithTokenSecret([]byte(secret)))
	}
	if corsOrigins != "" {
		opts = append(opts, storage.WithCORSOrigins(strings.Split(corsOrigins, ",")...))
	}

	logger.Info("starting archive server",
		"listen", listenAddr,
		"root", local.Root(),
		"compress", compress,
		"auth", secret != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           storage.NewHandler(store, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("archive server stopped")
}
