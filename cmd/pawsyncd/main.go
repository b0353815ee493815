// ABOUTME: pawsyncd is the reference sync server for pawsync clients.
// ABOUTME: Serves the private/shared partition contract over HTTP with SQLite storage.

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	var (
		addr     = flag.String("addr", ":8787", "listen address")
		dbPath   = flag.String("db", "pawsyncd.db", "path to SQLite record store")
		tokens   = flag.String("tokens", "", "comma-separated identity=token pairs")
		shareKey = flag.String("share-key", "", "HMAC key for share invite claims")
		logLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logJSON  = flag.Bool("log-json", true, "log as JSON (false for console)")
		logFile  = flag.String("log-file", "", "optional rotating log file path")
	)
	flag.Parse()

	log, err := buildLogger(*logLevel, *logJSON, *logFile)
	if err != nil {
		os.Stderr.WriteString("logger init failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if *shareKey == "" {
		log.Fatal("share-key is required")
	}
	tokenMap, err := parseTokens(*tokens)
	if err != nil {
		log.Fatal("invalid tokens flag", zap.Error(err))
	}
	if len(tokenMap) == 0 {
		log.Fatal("at least one identity=token pair is required")
	}

	store, err := openServerStore(*dbPath)
	if err != nil {
		log.Fatal("open store failed", zap.Error(err))
	}
	defer func() {
		_ = store.Close()
	}()

	srv := &server{
		store:    store,
		log:      log,
		tokens:   tokenMap,
		shareKey: []byte(*shareKey),
		limiters: newRateLimiterStore(DefaultRateLimitConfig()),
	}

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("pawsyncd listening", zap.String("addr", *addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	log.Info("pawsyncd stopped")
}

// parseTokens reads "identity=token,identity2=token2" into token->identity.
func parseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		identity, token, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || identity == "" || token == "" {
			return nil, errors.New("expected identity=token, got " + pair)
		}
		out[token] = identity
	}
	return out, nil
}

// buildLogger builds a zap logger, optionally teeing to a rotating file.
func buildLogger(level string, jsonFormat bool, file string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	sink := zapcore.AddSync(os.Stdout)
	if file != "" {
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		})
		sink = zapcore.NewMultiWriteSyncer(sink, rotating)
	}

	core := zapcore.NewCore(enc, sink, lvl)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "pawsyncd")), nil
}

// identity plumbing for handlers.

type ctxKey struct{}

func contextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

func identityFrom(r *http.Request) string {
	identity, _ := r.Context().Value(ctxKey{}).(string)
	return identity
}
