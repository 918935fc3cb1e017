package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/redberryproducts/mailbox/internal/api"
	"github.com/redberryproducts/mailbox/internal/attachments"
	"github.com/redberryproducts/mailbox/internal/capture"
	"github.com/redberryproducts/mailbox/internal/cidrewrite"
	"github.com/redberryproducts/mailbox/internal/config"
	"github.com/redberryproducts/mailbox/internal/sse"
	"github.com/redberryproducts/mailbox/internal/store"
	"github.com/redberryproducts/mailbox/internal/transport"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx := context.Background()

	messageStore, err := store.NewManager().Open(ctx, store.Config{
		Driver: cfg.StoreDriver,
		Path:   cfg.MailboxPath,
		DBPath: cfg.DBPath,
	})
	if err != nil {
		logger.Error("open message store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer messageStore.Close()

	var attachmentStore *attachments.Store
	if sqliteStore, ok := messageStore.(*store.SQLiteStore); ok {
		attachmentStore, err = attachments.New(ctx, sqliteStore.DB(), cfg.AttachmentsPath)
	} else {
		attachmentStore, err = attachments.Open(ctx, cfg.AttachmentsDB, cfg.AttachmentsPath)
	}
	if err != nil {
		logger.Error("open attachment store", "error", err)
		os.Exit(1)
	}

	hub := sse.NewHub()
	service := capture.New(messageStore, attachmentStore, logger)
	mailTransport := transport.New(service, hub, logger)
	rewriter := cidrewrite.New(attachmentStore, api.InlineURL)
	apiServer := api.NewServer(cfg, service, mailTransport, rewriter, hub, logger)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:    httpAddr,
		Handler: apiServer,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if cfg.RetentionSeconds > 0 {
		go runJanitor(janitorCtx, service, cfg.RetentionSeconds, logger)
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr, "driver", cfg.StoreDriver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
}

// runJanitor purges messages past the retention window once a minute.
func runJanitor(ctx context.Context, service *capture.Service, retention int64, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := service.PurgeOlderThan(ctx, retention); err != nil {
				logger.Warn("purge mailbox", "error", err)
			}
		}
	}
}
