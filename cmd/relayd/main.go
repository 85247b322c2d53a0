// Command relayd is the relay process entrypoint. It replaces the
// teacher's bare cmd/app (a single flag.Parse-then-run main) with a small
// cobra CLI, in the style adopted by the pack's kingrockw-filetransfer_go
// module, while keeping the teacher's getEnv-with-fallback idiom inside
// internal/config for the low-level per-flag environment overrides.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaydrop/internal/audit"
	"relaydrop/internal/conn"
	"relaydrop/internal/config"
	"relaydrop/internal/governor"
	"relaydrop/internal/httpapi"
	"relaydrop/internal/janitor"
	"relaydrop/internal/notify"
	"relaydrop/internal/presence"
	"relaydrop/internal/registry"
	"relaydrop/internal/registry/store"
	"relaydrop/internal/relay"
	"relaydrop/internal/xfer"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Room-scoped peer-to-peer file relay server",
	}
	root.AddCommand(serveCmd(), migrateCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relayd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run the transfer-history audit ledger's schema migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			store, err := audit.Open(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open audit store: %w", err)
			}
			defer store.Close()
			log.Println("[MIGRATE] transfer_history schema is up to date")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if port != 0 {
				cfg.Port = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override PORT")
	return cmd
}

func runServe(cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	catalog := registry.New(
		store.NewJSONFile(filepath.Join(cfg.DataDir, "devices.json")),
		store.NewJSONFile(filepath.Join(cfg.DataDir, "rooms.json")),
	)
	if err := catalog.Load(); err != nil {
		log.Printf("[STORE] catalog load: %v (starting empty)", err)
	}

	gov := governor.NewWithLimits(cfg.MaxMemoryMB*1024*1024, cfg.MaxMemoryMB*1024*1024*8/10, cfg.MaxConcurrent)
	engine := xfer.NewEngine(catalog, gov)
	pres := presence.New(catalog)

	hub := relay.New(catalog, gov, engine, pres)

	if cfg.DatabaseURL != "" {
		if auditStore, err := audit.Open(cfg.DatabaseURL); err != nil {
			log.Printf("[AUDIT] disabled: %v", err)
		} else {
			hub.SetAudit(auditStore)
			defer auditStore.Close()
		}
	}

	mailer := notify.NewMailer(cfg.SMTPFrom, cfg.SMTPPass)
	if mailer.Enabled() {
		hub.SetNotifier(mailer)
	}

	manager := conn.NewManager(catalog, gov, hub)

	j := janitor.New(catalog, engine, gov, pres, manager, cfg.UploadDir)
	go j.Run()
	defer j.Stop()

	api := httpapi.NewServer(cfg, catalog, gov, engine, manager)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("[SERVE] relaydrop listening on %s (data=%s upload=%s)", addr, cfg.DataDir, cfg.UploadDir)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	// spec §6: exit 0 on SIGINT after flushing registries and closing all
	// channels with normal closure and a 1s grace.
	log.Println("[SERVE] shutting down: flushing registries and closing channels")
	manager.CloseAll("server_shutdown")
	catalog.Flush(1 * time.Second)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[SERVE] shutdown: %v", err)
	}
	return nil
}
