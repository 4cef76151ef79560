// Package main is the entry point for the BleepStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/datawrapper"
	"github.com/bleepstore/bleepstore/internal/gateway"
	"github.com/bleepstore/bleepstore/internal/gatewaystorage"
	"github.com/bleepstore/bleepstore/internal/handlers"
	"github.com/bleepstore/bleepstore/internal/kms"
	"github.com/bleepstore/bleepstore/internal/location"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/server"
	"github.com/bleepstore/bleepstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	// Crash-only design: every startup is recovery.
	// No special recovery mode. Steps that would normally be "recovery" run on
	// every boot:
	// - SQLite WAL auto-recovers on open
	// - Temp file cleanup (below)
	// - Deleted-bucket sweep (below)
	// - Default credential seeding (below)

	// Initialize SQLite metadata store.
	dbPath := cfg.Metadata.SQLite.Path
	// Ensure parent directory exists.
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create metadata directory: %v\n", err)
		os.Exit(1)
	}
	metaStore, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	// Seed default credentials (idempotent — crash-only recovery step).
	if err := seedDefaultCredentials(metaStore, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed credentials: %v\n", err)
		os.Exit(1)
	}

	// Build one backend client per configured location constraint (C2), then
	// layer the Multi-Backend Gateway (C4), the Data Wrapper (C5), and the
	// storage.StorageBackend adapter that lets every existing handler keep
	// talking to a single backend interface regardless of how many
	// locations are actually configured.
	if err := os.MkdirAll(cfg.Storage.Local.RootDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create local storage root directory: %v\n", err)
		os.Exit(1)
	}
	registry, err := location.NewRegistry(context.Background(), cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build location registry: %v\n", err)
		os.Exit(1)
	}
	for name, c := range registry.All() {
		log.Printf("Storage location %q: type=%s bucket_match=%v", name, c.Type, c.BucketMatch)
		if lb, ok := c.Backend.(*storage.LocalBackend); ok {
			if err := lb.CleanTempFiles(); err != nil {
				log.Printf("Warning: failed to clean temp files for location %q: %v", name, err)
			}
		}
	}

	gw := gateway.New(registry)
	keyManager := kms.NewMemoryKeyManager()
	wrapper := datawrapper.New(gw, keyManager)
	storageBackend := gatewaystorage.New(metaStore, gw, wrapper)

	// Sweep any bucket left marked-deleted by a crash between the mark and
	// finalise stages of a prior deletion (Stage 7 crash-only recovery).
	if err := reapDeletedBuckets(metaStore, keyManager, cfg.Auth.AccessKey); err != nil {
		log.Printf("Warning: bucket deletion sweep error: %v", err)
	}

	srv, err := server.New(cfg, metaStore, server.WithStorageBackend(storageBackend), server.WithGateway(gw, wrapper))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("BleepStore listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)

		// Give in-flight requests up to 30 seconds to complete.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// seedDefaultCredentials creates the default credential record from the config
// if it does not already exist. This runs on every startup as part of
// crash-only recovery.
func seedDefaultCredentials(store *metadata.SQLiteStore, cfg *config.Config) error {
	ctx := context.Background()

	// Check if the default credential already exists.
	existing, err := store.GetCredential(ctx, cfg.Auth.AccessKey)
	if err != nil {
		return fmt.Errorf("checking default credential: %w", err)
	}
	if existing != nil {
		// Already seeded. Nothing to do.
		return nil
	}

	cred := &metadata.CredentialRecord{
		AccessKeyID: cfg.Auth.AccessKey,
		SecretKey:   cfg.Auth.SecretKey,
		OwnerID:     cfg.Auth.AccessKey,
		DisplayName: cfg.Auth.AccessKey,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("seeding default credential: %w", err)
	}
	log.Printf("Seeded default credentials for access key %q", cfg.Auth.AccessKey)
	return nil
}

// reapDeletedBuckets runs the invisible-delete sweeper over every bucket
// owned by owner, recovering from a crash between the mark and finalise
// stages of bucket deletion (Stage 7 crash-only recovery).
func reapDeletedBuckets(metaStore *metadata.SQLiteStore, keys kms.KeyManager, owner string) error {
	ctx := context.Background()
	names, err := metaStore.ListBucketsForOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("listing buckets for owner: %w", err)
	}
	handlers.ReapDeletedBuckets(ctx, metaStore, keys, names)
	return nil
}
