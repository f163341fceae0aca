// Command identity runs the agent registry and JWS-verification service
// (spec.md §4.1): every other service depends on it, and it depends on
// nothing.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/florianbuetow/agent-economy-sub001/config"
	"github.com/florianbuetow/agent-economy-sub001/httpkit"
	"github.com/florianbuetow/agent-economy-sub001/identity"
	"github.com/florianbuetow/agent-economy-sub001/sqlitedb"
)

func defaultConfig() config.Root {
	return config.Root{
		Service:  config.Service{Name: "identity", Version: "0.1.0"},
		Server:   config.Server{Host: "0.0.0.0", Port: 8081},
		Logging:  config.Logging{Level: "info"},
		Database: config.Database{Path: "identity.db"},
	}
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"), defaultConfig())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sqlitedb.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := sqlitedb.Migrate(ctx, db, identity.Schema()); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	repo := identity.NewSQLiteRepository(db)
	svc := identity.NewService(repo)
	if cfg.Registration.SecretHash != "" {
		svc.RequireRegistrationSecret(cfg.Registration.SecretHash)
	}
	server := identity.NewServer(svc)

	mux := http.NewServeMux()
	server.Register(mux)
	startedAt := time.Now()
	mux.HandleFunc("/health", httpkit.HealthHandler(startedAt, nil))

	handler := httpkit.Chain(mux)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	log.Printf("identity listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
