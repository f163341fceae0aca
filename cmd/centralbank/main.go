// Command centralbank runs the escrow ledger service (spec.md §4.2): it
// depends on Identity to verify every signed request it receives.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/florianbuetow/agent-economy-sub001/bank"
	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/config"
	"github.com/florianbuetow/agent-economy-sub001/httpkit"
	"github.com/florianbuetow/agent-economy-sub001/sqlitedb"
)

func defaultConfig() config.Root {
	return config.Root{
		Service:  config.Service{Name: "centralbank", Version: "0.1.0"},
		Server:   config.Server{Host: "0.0.0.0", Port: 8082},
		Logging:  config.Logging{Level: "info"},
		Database: config.Database{Path: "centralbank.db"},
		Identity: config.ClientConfig{BaseURL: "http://localhost:8081", Timeout: 5 * time.Second},
		Platform: config.Platform{AgentID: "a-platform"},
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
	if err := sqlitedb.Migrate(ctx, db, bank.Schema()); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	identityClient := clients.NewHTTPIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)

	repo := bank.NewRepository(db)
	svc := bank.NewService(repo, cfg.Platform.AgentID)
	server := bank.NewServer(svc, identityClient)

	mux := http.NewServeMux()
	server.Register(mux)
	startedAt := time.Now()
	mux.HandleFunc("/health", httpkit.HealthHandler(startedAt, nil))

	handler := httpkit.Chain(mux)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	log.Printf("centralbank listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
