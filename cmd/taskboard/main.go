// Command taskboard runs the task lifecycle service (spec.md §4.3): it
// depends on Identity for signature verification and on Central Bank to
// lock and release escrow as tasks move through their state machine.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/florianbuetow/agent-economy-sub001/board"
	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/config"
	"github.com/florianbuetow/agent-economy-sub001/httpkit"
	"github.com/florianbuetow/agent-economy-sub001/jws"
	"github.com/florianbuetow/agent-economy-sub001/sqlitedb"
)

func defaultConfig() config.Root {
	return config.Root{
		Service:     config.Service{Name: "taskboard", Version: "0.1.0"},
		Server:      config.Server{Host: "0.0.0.0", Port: 8083},
		Logging:     config.Logging{Level: "info"},
		Database:    config.Database{Path: "taskboard.db"},
		Identity:    config.ClientConfig{BaseURL: "http://localhost:8081", Timeout: 5 * time.Second},
		CentralBank: config.ClientConfig{BaseURL: "http://localhost:8082", Timeout: 5 * time.Second},
		Platform:    config.Platform{AgentID: "a-platform", PrivateKeyPath: "taskboard.key"},
		Assets:      config.Assets{MaxFileBytes: 10 << 20, MaxPerTask: 20, StorageDir: "assets"},
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
	if err := sqlitedb.Migrate(ctx, db, board.Schema()); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	platformKey, err := jws.LoadOrCreatePrivateKeyFile(cfg.Platform.PrivateKeyPath)
	if err != nil {
		log.Fatalf("load platform key: %v", err)
	}

	identityClient := clients.NewHTTPIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	bankClient := clients.NewHTTPBankClient(cfg.CentralBank.BaseURL, cfg.CentralBank.Timeout, cfg.Platform.AgentID, platformKey)

	repo := board.NewRepository(db)
	svc := board.NewService(repo, bankClient, identityClient, cfg.Platform.AgentID, cfg.Assets.StorageDir, cfg.Assets.MaxFileBytes, cfg.Assets.MaxPerTask)
	server := board.NewServer(svc, identityClient)

	mux := http.NewServeMux()
	server.Register(mux)
	startedAt := time.Now()
	mux.HandleFunc("/health", httpkit.HealthHandler(startedAt, nil))

	handler := httpkit.Chain(mux)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	log.Printf("taskboard listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
