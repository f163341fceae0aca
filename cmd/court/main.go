// Command court runs the dispute resolution service (spec.md §4.4): it
// depends on Identity, Central Bank, and Task Board, and fans disputes out
// to a panel of judges before splitting escrow.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/florianbuetow/agent-economy-sub001/clients"
	"github.com/florianbuetow/agent-economy-sub001/config"
	"github.com/florianbuetow/agent-economy-sub001/court"
	"github.com/florianbuetow/agent-economy-sub001/httpkit"
	"github.com/florianbuetow/agent-economy-sub001/jws"
	"github.com/florianbuetow/agent-economy-sub001/sqlitedb"
)

func defaultConfig() config.Root {
	return config.Root{
		Service:     config.Service{Name: "court", Version: "0.1.0"},
		Server:      config.Server{Host: "0.0.0.0", Port: 8084},
		Logging:     config.Logging{Level: "info"},
		Database:    config.Database{Path: "court.db"},
		Identity:    config.ClientConfig{BaseURL: "http://localhost:8081", Timeout: 5 * time.Second},
		CentralBank: config.ClientConfig{BaseURL: "http://localhost:8082", Timeout: 5 * time.Second},
		TaskBoard:   config.ClientConfig{BaseURL: "http://localhost:8083", Timeout: 5 * time.Second},
		Reputation:  config.ClientConfig{BaseURL: "http://localhost:8085", Timeout: 5 * time.Second},
		Platform:    config.Platform{AgentID: "a-platform", PrivateKeyPath: "court.key"},
		Disputes:    config.Disputes{RebuttalWindowSeconds: 86400},
		Judges:      config.Judges{PanelSize: 3, Kind: "mock"},
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
	if err := sqlitedb.Migrate(ctx, db, court.Schema()); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	platformKey, err := jws.LoadOrCreatePrivateKeyFile(cfg.Platform.PrivateKeyPath)
	if err != nil {
		log.Fatalf("load platform key: %v", err)
	}

	identityClient := clients.NewHTTPIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	bankClient := clients.NewHTTPBankClient(cfg.CentralBank.BaseURL, cfg.CentralBank.Timeout, cfg.Platform.AgentID, platformKey)
	boardClient := clients.NewHTTPBoardClient(cfg.TaskBoard.BaseURL, cfg.TaskBoard.Timeout, cfg.Platform.AgentID, platformKey)
	reputationClient := clients.NewHTTPReputationClient(cfg.Reputation.BaseURL, cfg.Reputation.Timeout, cfg.Platform.AgentID, platformKey)

	panel, err := newPanel(cfg)
	if err != nil {
		log.Fatalf("build judge panel: %v", err)
	}

	repo := court.NewRepository(db)
	rebuttalWindow := time.Duration(cfg.Disputes.RebuttalWindowSeconds) * time.Second
	svc := court.NewService(repo, boardClient, bankClient, reputationClient, panel, cfg.Platform.AgentID, rebuttalWindow)
	server := court.NewServer(svc, identityClient)

	mux := http.NewServeMux()
	server.Register(mux)
	startedAt := time.Now()
	mux.HandleFunc("/health", httpkit.HealthHandler(startedAt, nil))

	handler := httpkit.Chain(mux)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	log.Printf("court listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// newPanel builds the judge panel named by cfg.Judges.Kind: "mock" wires a
// deterministic HeuristicJudge per seat, "llm" wires an HTTPJudge pointed at
// an external evaluator reachable at the reputation base URL's /evaluate
// sub-path.
func newPanel(cfg config.Root) (*court.Panel, error) {
	size := cfg.Judges.PanelSize
	if size <= 0 {
		size = 3
	}
	judges := make([]court.Judge, 0, size)
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("judge-%d", i)
		switch cfg.Judges.Kind {
		case "llm":
			judges = append(judges, court.NewHTTPJudge(id, cfg.Reputation.BaseURL+"/evaluate", cfg.Reputation.Timeout))
		default:
			judges = append(judges, court.NewHeuristicJudge(id))
		}
	}
	return court.NewPanel(judges, size)
}
