package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arclight-systems/arclight/internal/auth"
	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/config"
	"github.com/arclight-systems/arclight/internal/consensus"
	"github.com/arclight-systems/arclight/internal/engine"
	"github.com/arclight-systems/arclight/internal/gateway"
	"github.com/arclight-systems/arclight/internal/push"
	"github.com/arclight-systems/arclight/internal/seq"
	"github.com/arclight-systems/arclight/internal/server"
	"github.com/arclight-systems/arclight/internal/store"
)

func main() {
	cfgPath := os.Getenv("ARCLIGHT_CONFIG")
	if cfgPath == "" {
		cfgPath = "arclight.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	rules, errs := engine.LoadRules(cfg.RulesPath, cfg.Engine.Sensitivity)
	for _, e := range errs {
		log.Printf("[rules] %v", e)
	}
	if len(rules) == 0 {
		log.Fatal("No valid rules loaded")
	}
	log.Printf("[rules] loaded %d rules from %s", len(rules), cfg.RulesPath)

	authority := seq.New(cfg.RedisAddr, cfg.RedisDB, cfg.Gateway.OfflineQueueMax, cfg.Gateway.OfflineQueueAge.Std())
	defer authority.Close()

	eng := engine.New(rules, db, cfg.Engine.Workers)

	var panel []consensus.Predictor
	for i, url := range cfg.Consensus.PredictorURLs {
		panel = append(panel, consensus.NewHTTPPredictor(fmt.Sprintf("predictor-%d", i+1), url))
	}
	validator := consensus.New(panel, consensus.Options{
		Timeout:           cfg.Consensus.Timeout.Std(),
		FaultTolerance:    cfg.Consensus.FaultTolerance,
		ApprovalThreshold: cfg.Consensus.ApprovalThreshold,
		ConfidenceFloor:   cfg.Consensus.ConfidenceFloor,
		DissentPolicy:     cfg.Consensus.DissentPolicy,
		DissentWeight:     cfg.Consensus.DissentWeight,
	}, nil)

	var pusher push.Dispatcher = push.Noop{}
	if cfg.Push.WebhookURL != "" {
		pusher = push.NewWebhook(cfg.Push.WebhookURL)
	}
	var pushPriorities []capsule.Priority
	for _, p := range cfg.Push.EligiblePriorities {
		pushPriorities = append(pushPriorities, capsule.Priority(p))
	}

	hub := gateway.New(gateway.Options{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval.Std(),
		HeartbeatMisses:   cfg.Gateway.HeartbeatMisses,
		SendBuffer:        cfg.Gateway.SendBuffer,
		InboundRate:       cfg.Gateway.InboundRate,
		PushGrace:         cfg.Push.GraceWindow.Std(),
		PushPriorities:    pushPriorities,
	}, authority, pusher)

	verifier := auth.NewVerifier(cfg.AuthSecret)
	srv := server.New(db, eng, validator, hub, authority, verifier, cfg.IngestRate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)
	go srv.RunPipeline(ctx)
	srv.StartWorkers(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		hub.Shutdown()
		cancel()
		os.Exit(0)
	}()

	log.Printf("[arclight] listening on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, srv))
}
