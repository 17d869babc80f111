package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"

	vmconfig "github.com/voxmesh/voxmesh/config"
	"github.com/voxmesh/voxmesh/internal/mediaengine"
	"github.com/voxmesh/voxmesh/internal/mediaengine/pion"
	"github.com/voxmesh/voxmesh/internal/signal"
	"github.com/voxmesh/voxmesh/internal/signal/token"
	"github.com/voxmesh/voxmesh/pkg/events"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[vmconfig.SignalConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("voxmesh-signal"),
	)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	engine, err := pion.NewEngine(pion.Config{
		MinPort:     cfg.RTCMinPort,
		MaxPort:     cfg.RTCMaxPort,
		STUNServers: cfg.STUNServerList(),
		Pool:        pool,
	})
	if err != nil {
		log.Fatalf("creating media engine: %v", err)
	}

	mirror := events.NewPublisher(nil, "voxmesh-signal", cfg.EventQueueRef)

	server := signal.NewServer(signal.Options{
		Engine:      engine,
		Codec:       token.NewCodec(cfg.TokenSecret),
		GraceWindow: cfg.GraceWindow(),
		Observer: mediaengine.AudioLevelObserverOptions{
			MaxEntries: cfg.LevelObserverMaxEntries,
			Threshold:  cfg.LevelObserverThreshold,
			Interval:   cfg.LevelObserverInterval(),
		},
		Mirror: mirror,
		Pool:   pool,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(server.Stats())
	})

	srv.Init(ctx, frame.WithHTTPHandler(mux))

	if err := srv.Run(ctx, ":"+cfg.SignalPort); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
