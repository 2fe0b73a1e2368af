package main

import (
	"context"
	"log"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"

	qwconfig "github.com/quietwire/quietwire/config"
	"github.com/quietwire/quietwire/internal/httputil"
	"github.com/quietwire/quietwire/internal/relay"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[qwconfig.RelayConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("quietwire-relay"),
	)
	defer srv.Stop(ctx)

	relaySrv := relay.NewServer(cfg.MaxMembersPerChannel)

	mux := http.NewServeMux()
	mux.Handle("/ws", relaySrv.WSHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.StatsEnabled {
		mux.Handle("/stats", relaySrv.StatsHandler())
	}

	srv.Init(ctx, frame.WithHTTPHandler(httputil.H2CHandler(mux)))

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
