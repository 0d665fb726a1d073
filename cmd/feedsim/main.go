// Command feedsim is a local stand-in for the broker's market data feed. It
// serves the authorize endpoint and streams protobuf frames for whatever
// instruments a client subscribes to, so the engine can run in staging mode.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         listen address (default ":8765")
//	FEEDSIM_INTERVAL_MS  frame interval in milliseconds (default 500)
//	LOG_LEVEL            debug, info, warn or error (default info)
package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"derivfeed/internal/logger"
)

func main() {
	log := logger.Init("feedsim", logger.ParseLevel(envOrDefault("LOG_LEVEL", "info")))

	addr := envOrDefault("FEEDSIM_ADDR", ":8765")
	interval := time.Duration(envIntOrDefault("FEEDSIM_INTERVAL_MS", 500)) * time.Millisecond

	sim := &simulator{interval: interval, log: log}
	srv := &http.Server{Addr: addr, Handler: sim.routes(), ReadHeaderTimeout: 10 * time.Second}

	log.Info("listening", "addr", addr, "interval", interval.String(),
		"authorize", "http://localhost"+addr+"/v3/feed/market-data-feed/authorize")
	if err := srv.ListenAndServe(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
