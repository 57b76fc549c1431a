// Command nexusd is the I/O engine daemon: it loads configuration, opens
// the persistence store, starts the metrics and admin HTTP front-ends, and
// serves until signalled.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/nexusfabric/nexus-engine/cmn/config"
	"github.com/nexusfabric/nexus-engine/cmn/nlog"
	"github.com/nexusfabric/nexus-engine/core/faultinjection"
	"github.com/nexusfabric/nexus-engine/core/nexus"
	"github.com/nexusfabric/nexus-engine/metrics"
	"github.com/nexusfabric/nexus-engine/persist"
	"github.com/nexusfabric/nexus-engine/rpcfe"
)

func main() {
	confPath := flag.String("config", "", "path to a JSON config file overriding the built-in defaults")
	flag.Parse()

	if *confPath != "" {
		if err := config.Load(*confPath); err != nil {
			nlog.Fatalf("nexusd: %v", err)
		}
	}
	cfg := config.GCO.Get()

	store, err := persist.Open(cfg.Persist.Path)
	if err != nil {
		nlog.Fatalf("nexusd: persist open: %v", err)
	}
	defer store.Close()

	reg := nexus.DefaultRegistry
	params := nexus.ParamsFromConfig(runtime.NumCPU())

	promReg := prometheus.NewRegistry()
	mc := metrics.New(promReg)
	faultinjection.Default.SetMetrics(mc)

	// replay fault injections registered before the last restart
	if uris, err := store.ListFaultSpecs(); err != nil {
		nlog.Warnf("nexusd: fault spec replay: %v", err)
	} else {
		for _, u := range uris {
			if _, err := faultinjection.Default.Add(u); err != nil {
				nlog.Warnf("nexusd: fault spec replay %s: %v", u, err)
			}
		}
	}
	metricsSrv := &fasthttp.Server{Handler: metrics.Serve(promReg)}
	go func() {
		if err := metricsSrv.ListenAndServe(cfg.Metrics.ListenAddr); err != nil {
			nlog.Errorf("nexusd: metrics server: %v", err)
		}
	}()

	rpc := rpcfe.NewServer(reg, rpcfe.Config{
		DefaultParams: params,
		Compress:      cfg.Rebuild.Compression == "lz4",
		JWTSecret:     []byte(cfg.Rpc.JwtHMACKey),
		Metrics:       mc,
		Checkpointer:  store,
		FaultStore:    store,
	})
	adminSrv := &fasthttp.Server{Handler: rpc.Handler()}
	go func() {
		if err := adminSrv.ListenAndServe(cfg.Rpc.ListenAddr); err != nil {
			nlog.Errorf("nexusd: admin server: %v", err)
		}
	}()

	nlog.Infof("nexusd: admin=%s metrics=%s persist=%s", cfg.Rpc.ListenAddr, cfg.Metrics.ListenAddr, cfg.Persist.Path)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	nlog.Infof("nexusd: shutting down")
	_ = adminSrv.Shutdown()
	_ = metricsSrv.Shutdown()
	for _, n := range reg.List() {
		_ = n.Destroy(context.Background())
	}
}
