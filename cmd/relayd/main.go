package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"mini-relay/config"
	"mini-relay/correlation"
	"mini-relay/gateway"
	"mini-relay/loadbalance"
	"mini-relay/logger"
	"mini-relay/node"
	"mini-relay/registry"
	"mini-relay/relay"
	"mini-relay/server"
	"mini-relay/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logr.Sync()

	reg, closeReg, err := openRegistry(cfg, logr)
	if err != nil {
		logr.Fatal("Failed to open registry", zap.Error(err))
	}
	defer closeReg()

	connOpts := connOptions(cfg, logr)
	n := node.New(cfg.Node.Name, logr)

	if cfg.Unit.Enabled {
		n.RegisterService(newUnitService(cfg, server.Options{
			Workers:      cfg.Unit.Workers,
			QueueSize:    cfg.Unit.QueueSize,
			TaskPoolSize: cfg.Unit.TaskPoolSize,
			RegistryTTL:  cfg.Registry.TTL,
			Conn:         connOpts,
			Logger:       logr,
		}, reg, logr))
	}

	if cfg.Gateway.Enabled {
		srv := server.NewServer("gateway", server.Options{Conn: connOpts, Logger: logr})
		// Paired calls to clients wait on replies the gateway server itself receives.
		rl := relay.New(gateway.NewRouter(srv.Calls(), cfg.Gateway.RouteTTL, logr), logr)
		backend := gateway.NewRouter(correlation.New(logr), cfg.Gateway.RouteTTL, logr)
		edge := gateway.NewEdge(srv, rl, gateway.EdgeOptions{
			CallTimeout: cfg.Gateway.CallTimeout,
			Forward:     cfg.Gateway.Forward,
			Logger:      logr,
		})

		for _, unit := range cfg.Gateway.Units {
			bal, err := loadbalance.New(cfg.Gateway.Balancer)
			if err != nil {
				logr.Fatal("Invalid balancer", zap.Error(err))
			}
			link := gateway.NewLink(gateway.LinkOptions{
				Unit:       unit,
				Registry:   reg,
				Balancer:   bal,
				MinBackoff: cfg.Gateway.MinBackoff,
				MaxBackoff: cfg.Gateway.MaxBackoff,
				Conn:       connOpts,
				Logger:     logr,
			}, backend, rl)
			edge.AddLink(link)
			n.RegisterService(link)
		}
		n.RegisterService(&gatewayService{cfg: cfg, srv: srv, edge: edge, backend: backend, log: logr})
	}

	if err := n.Start(); err != nil {
		logr.Fatal("Node failed to start", zap.Error(err))
	}

	<-n.Context().Done() // until signal
}

func openRegistry(cfg *config.Config, logr *zap.Logger) (registry.Registry, func(), error) {
	if cfg.Registry.Kind != "etcd" {
		return registry.NewMemoryRegistry(), func() {}, nil
	}
	r, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, cfg.Registry.Prefix, logr)
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			logr.Warn("registry close failed", zap.Error(err))
		}
	}, nil
}

func connOptions(cfg *config.Config, logr *zap.Logger) transport.Options {
	ct, _ := cfg.Conn.CodecType() // validated by LoadConfig
	return transport.Options{
		Codec:       ct,
		SendQueue:   cfg.Conn.SendQueue,
		Heartbeat:   cfg.Conn.Heartbeat,
		IdleTimeout: cfg.Conn.IdleTimeout,
		Logger:      logr,
	}
}
