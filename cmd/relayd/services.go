package main

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"mini-relay/config"
	"mini-relay/gateway"
	"mini-relay/message"
	"mini-relay/middleware"
	"mini-relay/registry"
	"mini-relay/server"
)

const shutdownTimeout = 5 * time.Second

// unitService runs a diagnostic service unit answering "ping" and "echo".
type unitService struct {
	cfg *config.Config
	srv *server.Server
	reg registry.Registry
	log *zap.Logger
}

func newUnitService(cfg *config.Config, opts server.Options, reg registry.Registry, log *zap.Logger) *unitService {
	srv := server.NewServer(cfg.Unit.Name, opts)
	srv.Use(middleware.RecoverMiddleware(log))
	srv.Use(middleware.LoggingMiddleware(log))
	if cfg.Unit.RateLimit > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.Unit.RateLimit, cfg.Unit.RateBurst))
	}
	if cfg.Unit.HandlerTimeout > 0 {
		srv.Use(middleware.TimeOutMiddleware(cfg.Unit.HandlerTimeout))
	}
	srv.Handle("ping", func(ctx context.Context, req *message.Message) *message.Message {
		return message.NewReply(req, message.CodeOK, "pong")
	})
	srv.Handle("echo", func(ctx context.Context, req *message.Message) *message.Message {
		v, _ := req.Params.Get("text")
		return message.NewReply(req, message.CodeOK, v)
	})
	return &unitService{cfg: cfg, srv: srv, reg: reg, log: log}
}

func (u *unitService) Name() string { return "unit/" + u.cfg.Unit.Name }

func (u *unitService) Start(ctx context.Context) error {
	go func() {
		if err := u.srv.Serve("tcp", u.cfg.Unit.Listen, u.cfg.Unit.Advertise, u.reg); err != nil {
			u.log.Error("unit stopped serving", zap.String("unit", u.cfg.Unit.Name), zap.Error(err))
		}
	}()
	return nil
}

func (u *unitService) Stop() error {
	return u.srv.Shutdown(shutdownTimeout)
}

// gatewayService serves end clients over TCP and, optionally, WebSocket.
type gatewayService struct {
	cfg     *config.Config
	srv     *server.Server
	edge    *gateway.Edge
	backend *gateway.Router
	log     *zap.Logger
}

func (g *gatewayService) Name() string { return "gateway" }

func (g *gatewayService) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", g.cfg.Gateway.Listen)
	if err != nil {
		return err
	}
	go func() {
		if err := g.srv.ServeListener(l); err != nil {
			g.log.Error("gateway stopped serving", zap.Error(err))
		}
	}()
	go g.backend.Run(ctx)

	if addr := g.cfg.Gateway.WSListen; addr != "" {
		go func() {
			if err := g.edge.ServeWS(ctx, addr, g.cfg.Gateway.WSPath); err != nil {
				g.log.Error("websocket listener failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (g *gatewayService) Stop() error {
	return g.srv.Shutdown(shutdownTimeout)
}
