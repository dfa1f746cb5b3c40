package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service is one long-running part of a node.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

type Node struct {
	name   string
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	services []Service // Registered services
	started  []Service
	stopOnce sync.Once
	stopErr  error
}

func New(name string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		name:   name,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (n *Node) RegisterService(s Service) {
	n.mu.Lock()
	n.services = append(n.services, s)
	n.mu.Unlock()
}

// Start starts services in registration order. If one fails, those already started are
// stopped again.
func (n *Node) Start() error {
	n.log.Info("Starting node", zap.String("name", n.name))

	n.mu.Lock()
	services := append([]Service(nil), n.services...)
	n.mu.Unlock()

	for _, s := range services {
		if err := s.Start(n.ctx); err != nil {
			err = fmt.Errorf("failed to start service %s: %w", s.Name(), err)
			return multierr.Append(err, n.Stop())
		}
		n.mu.Lock()
		n.started = append(n.started, s)
		n.mu.Unlock()
		n.log.Info("Started service", zap.String("name", s.Name()))
	}

	go n.handleInterrupt()
	return nil
}

func (n *Node) handleInterrupt() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		n.log.Info("Shutting down node...")
		n.Stop()
	case <-n.ctx.Done():
	}
}

// Stop stops started services in reverse order and cancels the node context. Later
// calls return the first call's result.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		started := n.started
		n.started = nil
		n.mu.Unlock()

		var errs error
		for i := len(started) - 1; i >= 0; i-- {
			s := started[i]
			n.log.Info("Stopping service", zap.String("name", s.Name()))
			if err := s.Stop(); err != nil {
				n.log.Warn("Error stopping service", zap.String("name", s.Name()), zap.Error(err))
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			}
		}
		n.cancel()
		n.stopErr = errs
		n.log.Info("Node shutdown complete")
	})
	return n.stopErr
}

func (n *Node) Context() context.Context {
	return n.ctx
}
