package orchestrator

import (
	"context"
	"fmt"
	"net"

	"meshvpn/cipher"
	"meshvpn/clientstore"
	"meshvpn/config"
	"meshvpn/internal/logging"
	"meshvpn/internal/management"
	"meshvpn/relay"
)

// Server runs the relay server role: the cluster-switch TCP listener plus
// its backing client config store and management endpoint.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *clientstore.Store
	watcher *clientstore.Watcher
	relay   *relay.Server
	mgmt    *management.Server

	listener net.Listener
}

// NewServer builds every component but starts nothing.
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	c, err := cipher.New(cipher.Suite(cfg.Cipher.Suite), []byte(cfg.Cipher.Key))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cipher: %w", err)
	}

	store := clientstore.New()
	watcher := clientstore.NewWatcher(cfg.ClientStorePath, store, logger, cfg.EffectiveClientStorePoll())

	var serverOpts []relay.Option
	if cfg.MaxConnections > 0 || cfg.ConnectionRate > 0 || cfg.ConnectionBurst > 0 {
		max, rate, burst := cfg.MaxConnections, cfg.ConnectionRate, cfg.ConnectionBurst
		if max <= 0 {
			max = relay.DefaultMaxConnections
		}
		if rate <= 0 {
			rate = relay.DefaultConnectionRate
		}
		if burst <= 0 {
			burst = relay.DefaultConnectionBurst
		}
		serverOpts = append(serverOpts, relay.WithLimiter(max, rate, burst))
	}
	relayServer := relay.NewServer(store, c, logger, serverOpts...)

	listener, err := net.Listen("tcp", cfg.RelayListen)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: relay listen: %w", err)
	}

	mgmt, err := management.New(cfg.Management.Bind, func() interface{} {
		total, successful, failed := watcher.Tracker().Stats()
		return map[string]interface{}{
			"mode":            "server",
			"relayListen":     cfg.RelayListen,
			"clientStorePath": cfg.ClientStorePath,
			"reloadsTotal":    total,
			"reloadsOK":       successful,
			"reloadsFailed":   failed,
		}
	}, logger, management.WithACL(cfg.ManagementPrefixes()))
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("orchestrator: management server: %w", err)
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		watcher:  watcher,
		relay:    relayServer,
		mgmt:     mgmt,
		listener: listener,
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.mgmt.Start()
	defer s.mgmt.Close(context.Background())

	go s.watcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.relay.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.listener.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
