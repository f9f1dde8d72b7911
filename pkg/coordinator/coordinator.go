package coordinator

import (
	"context"

	"github.com/convergence/peerlink/pkg/config"
	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/monitoring"
	"github.com/convergence/peerlink/pkg/network/httpx"
	"github.com/convergence/peerlink/pkg/service"
)

// Coordinator pairs clients in rooms and relays their negotiation messages.
type Coordinator struct {
	hub      *Hub
	server   *httpx.Server
	services service.Group
	log      *logger.Logger
}

func New(conf config.CoordinatorConfig, log *logger.Logger) (*Coordinator, error) {
	c := &Coordinator{hub: NewHub(conf.Coordinator, log), log: log}

	srv, err := httpx.NewServer(
		conf.Coordinator.Server.GetAddr(),
		func(*httpx.Server) httpx.Handler {
			h := httpx.NewServeMux("")
			h.HandleFunc("/ws", c.hub.handleWebsocket)
			h.HandleFunc("/health", c.hub.handleHealth)
			return h
		},
		httpx.WithServerConfig(conf.Coordinator.Server),
		httpx.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	c.server = srv
	c.services.Add(srv)

	if conf.Coordinator.Monitoring.IsEnabled() {
		mon, err := monitoring.New(conf.Coordinator.Monitoring, "", log)
		if err != nil {
			return nil, err
		}
		c.services.Add(mon)
	}
	return c, nil
}

func (c *Coordinator) Start() { c.services.Start() }

// Address returns the host:port the coordinator listens on.
func (c *Coordinator) Address() string { return c.server.Addr }

func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.hub.Close()
	return c.services.Shutdown(ctx)
}
