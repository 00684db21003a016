package services

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vitalscan/neurostudy-backend/internal/clients/agents"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
)

const (
	ServiceStatusOnline  = "online"
	ServiceStatusOffline = "offline"
)

type ServiceHealth struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LastCheck string `json:"last_check"`
}

// AgentHealthService probes every processing agent's /health endpoint in
// parallel.
type AgentHealthService interface {
	CheckAll(ctx context.Context) map[string]ServiceHealth
}

type agentHealthService struct {
	log    *logger.Logger
	agents agents.Client
}

func NewAgentHealthService(baseLog *logger.Logger, ag agents.Client) AgentHealthService {
	return &agentHealthService{
		log:    baseLog.With("service", "AgentHealthService"),
		agents: ag,
	}
}

func (s *agentHealthService) CheckAll(ctx context.Context) map[string]ServiceHealth {
	endpoints := s.agents.Endpoints()
	results := make(map[string]ServiceHealth, len(endpoints))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, baseURL := range endpoints {
		name, baseURL := name, baseURL
		g.Go(func() error {
			h := ServiceHealth{
				Status:    ServiceStatusOnline,
				LastCheck: time.Now().Format(time.RFC3339),
			}
			if err := s.agents.Health(gctx, baseURL); err != nil {
				h.Status = ServiceStatusOffline
				h.Message = err.Error()
				s.log.Warn("agent health check failed", "service", name, "error", err)
			}
			mu.Lock()
			results[name] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
