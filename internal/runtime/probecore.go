package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/model"
)

// ProbeCore runs a measurement document on a Runtime and tells the
// scheduler which local proxy reaches each server.
type ProbeCore struct {
	rt       Runtime
	basePort int

	mu        sync.RWMutex
	endpoints map[string]string
}

func NewProbeCore(rt Runtime, basePort int) *ProbeCore {
	return &ProbeCore{rt: rt, basePort: basePort}
}

// Start replaces the running measurement document with one covering servers.
func (p *ProbeCore) Start(ctx context.Context, servers []model.Server, pol model.Policy) ([]model.Diagnostic, error) {
	res, err := compiler.CompileProbe(servers, pol, p.basePort)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints = nil
	if p.rt.IsRunning() {
		if err := p.rt.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
			return nil, fmt.Errorf("stop probe core: %w", err)
		}
	}
	if err := p.rt.Start(ctx, res.Document); err != nil {
		return nil, err
	}
	p.endpoints = res.Endpoints
	return res.Diagnostics, nil
}

func (p *ProbeCore) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints = nil
	return p.rt.Stop()
}

// ProxyAddress implements monitor.Tunnel.
func (p *ProbeCore) ProxyAddress(serverID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.endpoints == nil || !p.rt.IsRunning() {
		return "", false
	}
	addr, ok := p.endpoints[serverID]
	return addr, ok
}
