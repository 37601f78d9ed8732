// Package daemon wires the supervisor together: the deployment registry,
// the execution engine that runs wasm functions and chains pipeline hops,
// and the request history.
package daemon

import (
	"context"
	"net/http"
	"sync"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/wasmiot/supervisor/daemon/config"
	"github.com/wasmiot/supervisor/daemon/deployment"
	"github.com/wasmiot/supervisor/daemon/history"
)

// Supervisor owns all mutable state of the daemon. It is constructed once
// at startup; nothing in here is a package-level global.
type Supervisor struct {
	cfg   *config.Config
	clock clock.Clock
	store *deployment.Store

	mu          sync.RWMutex
	deployments map[string]*deployment.Deployment

	history *history.Log

	// client performs chained next-hop calls and resultUrl fetches. Chained
	// calls carry no timeout by default; cancellation comes from the request
	// context.
	client *http.Client
}

// New assembles a supervisor.
func New(cfg *config.Config, store *deployment.Store, clk clock.Clock, client *http.Client) *Supervisor {
	if clk == nil {
		clk = clock.NewClock()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Supervisor{
		cfg:         cfg,
		clock:       clk,
		store:       store,
		deployments: make(map[string]*deployment.Deployment),
		history:     history.NewLog(),
		client:      client,
	}
}

// Config exposes the daemon configuration to the transport layer.
func (s *Supervisor) Config() *config.Config { return s.cfg }

// Clock exposes the daemon clock so request timestamps are testable.
func (s *Supervisor) Clock() clock.Clock { return s.clock }

// History exposes the request log.
func (s *Supervisor) History() *history.Log { return s.history }

// Restore loads every persisted deployment into the registry. Failures are
// logged and skipped inside the store; startup continues regardless.
func (s *Supervisor) Restore(ctx context.Context) {
	restored := s.store.LoadAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range restored {
		s.deployments[d.ID] = d
		log.G(ctx).WithField("deployment", d.ID).Info("restored deployment")
	}
}

// CreateDeployment materializes a deployment and registers it. Re-creating
// an existing id replaces the previous deployment.
func (s *Supervisor) CreateDeployment(ctx context.Context, doc *deployment.Document) (*deployment.Deployment, error) {
	d, err := s.store.Create(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	old := s.deployments[d.ID]
	s.deployments[d.ID] = d
	s.mu.Unlock()
	if old != nil {
		old.Close(ctx)
	}
	log.G(ctx).WithField("deployment", d.ID).Info("deployment created")
	return d, nil
}

// DeleteDeployment removes a deployment from the registry and from disk.
// Deleting an unknown id reports not-found and touches nothing.
func (s *Supervisor) DeleteDeployment(ctx context.Context, id string) error {
	s.mu.Lock()
	d, ok := s.deployments[id]
	if ok {
		delete(s.deployments, id)
	}
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(errdefs.ErrNotFound, "deployment %q does not exist", id)
	}
	d.Close(ctx)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	log.G(ctx).WithField("deployment", id).Info("deployment deleted")
	return nil
}

// Deployment resolves a deployment by id.
func (s *Supervisor) Deployment(id string) (*deployment.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "deployment %q not found", id)
	}
	return d, nil
}

// Deployments lists the registered deployment documents.
func (s *Supervisor) Deployments() []*deployment.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*deployment.Document, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d.Document())
	}
	return out
}

// Shutdown closes every runtime.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		d.Close(ctx)
	}
	s.deployments = make(map[string]*deployment.Deployment)
}
