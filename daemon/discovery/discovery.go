// Package discovery advertises the supervisor on the local network and
// registers it with the orchestrator's discovery endpoint.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"

	"github.com/wasmiot/supervisor/daemon/config"
)

const (
	serviceType   = "_webthing._tcp"
	serviceDomain = "local."

	registrationTimeout = 10 * time.Second
)

// Advertiser announces the supervisor over mDNS and keeps the orchestrator
// registration fresh. Construct once, Start after the HTTP listener is
// reachable, Stop on shutdown.
type Advertiser struct {
	cfg    *config.Config
	clock  clock.Clock
	client *http.Client

	mu     sync.Mutex
	server *zeroconf.Server
	// renew is reset whenever the orchestrator is seen (a health check from
	// its address), postponing the next re-registration.
	renew  clock.Timer
	stopCh chan struct{}
}

// New builds an advertiser.
func New(cfg *config.Config, clk clock.Clock, client *http.Client) *Advertiser {
	if clk == nil {
		clk = clock.NewClock()
	}
	if client == nil {
		client = &http.Client{Timeout: registrationTimeout}
	}
	return &Advertiser{cfg: cfg, clock: clk, client: client}
}

// txtRecords are the advertised service properties.
func (a *Advertiser) txtRecords() []string {
	tls := "0"
	if strings.EqualFold(a.cfg.PreferredURLScheme, "https") {
		tls = "1"
	}
	return []string{"path=/", "tls=" + tls}
}

// Start waits for the supervisor's own listener to accept connections, then
// announces the service and registers with the orchestrator. It returns
// immediately; the work happens in the background.
func (a *Advertiser) Start(ctx context.Context) {
	stop := make(chan struct{})
	a.mu.Lock()
	a.stopCh = stop
	a.mu.Unlock()
	go a.run(ctx, stop)
}

func (a *Advertiser) run(ctx context.Context, stop <-chan struct{}) {
	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			break
		}
		log.G(ctx).WithError(err).Debugf("waiting for listener at %s", addr)
		select {
		case <-stop:
			return
		case <-a.clock.After(time.Second):
		}
	}

	server, err := zeroconf.Register(a.cfg.Name, serviceType, serviceDomain, a.cfg.Port, a.txtRecords(), nil)
	if err != nil {
		log.G(ctx).WithError(err).Error("mDNS registration failed")
	} else {
		a.mu.Lock()
		a.server = server
		a.mu.Unlock()
		log.G(ctx).WithField("service", a.cfg.Name).Info("service advertised over mDNS")
	}

	if err := a.RegisterWithOrchestrator(ctx); err != nil {
		log.G(ctx).WithError(err).Error("orchestrator registration failed")
	}

	a.mu.Lock()
	a.renew = a.clock.NewTimer(a.cfg.RegisterRenewal)
	renew := a.renew
	a.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-renew.C():
			if err := a.RegisterWithOrchestrator(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("orchestrator re-registration failed")
			}
			renew.Reset(a.cfg.RegisterRenewal)
		}
	}
}

// registrationData mirrors what the orchestrator's discovery endpoint
// expects from an announcing device.
type registrationData struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Port       int               `json:"port"`
	Properties map[string]string `json:"properties"`
	Addresses  []string          `json:"addresses"`
	Host       string            `json:"host"`
}

// RegisterWithOrchestrator POSTs this device's coordinates to the discovery
// endpoint. A missing orchestrator URL is not an error: standalone
// supervisors simply stay mDNS-only.
func (a *Advertiser) RegisterWithOrchestrator(ctx context.Context) error {
	if a.cfg.OrchestratorURL == "" {
		log.G(ctx).Debug("no orchestrator configured, skipping registration")
		return nil
	}
	props := map[string]string{}
	for _, record := range a.txtRecords() {
		if k, v, ok := strings.Cut(record, "="); ok {
			props[k] = v
		}
	}
	data := registrationData{
		Name:       a.cfg.Name,
		Type:       serviceType,
		Port:       a.cfg.Port,
		Properties: props,
		Addresses:  []string{a.cfg.Host},
		Host:       a.cfg.Host,
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()
	url := a.cfg.OrchestratorURL + config.RegisterPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "registering with orchestrator at %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("orchestrator returned %s", resp.Status)
	}
	log.G(ctx).WithField("orchestrator", a.cfg.OrchestratorURL).Info("registered with orchestrator")
	return nil
}

// RecordHealthCheck postpones the next re-registration: a health check from
// the orchestrator proves the registration is still live.
func (a *Advertiser) RecordHealthCheck() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.renew != nil {
		a.renew.Reset(a.cfg.RegisterRenewal)
	}
}

// Stop withdraws the mDNS announcement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
