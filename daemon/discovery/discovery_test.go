package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wasmiot/supervisor/daemon/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Host:               "localhost",
		Port:               8080,
		Name:               "edge-1",
		URLScheme:          "http",
		PreferredURLScheme: "http",
		RegisterRenewal:    5 * time.Minute,
	}
}

func TestRegisterWithOrchestrator(t *testing.T) {
	var got registrationData
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Check(t, is.Equal(r.URL.Path, config.RegisterPath))
		assert.NilError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.OrchestratorURL = srv.URL
	a := New(cfg, fakeclock.NewFakeClock(time.Now()), srv.Client())

	assert.NilError(t, a.RegisterWithOrchestrator(context.Background()))
	assert.Equal(t, got.Name, "edge-1")
	assert.Equal(t, got.Type, "_webthing._tcp")
	assert.Equal(t, got.Port, 8080)
	assert.DeepEqual(t, got.Addresses, []string{"localhost"})
	assert.Equal(t, got.Properties["tls"], "0")
	assert.Equal(t, got.Properties["path"], "/")
}

func TestRegisterTLSProperty(t *testing.T) {
	cfg := testConfig()
	cfg.PreferredURLScheme = "https"
	a := New(cfg, fakeclock.NewFakeClock(time.Now()), nil)
	assert.DeepEqual(t, a.txtRecords(), []string{"path=/", "tls=1"})
}

func TestRegisterWithoutOrchestratorIsNoop(t *testing.T) {
	a := New(testConfig(), fakeclock.NewFakeClock(time.Now()), nil)
	assert.NilError(t, a.RegisterWithOrchestrator(context.Background()))
}

func TestRegisterReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.OrchestratorURL = srv.URL
	a := New(cfg, fakeclock.NewFakeClock(time.Now()), srv.Client())
	assert.Check(t, a.RegisterWithOrchestrator(context.Background()) != nil)
}

func TestRenewalTimerPostponedByHealthCheck(t *testing.T) {
	cfg := testConfig()
	clk := fakeclock.NewFakeClock(time.Now())
	a := New(cfg, clk, nil)
	a.renew = clk.NewTimer(cfg.RegisterRenewal)

	// Advancing short of the renewal leaves the timer pending; a recorded
	// health check pushes the deadline out again.
	clk.Increment(4 * time.Minute)
	a.RecordHealthCheck()
	clk.Increment(2 * time.Minute)

	select {
	case <-a.renew.C():
		t.Fatal("renewal fired even though a health check reset it")
	default:
	}

	clk.Increment(4 * time.Minute)
	select {
	case <-a.renew.C():
	case <-time.After(time.Second):
		t.Fatal("renewal did not fire after the full interval")
	}
}
