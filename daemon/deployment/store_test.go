package deployment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wasmiot/supervisor/daemon/config"
	"github.com/wasmiot/supervisor/daemon/manifest"
	"github.com/wasmiot/supervisor/daemon/wasm"
)

// addWasm exports add(i32,i32)->i32 and a one-page memory.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x10, 0x02,
	0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		InstancePath:       t.TempDir(),
		Host:               "localhost",
		Port:               8080,
		URLScheme:          "http",
		MaxDeploymentSteps: 10,
	}
}

// moduleServer serves the add module binary and a data file the way the
// orchestrator's module repository would.
func moduleServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/calc.wasm", func(w http.ResponseWriter, r *http.Request) {
		w.Write(addWasm)
	})
	mux.HandleFunc("/weights.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("weights"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testDocument(srv *httptest.Server) *Document {
	return &Document{
		ID: "dep-1",
		Modules: []ModuleManifest{{
			ID:   "m-1",
			Name: "calc",
			URLs: ModuleURLs{
				Binary: srv.URL + "/calc.wasm",
				Other:  map[string]string{"weights.bin": srv.URL + "/weights.bin"},
			},
		}},
		Endpoints: map[string]map[string]manifest.Endpoint{
			"calc": {"add": {
				Method: "GET",
				Request: manifest.Request{Parameters: []manifest.Parameter{
					{Name: "param0", In: manifest.InQuery, Required: true, Schema: &manifest.Schema{Type: manifest.TypeInteger}},
					{Name: "param1", In: manifest.InQuery, Required: true, Schema: &manifest.Schema{Type: manifest.TypeInteger}},
				}},
				Response: manifest.Response{MediaType: "application/json", Schema: &manifest.Schema{Type: manifest.TypeInteger}},
			}},
		},
	}
}

func runAdd(t *testing.T, d *Deployment, a, b string) int32 {
	t.Helper()
	ctx := context.Background()
	args, err := d.PrepareForRunning(ctx, "calc", "add", map[string]string{"param0": a, "param1": b}, nil)
	assert.NilError(t, err)
	rt, err := d.Runtime("calc")
	assert.NilError(t, err)
	results, err := rt.Run(ctx, "add", args, 1)
	assert.NilError(t, err)
	return wasm.DecodeI32(results[0])
}

func TestStoreCreate(t *testing.T) {
	cfg := testConfig(t)
	srv := moduleServer(t)
	store := NewStore(cfg, wasm.FullProfile{}, nil, nil, nil)
	ctx := context.Background()

	d, err := store.Create(ctx, testDocument(srv))
	assert.NilError(t, err)
	defer d.Close(ctx)

	assert.Equal(t, runAdd(t, d, "7", "3"), int32(10))

	// The downloaded artifacts are where the disk layout says.
	_, err = os.Stat(cfg.ModulePath("dep-1", "calc"))
	assert.NilError(t, err)
	data, err := os.ReadFile(cfg.ParamsPath("dep-1", "calc", "weights.bin"))
	assert.NilError(t, err)
	assert.DeepEqual(t, data, []byte("weights"))
	_, err = os.Stat(cfg.DeploymentPath("dep-1"))
	assert.NilError(t, err)

	// Data files registered on the module config back deployment mounts.
	assert.Check(t, is.Contains(d.Modules["calc"].DataFiles, "weights.bin"))
}

func TestStoreRestartDurability(t *testing.T) {
	cfg := testConfig(t)
	srv := moduleServer(t)
	ctx := context.Background()

	store := NewStore(cfg, wasm.FullProfile{}, nil, nil, nil)
	d, err := store.Create(ctx, testDocument(srv))
	assert.NilError(t, err)
	d.Close(ctx)

	// A fresh store over the same instance path plays the role of a process
	// restart.
	restored := NewStore(cfg, wasm.FullProfile{}, nil, nil, nil).LoadAll(ctx)
	assert.Equal(t, len(restored), 1)
	defer restored[0].Close(ctx)

	assert.Equal(t, restored[0].ID, "dep-1")
	assert.Check(t, restored[0].HasModule("calc"))
	_, err = restored[0].Endpoint("calc", "add")
	assert.NilError(t, err)
	assert.Equal(t, runAdd(t, restored[0], "20", "22"), int32(42))
}

func TestStoreDelete(t *testing.T) {
	cfg := testConfig(t)
	srv := moduleServer(t)
	ctx := context.Background()

	store := NewStore(cfg, wasm.FullProfile{}, nil, nil, nil)
	d, err := store.Create(ctx, testDocument(srv))
	assert.NilError(t, err)
	d.Close(ctx)

	assert.NilError(t, store.Delete(ctx, "dep-1"))

	for _, path := range []string{
		cfg.DeploymentPath("dep-1"),
		cfg.ModulesDir("dep-1"),
		cfg.ParamsRoot("dep-1"),
	} {
		_, err := os.Stat(path)
		assert.Check(t, os.IsNotExist(err), "%s should be gone", path)
	}

	// Deleting again is harmless.
	assert.NilError(t, store.Delete(ctx, "dep-1"))
}

func TestLoadAllSkipsBroken(t *testing.T) {
	cfg := testConfig(t)
	srv := moduleServer(t)
	ctx := context.Background()

	store := NewStore(cfg, wasm.FullProfile{}, nil, nil, nil)
	d, err := store.Create(ctx, testDocument(srv))
	assert.NilError(t, err)
	d.Close(ctx)

	// A corrupt document must not abort startup recovery.
	assert.NilError(t, os.WriteFile(cfg.DeploymentPath("broken"), []byte("{not json"), 0o644))

	restored := store.LoadAll(ctx)
	assert.Equal(t, len(restored), 1)
	assert.Equal(t, restored[0].ID, "dep-1")
	restored[0].Close(ctx)
}

func TestCreateRejectsInvalidDocument(t *testing.T) {
	cfg := testConfig(t)
	store := NewStore(cfg, wasm.FullProfile{}, nil, nil, nil)

	_, err := store.Create(context.Background(), &Document{ID: "empty"})
	assert.Check(t, err != nil)

	_, err = store.Create(context.Background(), &Document{
		Modules: []ModuleManifest{{Name: "x", URLs: ModuleURLs{Binary: "http://x"}}},
	})
	assert.Check(t, err != nil)
}
