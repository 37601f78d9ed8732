package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/wasmiot/supervisor/daemon/config"
	"github.com/wasmiot/supervisor/daemon/deployment"
	"github.com/wasmiot/supervisor/daemon/history"
	"github.com/wasmiot/supervisor/daemon/manifest"
	"github.com/wasmiot/supervisor/daemon/wasm"
)

type fakeInstance struct {
	signatures map[string]wasm.Signature
	runResults []uint64
	runErr     error
	runCalls   int32
}

func (f *fakeInstance) ReadMemory(uint32, uint32) ([]byte, error) { return nil, nil }
func (f *fakeInstance) WriteMemory(uint32, []byte) error          { return nil }
func (f *fakeInstance) FunctionSignature(name string) (wasm.Signature, error) {
	sig, ok := f.signatures[name]
	if !ok {
		return wasm.Signature{}, errors.Wrapf(errdefs.ErrNotFound, "no export %q", name)
	}
	return sig, nil
}
func (f *fakeInstance) Run(_ context.Context, name string, args []uint64, resultCount int) ([]uint64, error) {
	atomic.AddInt32(&f.runCalls, 1)
	if f.runErr != nil {
		return nil, f.runErr
	}
	out := make([]uint64, resultCount)
	copy(out, f.runResults)
	return out, nil
}
func (f *fakeInstance) Exports() []string           { return []string{"f"} }
func (f *fakeInstance) Close(context.Context) error { return nil }
func (f *fakeInstance) Recompiled() bool            { return false }

type testEnv struct {
	sup  *Supervisor
	cfg  *config.Config
	fake *fakeInstance
}

// newTestEnv builds a supervisor with one registered deployment "dep-1"
// whose module "mod" exports "f" backed by a fake runtime.
func newTestEnv(t *testing.T, mutate func(doc *deployment.Document)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		InstancePath:       t.TempDir(),
		Host:               "localhost",
		Port:               8080,
		URLScheme:          "http",
		MaxDeploymentSteps: 10,
	}
	fake := &fakeInstance{
		signatures: map[string]wasm.Signature{"f": {
			Params:  []wasm.ValType{wasm.I32, wasm.I32},
			Results: []wasm.ValType{wasm.I32},
		}},
		runResults: []uint64{10},
	}
	doc := &deployment.Document{
		ID:      "dep-1",
		Modules: []deployment.ModuleManifest{{ID: "m-1", Name: "mod", URLs: deployment.ModuleURLs{Binary: "http://x/mod.wasm"}}},
		Endpoints: map[string]map[string]manifest.Endpoint{
			"mod": {"f": {
				Method: "GET",
				Request: manifest.Request{Parameters: []manifest.Parameter{
					{Name: "param0", In: manifest.InQuery, Required: true, Schema: &manifest.Schema{Type: manifest.TypeInteger}},
					{Name: "param1", In: manifest.InQuery, Required: true, Schema: &manifest.Schema{Type: manifest.TypeInteger}},
				}},
				Response: manifest.Response{MediaType: "application/json", Schema: &manifest.Schema{Type: manifest.TypeInteger}},
			}},
		},
	}
	if mutate != nil {
		mutate(doc)
	}

	assert.NilError(t, os.MkdirAll(cfg.ParamsDir("dep-1", "mod"), 0o755))
	d, err := deployment.New(doc,
		map[string]wasm.ModuleConfig{"mod": {ID: "m-1", Name: "mod"}},
		map[string]wasm.Instance{"mod": fake},
		func(module string) string { return cfg.ParamsDir("dep-1", module) })
	assert.NilError(t, err)

	store := deployment.NewStore(cfg, wasm.FullProfile{}, nil, nil, nil)
	clk := fakeclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sup := New(cfg, store, clk, &http.Client{})
	sup.deployments["dep-1"] = d
	return &testEnv{sup: sup, cfg: cfg, fake: fake}
}

func newEntry(env *testEnv, step int) *history.Entry {
	return history.NewEntry("dep-1", "mod", "f", "GET",
		map[string]string{"param0": "7", "param1": "3"}, nil, env.sup.Clock().Now(), step)
}

func TestExecuteIntegerEcho(t *testing.T) {
	env := newTestEnv(t, nil)

	entry := newEntry(env, 0)
	result, err := env.sup.Execute(context.Background(), entry)
	assert.NilError(t, err)

	v, ok := result.(manifest.Value)
	assert.Check(t, ok, "terminal steps return this hop's parsed value")
	assert.Equal(t, v.Int64(), int64(10))

	assert.Check(t, entry.Success)
	recorded, err := env.sup.History().Get(entry.RequestID)
	assert.NilError(t, err)
	assert.Equal(t, recorded.Result.Int64(), int64(10))

	// The raw i32 serializes as a plain JSON number.
	data, err := json.Marshal(recorded.Result)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "10")
}

func TestExecuteDeploymentNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	entry := history.NewEntry("ghost", "mod", "f", "GET", nil, nil, env.sup.Clock().Now(), 0)
	_, err := env.sup.Execute(context.Background(), entry)
	assert.Check(t, errdefs.IsNotFound(err))
	assert.Check(t, !entry.Success)
}

func TestExecuteModuleNotInDeployment(t *testing.T) {
	env := newTestEnv(t, nil)

	entry := history.NewEntry("dep-1", "ghost", "f", "GET", nil, nil, env.sup.Clock().Now(), 0)
	_, err := env.sup.Execute(context.Background(), entry)
	assert.Check(t, errdefs.IsNotFound(err))
}

func TestExecuteRuntimeTrapRecorded(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.runErr = errors.New("wasm trap: unreachable")

	entry := newEntry(env, 0)
	_, err := env.sup.Execute(context.Background(), entry)
	assert.Check(t, err != nil)

	recorded, getErr := env.sup.History().Get(entry.RequestID)
	assert.NilError(t, getErr)
	assert.Check(t, !recorded.Success)
	assert.Check(t, is.Contains(recorded.Result.Str(), "unreachable"))
}

func TestExecuteFileOutputProjection(t *testing.T) {
	env := newTestEnv(t, func(doc *deployment.Document) {
		ep := doc.Endpoints["mod"]["f"]
		ep.Response = manifest.Response{MediaType: "image/jpeg"}
		doc.Endpoints["mod"]["f"] = ep
		doc.Mounts = map[string]map[string]manifest.StageMounts{
			"mod": {"f": {Output: []manifest.Mount{{Path: "out.jpg", MediaType: "image/jpeg", Stage: manifest.StageOutput}}}},
		}
	})
	// The function writes its output through the preopened directory; the
	// fake stands in for that by the file already being present.
	assert.NilError(t, os.WriteFile(filepath.Join(env.cfg.ParamsDir("dep-1", "mod"), "out.jpg"), []byte{0xff, 0xd8, 0xff}, 0o644))

	entry := newEntry(env, 0)
	_, err := env.sup.Execute(context.Background(), entry)
	assert.NilError(t, err)

	assert.Equal(t, len(entry.Outputs), 1)
	assert.Equal(t, entry.Outputs[0], "http://localhost:8080/module_results/dep-1/mod/out.jpg")
	assert.Check(t, entry.Result.IsNull())
}

func TestExecuteChainStepMonotonicity(t *testing.T) {
	var gotStep atomic.Value
	var calls int32
	next := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		gotStep.Store(r.Header.Get(ChainStepHeader))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": 99}`))
	}))
	defer next.Close()

	env := newTestEnv(t, func(doc *deployment.Document) {
		doc.Instructions = map[string]map[string]manifest.Instructions{
			"mod": {"f": {To: &manifest.Endpoint{URL: next.URL, Method: "POST"}}},
		}
	})

	entry := newEntry(env, 3)
	result, err := env.sup.Execute(context.Background(), entry)
	assert.NilError(t, err)

	assert.Equal(t, atomic.LoadInt32(&calls), int32(1))
	assert.Equal(t, gotStep.Load(), "4")

	// No resultUrl in the response: the chained JSON is the final result.
	m, ok := result.(map[string]any)
	assert.Check(t, ok)
	assert.Equal(t, m["result"], float64(99))

	// The chained hop does not overwrite this hop's own recorded result.
	assert.Equal(t, entry.Result.Int64(), int64(10))
}

func TestExecuteChainFollowsResultURL(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": 123, "success": true}`))
	}))
	defer final.Close()
	next := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"resultUrl": final.URL})
	}))
	defer next.Close()

	env := newTestEnv(t, func(doc *deployment.Document) {
		doc.Instructions = map[string]map[string]manifest.Instructions{
			"mod": {"f": {To: &manifest.Endpoint{URL: next.URL, Method: "POST"}}},
		}
	})

	result, err := env.sup.Execute(context.Background(), newEntry(env, 0))
	assert.NilError(t, err)
	assert.Equal(t, result, float64(123))
}

func TestExecuteChainDepthGuard(t *testing.T) {
	var calls int32
	next := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer next.Close()

	env := newTestEnv(t, func(doc *deployment.Document) {
		doc.Instructions = map[string]map[string]manifest.Instructions{
			"mod": {"f": {To: &manifest.Endpoint{URL: next.URL, Method: "POST"}}},
		}
	})

	entry := newEntry(env, env.cfg.MaxDeploymentSteps+1)
	_, err := env.sup.Execute(context.Background(), entry)
	assert.Check(t, errdefs.IsInvalidArgument(err))

	// Neither the wasm call nor the outbound request happened.
	assert.Equal(t, atomic.LoadInt32(&env.fake.runCalls), int32(0))
	assert.Equal(t, atomic.LoadInt32(&calls), int32(0))

	recorded, getErr := env.sup.History().Get(entry.RequestID)
	assert.NilError(t, getErr)
	assert.Check(t, !recorded.Success)
}

func TestExecuteChainNetworkFailure(t *testing.T) {
	next := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	next.Close() // refuse connections

	env := newTestEnv(t, func(doc *deployment.Document) {
		doc.Instructions = map[string]map[string]manifest.Instructions{
			"mod": {"f": {To: &manifest.Endpoint{URL: next.URL, Method: "POST"}}},
		}
	})

	entry := newEntry(env, 0)
	_, err := env.sup.Execute(context.Background(), entry)
	assert.Check(t, err != nil)
	assert.Check(t, !entry.Success)
}

func TestDeleteUnknownDeployment(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.sup.DeleteDeployment(context.Background(), "ghost")
	assert.Check(t, errdefs.IsNotFound(err))

	// The known deployment is untouched.
	_, err = env.sup.Deployment("dep-1")
	assert.NilError(t, err)
}

func TestOutputURLEncoding(t *testing.T) {
	env := newTestEnv(t, nil)
	url := env.sup.OutputURL("dep 1", "mod/x", "out file.jpg")
	assert.Equal(t, url, "http://localhost:8080/module_results/dep%201/mod%2Fx/out%20file.jpg")
}
