package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"
	"github.com/pkg/errors"

	"github.com/wasmiot/supervisor/daemon/history"
	"github.com/wasmiot/supervisor/daemon/manifest"
	"github.com/wasmiot/supervisor/daemon/wasm"
)

// ChainStepHeader transports the pipeline hop counter. A missing header
// means step zero.
const ChainStepHeader = "X-Chain-Step"

// Execute runs one request to its terminal state and appends it to the
// request history. The returned value is what the transport layer reports
// under "result": this hop's parsed output, or, when the deployment chains
// onward, the next hop's JSON response (or the result behind its resultUrl,
// fetched one level deep).
func (s *Supervisor) Execute(ctx context.Context, entry *history.Entry) (any, error) {
	result, err := s.doWasmWork(ctx, entry)
	if err != nil {
		entry.Fail(err)
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"request":    entry.RequestID,
			"deployment": entry.DeploymentID,
			"module":     entry.ModuleName,
			"function":   entry.FunctionName,
		}).Error("wasm execution failed")
		requestsCounter.WithValues("failure").Inc()
	} else {
		entry.Success = true
		requestsCounter.WithValues("success").Inc()
	}
	s.history.Append(entry)
	return result, err
}

// doWasmWork performs the execution lifecycle of one entry: prepare the
// arguments and staged files, invoke the function, interpret the output,
// and dispatch to the next hop when the deployment specifies one.
func (s *Supervisor) doWasmWork(ctx context.Context, entry *history.Entry) (any, error) {
	if entry.StepIndex > s.cfg.MaxDeploymentSteps {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument,
			"%s %d exceeds the maximum of %d", ChainStepHeader, entry.StepIndex, s.cfg.MaxDeploymentSteps)
	}

	// Resolve the deployment under the registry lock, then work with the
	// aggregate directly: holding the lock across a wasm call would block
	// every other request.
	d, err := s.Deployment(entry.DeploymentID)
	if err != nil {
		return nil, err
	}
	if !d.HasModule(entry.ModuleName) {
		return nil, errors.Wrapf(errdefs.ErrNotFound,
			"module %q not in deployment %q", entry.ModuleName, entry.DeploymentID)
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"request":    entry.RequestID,
		"deployment": entry.DeploymentID,
		"module":     entry.ModuleName,
		"function":   entry.FunctionName,
	}))

	wasmArgs, err := d.PrepareForRunning(ctx, entry.ModuleName, entry.FunctionName, entry.RequestArgs, entry.RequestFiles)
	if err != nil {
		return nil, err
	}

	rt, err := d.Runtime(entry.ModuleName)
	if err != nil {
		return nil, err
	}
	sig, err := rt.FunctionSignature(entry.FunctionName)
	if err != nil {
		return nil, err
	}

	d.LockModule(entry.ModuleName)
	done := metrics.StartTimer(wasmTimer)
	results, err := rt.Run(ctx, entry.FunctionName, wasmArgs, len(sig.Results))
	done()
	d.UnlockModule(entry.ModuleName)
	if err != nil {
		return nil, errors.Wrapf(err, "executing %s.%s", entry.ModuleName, entry.FunctionName)
	}

	raw := manifest.Null()
	if len(sig.Results) > 0 {
		raw = decodeResult(sig.Results[0], results[0])
	}
	log.G(ctx).WithField("raw", raw).Debug("wasm function returned")

	ep, err := d.Endpoint(entry.ModuleName, entry.FunctionName)
	if err != nil {
		return nil, err
	}
	outputs := d.Mounts(entry.ModuleName, entry.FunctionName).Output
	parsed, files := d.ParseEndpointResult(ctx, entry.ModuleName, raw, ep.Response, outputs)

	entry.SetResult(parsed)
	for _, f := range files {
		entry.Outputs = append(entry.Outputs, s.OutputURL(entry.DeploymentID, entry.ModuleName, f))
	}

	next := d.NextTarget(ctx, entry.ModuleName, entry.FunctionName, entry.StepIndex)
	if next == nil {
		return parsed, nil
	}
	return s.chain(ctx, d.ParamsDir(entry.ModuleName), entry, next, files)
}

// chain dispatches the next pipeline hop: a multipart POST carrying this
// hop's output files and the incremented step header. When the response
// names a resultUrl, the final result is fetched from there, one level
// deep, never iterated.
func (s *Supervisor) chain(ctx context.Context, paramsDir string, entry *history.Entry, next *manifest.Endpoint, files []string) (any, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for _, name := range files {
		f, err := os.Open(filepath.Join(paramsDir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "opening output %q for chained call", name)
		}
		part, err := form.CreateFormFile(name, name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "adding output %q to chained call", name)
		}
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	method := next.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, next.URL, &body)
	if err != nil {
		return nil, errors.Wrap(err, "building chained request")
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	nextStep := entry.StepIndex + 1
	req.Header.Set(ChainStepHeader, strconv.Itoa(nextStep))

	log.G(ctx).WithFields(log.Fields{
		"target": next.URL,
		"step":   nextStep,
	}).Debug("dispatching chained call")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "chained call to %s", next.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("chained call to %s returned %s", next.URL, resp.Status)
	}
	var chained map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&chained); err != nil {
		return nil, errors.Wrapf(err, "invalid response JSON from %s", next.URL)
	}

	resultURL, _ := chained["resultUrl"].(string)
	if resultURL == "" {
		return chained, nil
	}
	fetched, err := s.fetchResult(ctx, resultURL)
	if err != nil {
		return nil, err
	}
	if result, ok := fetched["result"]; ok {
		return result, nil
	}
	return fetched, nil
}

func (s *Supervisor) fetchResult(ctx context.Context, resultURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching resultUrl %s", resultURL)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching resultUrl %s", resultURL)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "invalid JSON from resultUrl %s", resultURL)
	}
	return out, nil
}

// OutputURL builds the public URL of one output file, encoded component by
// component.
func (s *Supervisor) OutputURL(deploymentID, module, filename string) string {
	return s.cfg.BaseURL() + "/module_results/" +
		url.PathEscape(deploymentID) + "/" +
		url.PathEscape(module) + "/" +
		url.PathEscape(filename)
}

// ResultURL points at the history entry of one request.
func (s *Supervisor) ResultURL(requestID string) string {
	return s.cfg.BaseURL() + "/request-history/" + url.PathEscape(requestID)
}

// decodeResult turns the first raw wasm result into a tagged value keyed on
// the declared result type.
func decodeResult(t wasm.ValType, raw uint64) manifest.Value {
	switch t {
	case wasm.I32:
		return manifest.Int(int64(wasm.DecodeI32(raw)))
	case wasm.I64:
		return manifest.Int(wasm.DecodeI64(raw))
	case wasm.F32:
		return manifest.Float(float64(wasm.DecodeF32(raw)))
	case wasm.F64:
		return manifest.Float(wasm.DecodeF64(raw))
	}
	return manifest.Null()
}
