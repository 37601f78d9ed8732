// Package deployment implements the aggregate the execution engine drives:
// a set of wasm modules, their runtimes, and the execution graph (endpoints,
// next-hop instructions, stage-partitioned file mounts), durable as one JSON
// document on disk.
package deployment

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/locker"
	"github.com/pkg/errors"

	"github.com/wasmiot/supervisor/daemon/manifest"
	"github.com/wasmiot/supervisor/daemon/wasm"
)

// Deployment is one pipeline slice owned by this device. Modules and the
// execution graph are fixed at construction; only the runtimes carry
// mutable state.
type Deployment struct {
	ID string

	// Modules maps module name to its configuration. Read-only after
	// construction.
	Modules map[string]wasm.ModuleConfig

	doc *Document

	runtimes map[string]wasm.Instance
	// locks serializes Run calls per module: all exports of one module share
	// a linear memory.
	locks *locker.Locker

	// paramsDir resolves the sandbox directory of one module.
	paramsDir func(module string) string
}

// New validates the construction invariants and assembles the aggregate.
func New(doc *Document, configs map[string]wasm.ModuleConfig, runtimes map[string]wasm.Instance, paramsDir func(module string) string) (*Deployment, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if len(configs) != len(runtimes) {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument,
			"deployment %q: %d module configs but %d runtimes", doc.ID, len(configs), len(runtimes))
	}
	for name := range configs {
		if _, ok := runtimes[name]; !ok {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument,
				"deployment %q: module %q has no runtime", doc.ID, name)
		}
	}

	d := &Deployment{
		ID:        doc.ID,
		Modules:   configs,
		doc:       doc,
		runtimes:  runtimes,
		locks:     locker.New(),
		paramsDir: paramsDir,
	}
	if err := d.validateGraph(); err != nil {
		return nil, err
	}
	return d, nil
}

// validateGraph checks that every referenced (module, function) exists and
// every mount path stays inside the sandbox.
func (d *Deployment) validateGraph() error {
	checkFunc := func(kind, mod, fn string) error {
		rt, ok := d.runtimes[mod]
		if !ok {
			return errors.Wrapf(errdefs.ErrInvalidArgument,
				"deployment %q: %s reference unknown module %q", d.ID, kind, mod)
		}
		if _, err := rt.FunctionSignature(fn); err != nil {
			return errors.Wrapf(errdefs.ErrInvalidArgument,
				"deployment %q: module %q does not export %q (%s)", d.ID, mod, fn, kind)
		}
		return nil
	}
	for mod, fns := range d.doc.Endpoints {
		for fn, ep := range fns {
			if err := checkFunc("endpoints", mod, fn); err != nil {
				return err
			}
			rb := ep.Request.RequestBody
			if rb == nil || rb.MediaType != "multipart/form-data" {
				continue
			}
			derived, err := manifest.MountsFromMultipart(rb)
			if err != nil {
				return errors.Wrapf(err, "deployment %q: request body of %s.%s", d.ID, mod, fn)
			}
			// Every file field of the request body must be assigned a stage.
			staged := d.doc.Mounts[mod][fn].All()
			for _, m := range derived {
				if !containsMount(staged, m.Path) {
					return errors.Wrapf(errdefs.ErrInvalidArgument,
						"deployment %q: multipart field %q of %s.%s has no stage assignment", d.ID, m.Path, mod, fn)
				}
			}
		}
	}
	for mod, fns := range d.doc.Instructions {
		for fn := range fns {
			if err := checkFunc("instructions", mod, fn); err != nil {
				return err
			}
		}
	}
	for mod, fns := range d.doc.Mounts {
		cfg := d.Modules[mod]
		for fn, stages := range fns {
			for _, m := range stages.All() {
				if filepath.IsAbs(m.Path) {
					return errors.Wrapf(errdefs.ErrInvalidArgument,
						"deployment %q: mount %q of %s.%s is absolute", d.ID, m.Path, mod, fn)
				}
				if !filepath.IsLocal(m.Path) {
					return errors.Wrapf(errdefs.ErrInvalidArgument,
						"deployment %q: mount %q of %s.%s escapes the sandbox", d.ID, m.Path, mod, fn)
				}
			}
			for _, m := range stages.Deployment {
				if _, ok := cfg.DataFiles[m.Path]; !ok {
					return errors.Wrapf(errdefs.ErrInvalidArgument,
						"deployment %q: deployment-stage mount %q of %s.%s has no data file", d.ID, m.Path, mod, fn)
				}
			}
		}
	}
	return nil
}

func containsMount(mounts []manifest.Mount, path string) bool {
	for _, m := range mounts {
		if m.Path == path {
			return true
		}
	}
	return false
}

// Document returns the durable form of this deployment.
func (d *Deployment) Document() *Document { return d.doc }

// Runtime returns the runtime of one module.
func (d *Deployment) Runtime(module string) (wasm.Instance, error) {
	rt, ok := d.runtimes[module]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "module %q not in deployment %q", module, d.ID)
	}
	return rt, nil
}

// HasModule reports whether the deployment owns the named module.
func (d *Deployment) HasModule(module string) bool {
	_, ok := d.runtimes[module]
	return ok
}

// Endpoint returns the endpoint of one function.
func (d *Deployment) Endpoint(module, function string) (manifest.Endpoint, error) {
	ep, ok := d.doc.Endpoints[module][function]
	if !ok {
		return manifest.Endpoint{}, errors.Wrapf(errdefs.ErrNotFound,
			"no endpoint for %s.%s in deployment %q", module, function, d.ID)
	}
	return ep, nil
}

// Mounts returns the stage-partitioned mounts of one function.
func (d *Deployment) Mounts(module, function string) manifest.StageMounts {
	return d.doc.Mounts[module][function]
}

// LockModule serializes wasm invocations of one module.
func (d *Deployment) LockModule(module string) { d.locks.Lock(module) }

// UnlockModule releases the module's run lock.
func (d *Deployment) UnlockModule(module string) { d.locks.Unlock(module) }

// ParamsDir is the sandbox directory of one module.
func (d *Deployment) ParamsDir(module string) string { return d.paramsDir(module) }

// Close tears down every runtime.
func (d *Deployment) Close(ctx context.Context) {
	for name, rt := range d.runtimes {
		if err := rt.Close(ctx); err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"deployment": d.ID,
				"module":     name,
			}).Warn("closing module runtime")
		}
	}
}

// PrepareForRunning stages the request's files into the module's params
// directory and builds the wasm argument vector for one function call.
// Primitive parameters come from the request arguments; binary parameters
// come from uploaded files keyed by mount path.
func (d *Deployment) PrepareForRunning(ctx context.Context, module, function string, args map[string]string, files map[string]string) ([]uint64, error) {
	ep, err := d.Endpoint(module, function)
	if err != nil {
		return nil, err
	}
	rt, err := d.Runtime(module)
	if err != nil {
		return nil, err
	}
	sig, err := rt.FunctionSignature(function)
	if err != nil {
		return nil, err
	}

	var wasmArgs []uint64
	for _, p := range ep.Request.Parameters {
		if p.In == manifest.InRequestBody {
			continue
		}
		raw, ok := args[p.Name]
		if !ok {
			if p.Required {
				return nil, errors.Wrapf(errdefs.ErrInvalidArgument,
					"missing required argument %q for %s.%s", p.Name, module, function)
			}
			raw = "0"
		}
		t := wasm.I32
		if i := len(wasmArgs); i < len(sig.Params) {
			t = sig.Params[i]
		}
		v, err := wasm.EncodeScalar(t, raw)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %q for %s.%s", p.Name, module, function)
		}
		wasmArgs = append(wasmArgs, v)
	}

	for _, m := range d.Mounts(module, function).Execution {
		src, ok := files[m.Path]
		if !ok {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument,
				"missing required file %q for %s.%s", m.Path, module, function)
		}
		if err := d.stageFile(ctx, module, m.Path, src); err != nil {
			return nil, err
		}
	}
	return wasmArgs, nil
}

// stageFile places an uploaded file at its mount path inside the module's
// params directory. Concurrent requests writing the same filename race;
// last writer wins.
func (d *Deployment) stageFile(ctx context.Context, module, mountPath, src string) error {
	dst := filepath.Join(d.paramsDir(module), mountPath)
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "staging %q for module %q", mountPath, module)
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "staging %q for module %q", mountPath, module)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "staging %q for module %q", mountPath, module)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "staging %q for module %q", mountPath, module)
	}
	log.G(ctx).WithFields(log.Fields{
		"deployment": d.ID,
		"module":     module,
		"mount":      mountPath,
	}).Debug("staged input file")
	return nil
}

// ParseEndpointResult interprets a function's raw primitive output according
// to the endpoint's declared response media type and the function's
// output-stage mounts. It returns the value to report and the names of
// output files to expose as URLs. A declared output file missing from disk
// is logged and omitted, never an error.
func (d *Deployment) ParseEndpointResult(ctx context.Context, module string, raw manifest.Value, resp manifest.Response, outputs []manifest.Mount) (manifest.Value, []string) {
	collect := func() []string {
		var names []string
		for _, m := range outputs {
			path := filepath.Join(d.paramsDir(module), m.Path)
			if _, err := os.Stat(path); err != nil {
				log.G(ctx).WithFields(log.Fields{
					"deployment": d.ID,
					"module":     module,
					"mount":      m.Path,
				}).Warn("declared output file not found")
				continue
			}
			names = append(names, m.Path)
		}
		return names
	}

	switch {
	case resp.MediaType == "application/json":
		return raw, nil
	case resp.MediaType == "multipart/form-data":
		return raw, collect()
	case manifest.IsFileType(resp.MediaType):
		// The primitive output is a sentinel; the files are the result.
		return manifest.Null(), collect()
	default:
		return raw, nil
	}
}

// NextTarget returns the endpoint of the next pipeline hop for one function,
// or nil when the pipeline terminates here. The step index only decorates
// logs: a deployment does not encode every step.
func (d *Deployment) NextTarget(ctx context.Context, module, function string, stepIndex int) *manifest.Endpoint {
	inst, ok := d.doc.Instructions[module][function]
	if !ok || inst.To == nil {
		return nil
	}
	log.G(ctx).WithFields(log.Fields{
		"deployment": d.ID,
		"module":     module,
		"function":   function,
		"step":       stepIndex,
	}).Debug("pipeline continues to next target")
	return inst.To
}
