package wasm

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	// serializedSuffix marks the compiled-artifact stamp of the full profile.
	serializedSuffix = ".SERIALIZED"
	// pulleySuffix marks the precompiled artifact the restricted profile
	// requires.
	pulleySuffix = ".PULLEY"
	// cacheDirName holds wazero's file-backed compilation cache, kept beside
	// the module binaries of a deployment.
	cacheDirName = ".cache"
)

// FullProfile compiles modules, persists the compiled artifact beside the
// source, and grants the sandbox a system interface limited to the preopened
// params directory.
type FullProfile struct{}

func (FullProfile) Name() string { return "full" }

func (FullProfile) New(ctx context.Context, cfg ModuleConfig, opts Options) (Instance, error) {
	stamp := cfg.Path + serializedSuffix
	recompile, err := staleArtifact(cfg.Path, stamp)
	if err != nil {
		return nil, err
	}
	if recompile {
		log.G(ctx).WithField("module", cfg.Name).Debug("compiled artifact missing or stale, recompiling")
	}

	m, err := instantiate(ctx, cfg, opts, wazeroConfig(cfg), true)
	if err != nil {
		return nil, err
	}
	if recompile {
		if err := writeStamp(stamp, m.sourceSum); err != nil {
			m.Close(ctx)
			return nil, errors.Wrapf(err, "writing compiled artifact for module %q", cfg.Name)
		}
	}
	m.recompiled = recompile
	return m, nil
}

// RestrictedProfile interprets precompiled-only modules: no system
// interface, and loading fails unless a precompiled artifact is already in
// place. Wasm calls are serialized process-wide.
type RestrictedProfile struct {
	runMu sync.Mutex
}

func (*RestrictedProfile) Name() string { return "restricted" }

func (p *RestrictedProfile) New(ctx context.Context, cfg ModuleConfig, opts Options) (Instance, error) {
	artifact := cfg.Path + pulleySuffix
	stale, err := staleArtifact(cfg.Path, artifact)
	if err != nil {
		return nil, err
	}
	if stale {
		return nil, errors.Wrapf(errdefs.ErrFailedPrecondition,
			"module %q has no usable precompiled artifact and this profile does not compile", cfg.Name)
	}
	rcfg := wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true)
	m, err := instantiate(ctx, cfg, opts, rcfg, false)
	if err != nil {
		return nil, err
	}
	m.runMu = &p.runMu
	return m, nil
}

func wazeroConfig(cfg ModuleConfig) wazero.RuntimeConfig {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	cacheDir := filepath.Join(filepath.Dir(cfg.Path), cacheDirName)
	if cache, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
		rcfg = rcfg.WithCompilationCache(cache)
	}
	return rcfg
}

// staleArtifact reports whether the artifact beside source is missing or
// older than the source itself.
func staleArtifact(source, artifact string) (bool, error) {
	srcInfo, err := os.Stat(source)
	if err != nil {
		return false, errors.Wrapf(err, "module binary %q", source)
	}
	artInfo, err := os.Stat(artifact)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return srcInfo.ModTime().After(artInfo.ModTime()), nil
}

func writeStamp(path, sourceSum string) error {
	return os.WriteFile(path, []byte(sourceSum+"\n"), 0o644)
}

// moduleRuntime is one instantiated module. It satisfies Instance.
type moduleRuntime struct {
	name          string
	dataPtrExport string
	rt            wazero.Runtime
	mod           api.Module
	sourceSum     string
	recompiled    bool
	// runMu, when set, serializes calls process-wide (restricted profile).
	runMu *sync.Mutex
}

func instantiate(ctx context.Context, cfg ModuleConfig, opts Options, rcfg wazero.RuntimeConfig, wasi bool) (*moduleRuntime, error) {
	source, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading module %q", cfg.Name)
	}
	sum := sha256.Sum256(source)

	if opts.ParamsDir != "" {
		if err := os.MkdirAll(opts.ParamsDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "params directory for module %q", cfg.Name)
		}
	}

	r := wazero.NewRuntimeWithConfig(ctx, rcfg)
	m := &moduleRuntime{
		name:          cfg.Name,
		dataPtrExport: cfg.DataPtrExport,
		rt:            r,
		sourceSum:     hex.EncodeToString(sum[:]),
	}
	if err := instantiateHostImports(ctx, r, m, opts); err != nil {
		r.Close(ctx)
		return nil, errors.Wrapf(err, "host imports for module %q", cfg.Name)
	}
	if wasi {
		wasi_snapshot_preview1.MustInstantiate(ctx, r)
	}

	compiled, err := r.CompileModule(ctx, source)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Wrapf(err, "compiling module %q", cfg.Name)
	}

	mcfg := wazero.NewModuleConfig().
		WithName(cfg.Name).
		// Reactor-style modules initialize here; command-style entry points
		// are never run implicitly.
		WithStartFunctions("_initialize")
	if wasi {
		mcfg = mcfg.
			WithStdout(os.Stdout).
			WithStderr(os.Stderr).
			WithSysWalltime().
			WithSysNanotime().
			WithRandSource(rand.Reader)
		if opts.ParamsDir != "" {
			mcfg = mcfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(opts.ParamsDir, "."))
		}
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				mcfg = mcfg.WithEnv(k, v)
			}
		}
	}

	mod, err := r.InstantiateModule(ctx, compiled, mcfg)
	if err != nil {
		r.Close(ctx)
		return nil, errors.Wrapf(err, "instantiating module %q", cfg.Name)
	}
	m.mod = mod
	return m, nil
}

func (m *moduleRuntime) Recompiled() bool { return m.recompiled }

func (m *moduleRuntime) ReadMemory(offset, length uint32) ([]byte, error) {
	mem := m.mod.Memory()
	if mem == nil {
		return nil, errNotExported(m.name, "memory")
	}
	data, ok := mem.Read(offset, length)
	if !ok {
		return nil, errors.Wrapf(ErrOutOfBounds, "read %d bytes at %d from module %q", length, offset, m.name)
	}
	// The view aliases linear memory; detach it before the next call.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *moduleRuntime) WriteMemory(offset uint32, data []byte) error {
	mem := m.mod.Memory()
	if mem == nil {
		return errNotExported(m.name, "memory")
	}
	if !mem.Write(offset, data) {
		return errors.Wrapf(ErrOutOfBounds, "write %d bytes at %d into module %q", len(data), offset, m.name)
	}
	return nil
}

func (m *moduleRuntime) FunctionSignature(name string) (Signature, error) {
	def, ok := m.mod.ExportedFunctionDefinitions()[name]
	if !ok {
		return Signature{}, errNotExported(m.name, name)
	}
	return Signature{
		Params:  fromAPITypes(def.ParamTypes()),
		Results: fromAPITypes(def.ResultTypes()),
	}, nil
}

func (m *moduleRuntime) Run(ctx context.Context, name string, args []uint64, resultCount int) ([]uint64, error) {
	if m.runMu != nil {
		m.runMu.Lock()
		defer m.runMu.Unlock()
	}
	fn := m.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errNotExported(m.name, name)
	}
	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "running %s.%s", m.name, name)
	}
	out := make([]uint64, resultCount)
	copy(out, results)
	return out, nil
}

func (m *moduleRuntime) Exports() []string {
	defs := m.mod.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *moduleRuntime) Close(ctx context.Context) error {
	return m.rt.Close(ctx)
}

func fromAPITypes(ts []api.ValueType) []ValType {
	out := make([]ValType, len(ts))
	for i, t := range ts {
		switch t {
		case api.ValueTypeI32:
			out[i] = I32
		case api.ValueTypeI64:
			out[i] = I64
		case api.ValueTypeF32:
			out[i] = F32
		case api.ValueTypeF64:
			out[i] = F64
		}
	}
	return out
}
