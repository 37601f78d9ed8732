// Package wasm provides the sandboxed execution environment for one module
// of a deployment. Each module gets its own wazero runtime with a system
// interface restricted to a single preopened directory (its params folder,
// mounted as "."), plus the supervisor's host imports.
package wasm

import (
	"context"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// ValType is one of the four wasm primitive value types.
type ValType byte

const (
	I32 ValType = iota + 1
	I64
	F32
	F64
)

func (t ValType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return "unknown"
}

// Signature is the declared parameter and result types of one export.
type Signature struct {
	Params  []ValType
	Results []ValType
}

// MLModel names the exports used to run inference against a data file
// shipped with the module.
type MLModel struct {
	Path        string `json:"path"`
	AllocExport string `json:"alloc_export"`
	InferExport string `json:"infer_export"`
}

// DefaultMLModel derives the conventional model configuration from a data
// file name.
func DefaultMLModel(path string) *MLModel {
	if path == "" {
		path = "model.pb"
	}
	return &MLModel{
		Path:        path,
		AllocExport: "alloc",
		InferExport: "infer_from_ptrs",
	}
}

// ModuleConfig describes how to materialize one module's runtime.
type ModuleConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Path is the wasm binary on disk.
	Path string `json:"path"`
	// DataFiles maps deployment-stage file names to their on-disk paths.
	DataFiles map[string]string `json:"data_files,omitempty"`
	MLModel   *MLModel          `json:"ml_model,omitempty"`
	// DataPtrExport is the export that allocates a buffer for dynamically
	// sized camera captures.
	DataPtrExport string `json:"data_ptr_export,omitempty"`
}

// Runtime is a single instantiated module, callable until closed. Callers
// must serialize Run invocations themselves: all exports of one module share
// the same linear memory and store.
type Runtime interface {
	// ReadMemory copies length bytes starting at offset out of the module's
	// linear memory.
	ReadMemory(offset, length uint32) ([]byte, error)
	// WriteMemory copies data into linear memory at offset.
	WriteMemory(offset uint32, data []byte) error
	// FunctionSignature looks up the declared signature of an export.
	FunctionSignature(name string) (Signature, error)
	// Run invokes an export. The result slice is sized to resultCount:
	// extra results are truncated, missing ones zero-padded.
	Run(ctx context.Context, name string, args []uint64, resultCount int) ([]uint64, error)
	// Exports lists the exported function names.
	Exports() []string
	Close(ctx context.Context) error
}

// Instance extends Runtime with load metadata.
type Instance interface {
	Runtime
	// Recompiled reports whether loading this instance ran the compiler
	// instead of reusing the cached artifact.
	Recompiled() bool
}

// Options configures instantiation beyond the module config itself.
type Options struct {
	// ParamsDir is preopened into the sandbox as ".".
	ParamsDir string
	// Camera backs the camera host imports.
	Camera Camera
	// Pinger backs the network host import.
	Pinger Pinger
}

// Profile creates runtimes. The full profile compiles and grants a system
// interface; the restricted profile interprets precompiled-only modules with
// no system interface. Which profile runs is decided once at startup.
type Profile interface {
	New(ctx context.Context, cfg ModuleConfig, opts Options) (Instance, error)
	Name() string
}

// HostImports is the list of imported functions the supervisor advertises in
// its device description.
var HostImports = []string{
	"takeImageDynamicSize",
	"takeImageStaticSize",
	"ping",
}

// ErrOutOfBounds reports a linear-memory access outside the module's memory.
var ErrOutOfBounds = errors.New("memory access out of bounds")

// errNotExported wraps errdefs.ErrNotFound for a missing export.
func errNotExported(module, name string) error {
	return errors.Wrapf(errdefs.ErrNotFound, "module %q does not export %q", module, name)
}
