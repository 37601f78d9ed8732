// Package history keeps the append-only log of executed requests.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"

	"github.com/wasmiot/supervisor/daemon/manifest"
)

// Entry tracks one request through its lifecycle. It is created when the
// request arrives, mutated only by the execution engine, and immutable once
// appended to the log.
type Entry struct {
	RequestID    string            `json:"request_id"`
	DeploymentID string            `json:"deployment_id"`
	ModuleName   string            `json:"module_name"`
	FunctionName string            `json:"function_name"`
	Method       string            `json:"method"`
	RequestArgs  map[string]string `json:"request_args"`
	// RequestFiles maps mount path to the uploaded file's location on disk.
	RequestFiles map[string]string `json:"request_files"`
	WorkQueuedAt time.Time         `json:"work_queued_at"`
	// StepIndex is the pipeline hop counter carried by X-Chain-Step.
	StepIndex int `json:"step_index"`
	// Result is the parsed primitive output, or the error message on
	// failure.
	Result *manifest.Value `json:"result"`
	// Outputs are the URLs of output-stage files produced by this request.
	Outputs []string `json:"outputs"`
	Success bool     `json:"success"`
}

// NewEntry builds an entry with a unique request id derived from the call
// coordinates and the queue time.
func NewEntry(deploymentID, module, function, method string, args map[string]string, files map[string]string, queuedAt time.Time, stepIndex int) *Entry {
	e := &Entry{
		DeploymentID: deploymentID,
		ModuleName:   module,
		FunctionName: function,
		Method:       method,
		RequestArgs:  args,
		RequestFiles: files,
		WorkQueuedAt: queuedAt,
		StepIndex:    stepIndex,
		Outputs:      []string{},
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s",
		deploymentID, module, function, queuedAt.Format(time.RFC3339Nano))))
	e.RequestID = hex.EncodeToString(sum[:])
	return e
}

// SetResult records a successful parse result.
func (e *Entry) SetResult(v manifest.Value) {
	e.Result = &v
}

// Fail records a terminal failure.
func (e *Entry) Fail(err error) {
	v := manifest.String(err.Error())
	e.Result = &v
	e.Success = false
}

// Log is the process-wide request history. Entries are only appended; there
// is no pruning, so the log grows with the process.
type Log struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
}

// NewLog builds an empty history.
func NewLog() *Log {
	return &Log{byID: make(map[string]*Entry)}
}

// Append records a terminal entry.
func (l *Log) Append(e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	l.byID[e.RequestID] = e
}

// Get looks an entry up by request id.
func (l *Log) Get(requestID string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[requestID]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "no request with id %q", requestID)
	}
	return e, nil
}

// List returns all entries in append order.
func (l *Log) List() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
