package daemon

import metrics "github.com/docker/go-metrics"

var (
	requestsCounter metrics.LabeledCounter
	wasmTimer       metrics.Timer
)

func init() {
	ns := metrics.NewNamespace("wasmiot_supervisor", "", nil)
	requestsCounter = ns.NewLabeledCounter("requests", "Requests executed by terminal outcome", "outcome")
	wasmTimer = ns.NewTimer("wasm_invocation", "Duration of wasm function invocations")
	metrics.Register(ns)
}
