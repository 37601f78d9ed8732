package deployment

import (
	"github.com/containerd/errdefs"
	"github.com/pkg/errors"

	"github.com/wasmiot/supervisor/daemon/manifest"
)

// ModuleURLs points at the artifacts a module is materialized from.
type ModuleURLs struct {
	Binary string            `json:"binary"`
	Other  map[string]string `json:"other,omitempty"`
}

// ModuleManifest is one module as named in the deployment document.
type ModuleManifest struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	URLs ModuleURLs `json:"urls"`
}

// Document is the durable form of a deployment: what the orchestrator sent,
// with any missing module ids filled in by Store.Create, persisted so the
// deployment can be rebuilt after a restart.
type Document struct {
	ID           string                                      `json:"id"`
	Modules      []ModuleManifest                            `json:"modules"`
	Endpoints    map[string]map[string]manifest.Endpoint     `json:"endpoints,omitempty"`
	Instructions map[string]map[string]manifest.Instructions `json:"instructions,omitempty"`
	Mounts       map[string]map[string]manifest.StageMounts  `json:"mounts,omitempty"`
}

// Validate checks the parts of a document that don't need disk or network
// access.
func (d *Document) Validate() error {
	if d.ID == "" {
		return errors.Wrap(errdefs.ErrInvalidArgument, "deployment id is required")
	}
	if len(d.Modules) == 0 {
		return errors.Wrap(errdefs.ErrInvalidArgument, "deployment has no modules")
	}
	seen := make(map[string]struct{}, len(d.Modules))
	for _, m := range d.Modules {
		if m.Name == "" {
			return errors.Wrap(errdefs.ErrInvalidArgument, "module without a name")
		}
		if _, ok := seen[m.Name]; ok {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "duplicate module name %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		if m.URLs.Binary == "" {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "module %q has no binary URL", m.Name)
		}
	}
	for mod := range d.Endpoints {
		if _, ok := seen[mod]; !ok {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "endpoints reference unknown module %q", mod)
		}
	}
	for mod := range d.Instructions {
		if _, ok := seen[mod]; !ok {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "instructions reference unknown module %q", mod)
		}
	}
	for mod := range d.Mounts {
		if _, ok := seen[mod]; !ok {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "mounts reference unknown module %q", mod)
		}
	}
	return nil
}
