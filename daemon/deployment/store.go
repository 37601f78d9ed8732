package deployment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/wasmiot/supervisor/daemon/config"
	"github.com/wasmiot/supervisor/daemon/wasm"
)

// defaultDataPtrExport is the module export the camera import calls to
// allocate a frame buffer.
const defaultDataPtrExport = "get_image_ptr"

// Store materializes deployments on disk and rebuilds them at startup.
type Store struct {
	cfg     *config.Config
	profile wasm.Profile
	camera  wasm.Camera
	pinger  wasm.Pinger
	client  *http.Client
}

// NewStore builds a store. client may be nil, in which case the default
// HTTP client fetches module artifacts.
func NewStore(cfg *config.Config, profile wasm.Profile, camera wasm.Camera, pinger wasm.Pinger, client *http.Client) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{cfg: cfg, profile: profile, camera: camera, pinger: pinger, client: client}
}

// Create downloads every module named by the document, builds the runtimes,
// validates the aggregate, and persists the document. The whole operation
// either completes or leaves nothing registered; partially written files are
// cleaned by a later Delete of the same id.
func (s *Store) Create(ctx context.Context, doc *Document) (*Deployment, error) {
	// Some orchestrators omit module ids; they are opaque to the supervisor
	// but must be stable across restarts, so assign them before persisting.
	for i := range doc.Modules {
		if doc.Modules[i].ID == "" {
			doc.Modules[i].ID = uuid.NewString()
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.cfg.ModulesDir(doc.ID), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating module directory for deployment %q", doc.ID)
	}
	if err := os.MkdirAll(s.cfg.ParamsRoot(doc.ID), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating params directory for deployment %q", doc.ID)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, m := range doc.Modules {
		eg.Go(func() error {
			return s.fetchModule(egCtx, doc.ID, m)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	d, err := s.assemble(ctx, doc)
	if err != nil {
		return nil, err
	}

	if err := s.persist(doc); err != nil {
		d.Close(ctx)
		return nil, err
	}
	return d, nil
}

// fetchModule downloads a module's binary and auxiliary files into the
// deployment's directories.
func (s *Store) fetchModule(ctx context.Context, deploymentID string, m ModuleManifest) error {
	if err := s.download(ctx, m.URLs.Binary, s.cfg.ModulePath(deploymentID, m.Name)); err != nil {
		return errors.Wrapf(err, "fetching binary of module %q", m.Name)
	}
	if err := os.MkdirAll(s.cfg.ParamsDir(deploymentID, m.Name), 0o755); err != nil {
		return errors.Wrapf(err, "params directory of module %q", m.Name)
	}
	for filename, url := range m.URLs.Other {
		dst := s.cfg.ParamsPath(deploymentID, m.Name, filepath.Base(filename))
		if err := s.download(ctx, url, dst); err != nil {
			return errors.Wrapf(err, "fetching data file %q of module %q", filename, m.Name)
		}
	}
	return nil
}

func (s *Store) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	w, err := atomicwriter.New(dst, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// assemble builds configs and runtimes for a document whose files are
// already on disk, then constructs the aggregate.
func (s *Store) assemble(ctx context.Context, doc *Document) (*Deployment, error) {
	configs := make(map[string]wasm.ModuleConfig, len(doc.Modules))
	runtimes := make(map[string]wasm.Instance, len(doc.Modules))

	closeAll := func() {
		for _, rt := range runtimes {
			rt.Close(ctx)
		}
	}

	for _, m := range doc.Modules {
		dataFiles := make(map[string]string, len(m.URLs.Other))
		modelFile := ""
		for filename := range m.URLs.Other {
			name := filepath.Base(filename)
			dataFiles[name] = s.cfg.ParamsPath(doc.ID, m.Name, name)
			if modelFile == "" && strings.HasSuffix(name, ".pb") {
				modelFile = name
			}
		}
		cfg := wasm.ModuleConfig{
			ID:            m.ID,
			Name:          m.Name,
			Path:          s.cfg.ModulePath(doc.ID, m.Name),
			DataFiles:     dataFiles,
			MLModel:       wasm.DefaultMLModel(modelFile),
			DataPtrExport: defaultDataPtrExport,
		}
		rt, err := s.profile.New(ctx, cfg, wasm.Options{
			ParamsDir: s.cfg.ParamsDir(doc.ID, m.Name),
			Camera:    s.camera,
			Pinger:    s.pinger,
		})
		if err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "loading module %q of deployment %q", m.Name, doc.ID)
		}
		configs[m.Name] = cfg
		runtimes[m.Name] = rt
	}

	d, err := New(doc, configs, runtimes, func(module string) string {
		return s.cfg.ParamsDir(doc.ID, module)
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	return d, nil
}

// persist writes the deployment document with a write-then-swap so a crash
// never leaves a truncated document behind.
func (s *Store) persist(doc *Document) error {
	if err := os.MkdirAll(s.cfg.DeploymentsDir(), 0o755); err != nil {
		return errors.Wrapf(err, "deployments directory")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "serializing deployment %q", doc.ID)
	}
	if err := atomicwriter.WriteFile(s.cfg.DeploymentPath(doc.ID), data, 0o644); err != nil {
		return errors.Wrapf(err, "persisting deployment %q", doc.ID)
	}
	return nil
}

// Delete removes the document and both data directories of a deployment.
// Callers must have established that the deployment exists; the removals
// themselves tolerate already-missing paths.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := os.Remove(s.cfg.DeploymentPath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing document of deployment %q", id)
	}
	for _, dir := range []string{s.cfg.ModulesDir(id), s.cfg.ParamsRoot(id)} {
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "removing %q", dir)
		}
	}
	return nil
}

// LoadAll rebuilds every persisted deployment. A deployment that fails to
// come back (missing binary, stale artifact on a restricted profile) is
// logged and skipped; startup continues with the rest.
func (s *Store) LoadAll(ctx context.Context) []*Deployment {
	entries, err := os.ReadDir(s.cfg.DeploymentsDir())
	if err != nil {
		if !os.IsNotExist(err) {
			log.G(ctx).WithError(err).Warn("reading deployments directory")
		}
		return nil
	}
	var out []*Deployment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.cfg.DeploymentsDir(), e.Name())
		d, err := s.load(ctx, path)
		if err != nil {
			log.G(ctx).WithError(err).WithField("path", path).Warn("skipping deployment that failed to restore")
			continue
		}
		out = append(out, d)
	}
	return out
}

func (s *Store) load(ctx context.Context, path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, err.Error())
	}
	return s.assemble(ctx, &doc)
}
