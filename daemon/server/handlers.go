package server

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/wasmiot/supervisor/daemon"
	"github.com/wasmiot/supervisor/daemon/deployment"
	"github.com/wasmiot/supervisor/daemon/device"
	"github.com/wasmiot/supervisor/daemon/history"
	"github.com/wasmiot/supervisor/daemon/wasm"
)

// maxMultipartMemory bounds how much of an upload is buffered in memory
// before spilling to disk.
const maxMultipartMemory = 32 << 20

func (s *Server) deviceDescription(w http.ResponseWriter, r *http.Request) {
	desc, err := device.Description(s.sup.Config().ConfigsDir(), wasm.HostImports, s.probes)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) thingDescription(w http.ResponseWriter, r *http.Request) {
	desc, err := device.ThingDescription(s.sup.Config().ConfigsDir())
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	report := s.probes.Health()
	if s.adv != nil && s.requestFromOrchestrator(r) {
		// A health check from the orchestrator proves the registration is
		// still live.
		s.adv.RecordHealthCheck()
	}
	writeJSON(w, http.StatusOK, report)
}

// requestFromOrchestrator compares the caller's address (or the forwarded
// one) with the registered orchestrator host.
func (s *Server) requestFromOrchestrator(r *http.Request) bool {
	orch := s.sup.Config().OrchestratorURL
	if orch == "" {
		return false
	}
	u, err := url.Parse(orch)
	if err != nil {
		return false
	}
	from := r.Header.Get("X-Forwarded-For")
	if from == "" {
		from = r.RemoteAddr
		if host, _, err := splitHostPort(from); err == nil {
			from = host
		}
	}
	return from == u.Hostname()
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr, "", errors.New("no port")
	}
	return strings.Trim(addr[:i], "[]"), addr[i+1:], nil
}

func (s *Server) registerOrchestrator(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.URL == "" {
		writeError(w, errors.Wrap(errdefs.ErrInvalidArgument, "no url found"), nil)
		return
	}
	if u, err := url.Parse(payload.URL); err != nil || u.Scheme == "" || u.Host == "" {
		writeError(w, errors.Wrap(errdefs.ErrInvalidArgument, "invalid url"), nil)
		return
	}
	cfg := s.sup.Config()
	cfg.OrchestratorURL = payload.URL
	cfg.LoggingEndpoint = payload.URL + "/device/logs"
	log.G(r.Context()).WithField("orchestrator", payload.URL).Info("orchestrator registered")
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) deploymentList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"deployments": s.sup.Deployments()})
}

func (s *Server) deploymentCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		deployment.Document
		// Older orchestrators send the id under deploymentId.
		DeploymentID string `json:"deploymentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, errors.Wrap(errdefs.ErrInvalidArgument, err.Error()), nil)
		return
	}
	doc := payload.Document
	if doc.ID == "" {
		doc.ID = payload.DeploymentID
	}
	d, err := s.sup.CreateDeployment(r.Context(), &doc)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "success",
		"deploymentId": d.ID,
	})
}

func (s *Server) deploymentDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["deploymentID"]
	if err := s.sup.DeleteDeployment(r.Context(), id); err != nil {
		writeError(w, err, map[string]any{"deployment_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "deployment " + id + " and all associated files deleted",
	})
}

func (s *Server) moduleResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.serveParamsFile(w, r, vars["deploymentID"], vars["module"], vars["filename"])
}

func (s *Server) serveParamsFile(w http.ResponseWriter, r *http.Request, deploymentID, module, filename string) {
	filename = filepath.Base(filename)
	path := s.sup.Config().ParamsPath(deploymentID, module, filename)
	if _, err := os.Stat(path); err != nil {
		writeError(w, errors.Wrapf(errdefs.ErrNotFound, "file %q not found", filename), map[string]any{
			"deployment_id": deploymentID,
			"module":        module,
		})
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) historyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.History().List())
}

func (s *Server) historyGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["requestID"]
	entry, err := s.sup.History().Get(id)
	if err != nil {
		writeError(w, err, map[string]any{"request_id": id})
		return
	}
	status := http.StatusOK
	if !entry.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, entry)
}

// runModuleFunction executes one function of one module, or serves a file
// from the module's params directory when the route carries a filename.
func (s *Server) runModuleFunction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deploymentID, module, function := vars["deploymentID"], vars["module"], vars["function"]

	if filename, ok := vars["filename"]; ok {
		s.serveParamsFile(w, r, deploymentID, module, filename)
		return
	}

	stepIndex := 0
	if h := r.Header.Get(daemon.ChainStepHeader); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n < 0 {
			writeError(w, errors.Wrapf(errdefs.ErrInvalidArgument, "invalid %s header %q", daemon.ChainStepHeader, h), nil)
			return
		}
		stepIndex = n
	} else {
		log.G(r.Context()).Debugf("missing %s header, defaulting to step 0", daemon.ChainStepHeader)
	}

	args := map[string]string{}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			args[name] = values[0]
		}
	}

	files := map[string]string{}
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		if err := s.saveUploads(r, deploymentID, module, args, files); err != nil {
			writeError(w, err, nil)
			return
		}
	}

	entry := history.NewEntry(deploymentID, module, function, r.Method, args, files, s.sup.Clock().Now(), stepIndex)
	result, err := s.sup.Execute(r.Context(), entry)
	resultURL := s.sup.ResultURL(entry.RequestID)
	if err != nil {
		writeError(w, err, map[string]any{"resultUrl": resultURL})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":    result,
		"resultUrl": resultURL,
	})
}

// saveUploads stores each multipart file part under the module's params
// directory and records it in the files map keyed by field name. Non-file
// form values merge into the argument map.
func (s *Server) saveUploads(r *http.Request, deploymentID, module string, args map[string]string, files map[string]string) error {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/form-data") {
		return nil
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return errors.Wrap(errdefs.ErrInvalidArgument, err.Error())
	}
	for name, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			args[name] = values[0]
		}
	}
	for field, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		filename := filepath.Base(fh.Filename)
		if filename == "" || filename == "." {
			filename = field + "_input.dat"
		}
		dst := s.sup.Config().ParamsPath(deploymentID, module, filename)
		if err := saveUpload(fh, dst); err != nil {
			return err
		}
		files[field] = dst
	}
	return nil
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "reading upload")
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "staging upload")
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "staging upload")
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return errors.Wrap(err, "staging upload")
	}
	return nil
}
