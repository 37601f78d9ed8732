// Package manifest contains the typed form of the endpoint descriptions the
// orchestrator attaches to a deployment. The wire format is a subset of
// OpenAPI 3.0: operations, parameters, media types with encoding tables, and
// schemas restricted to the kinds a wasm function boundary can express.
package manifest

import (
	"encoding/json"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// SchemaType is the small set of schema kinds the supervisor understands.
type SchemaType string

const (
	TypeInteger SchemaType = "integer"
	TypeNumber  SchemaType = "number"
	TypeString  SchemaType = "string"
	TypeBoolean SchemaType = "boolean"
	TypeObject  SchemaType = "object"
)

// Schema describes a value. Only integers map directly onto a wasm
// primitive; everything else is marshalled through linear memory or files.
type Schema struct {
	Type       SchemaType         `json:"type,omitempty"`
	Format     string             `json:"format,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Ref        string             `json:"$ref,omitempty"`
}

// IsWasmPrimitive reports whether values of this schema travel as a plain
// wasm value.
func (s *Schema) IsWasmPrimitive() bool {
	return s != nil && s.Type == TypeInteger
}

// IsBinary reports whether this schema describes raw file content.
func (s *Schema) IsBinary() bool {
	return s != nil && s.Type == TypeString && s.Format == "binary"
}

// ParameterIn is where an endpoint parameter is carried.
type ParameterIn string

const (
	InQuery       ParameterIn = "query"
	InHeader      ParameterIn = "header"
	InPath        ParameterIn = "path"
	InCookie      ParameterIn = "cookie"
	InRequestBody ParameterIn = "requestBody"
)

// Parameter is one declared input of an endpoint.
type Parameter struct {
	Name     string               `json:"name"`
	In       ParameterIn          `json:"in"`
	Required bool                 `json:"required"`
	Schema   *Schema              `json:"schema,omitempty"`
	Content  map[string]MediaType `json:"content,omitempty"`
}

// Encoding maps a multipart field to its content type. A binary property
// without an encoding entry is not a file mount.
type Encoding struct {
	ContentType string `json:"contentType,omitempty"`
}

// MediaType pairs a schema with an optional per-field encoding table.
type MediaType struct {
	Schema   *Schema             `json:"schema,omitempty"`
	Encoding map[string]Encoding `json:"encoding,omitempty"`
}

// RequestBody is the body half of an endpoint request.
type RequestBody struct {
	MediaType string              `json:"media_type"`
	Schema    *Schema             `json:"schema,omitempty"`
	Encoding  map[string]Encoding `json:"encoding,omitempty"`
}

// Request declares the inputs of one endpoint.
type Request struct {
	Parameters  []Parameter  `json:"parameters"`
	RequestBody *RequestBody `json:"request_body,omitempty"`
}

// Response declares how the output of one endpoint is interpreted.
type Response struct {
	MediaType string  `json:"media_type"`
	Schema    *Schema `json:"schema,omitempty"`
}

// Endpoint identifies one callable function at one device.
type Endpoint struct {
	URL      string   `json:"url"`
	Path     string   `json:"path"`
	Method   string   `json:"method"`
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

// Instructions carries the next hop of the pipeline, if any. A nil To means
// the pipeline terminates here and the result goes back to the caller.
type Instructions struct {
	To *Endpoint `json:"to,omitempty"`
}

// MountStage determines when a mounted file is expected to exist.
type MountStage string

const (
	// StageDeployment files arrive with the deployment and are immutable.
	StageDeployment MountStage = "deployment"
	// StageExecution files are supplied per request.
	StageExecution MountStage = "execution"
	// StageOutput files are produced by the function.
	StageOutput MountStage = "output"
)

// Mount is a file visible to the sandbox at a relative path.
type Mount struct {
	Path      string     `json:"path"`
	MediaType string     `json:"media_type"`
	Stage     MountStage `json:"stage,omitempty"`
}

// StageMounts partitions a function's mounts by stage. The deployment
// document carries the stage keys in upper case.
type StageMounts struct {
	Deployment []Mount
	Execution  []Mount
	Output     []Mount
}

// MarshalJSON writes the document form with upper-case stage keys.
func (s StageMounts) MarshalJSON() ([]byte, error) {
	doc := map[string][]Mount{}
	if len(s.Deployment) > 0 {
		doc["DEPLOYMENT"] = s.Deployment
	}
	if len(s.Execution) > 0 {
		doc["EXECUTION"] = s.Execution
	}
	if len(s.Output) > 0 {
		doc["OUTPUT"] = s.Output
	}
	return json.Marshal(doc)
}

// UnmarshalJSON accepts stage keys in any case.
func (s *StageMounts) UnmarshalJSON(data []byte) error {
	var doc map[string][]Mount
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*s = StageMounts{}
	for key, mounts := range doc {
		switch MountStage(strings.ToLower(key)) {
		case StageDeployment:
			s.Deployment = mounts
		case StageExecution:
			s.Execution = mounts
		case StageOutput:
			s.Output = mounts
		default:
			return errors.Wrapf(errdefs.ErrInvalidArgument, "unknown mount stage %q", key)
		}
	}
	return nil
}

// UnmarshalJSON accepts stage names in any case.
func (m *MountStage) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*m = MountStage(strings.ToLower(s))
	return nil
}

// ForStage returns the mounts of one stage.
func (s StageMounts) ForStage(stage MountStage) []Mount {
	switch stage {
	case StageDeployment:
		return s.Deployment
	case StageExecution:
		return s.Execution
	case StageOutput:
		return s.Output
	}
	return nil
}

// All returns every mount regardless of stage.
func (s StageMounts) All() []Mount {
	out := make([]Mount, 0, len(s.Deployment)+len(s.Execution)+len(s.Output))
	out = append(out, s.Deployment...)
	out = append(out, s.Execution...)
	out = append(out, s.Output...)
	return out
}

// MountsFromMultipart derives the file mounts of a multipart/form-data
// request body. A schema property is a mount iff it is a binary string and
// the encoding table names a content type for it; everything else is a
// non-file parameter. Other media types are rejected.
func MountsFromMultipart(body *RequestBody) ([]Mount, error) {
	if body == nil {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no request body")
	}
	if body.MediaType != "multipart/form-data" {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "expected multipart/form-data, got %q", body.MediaType)
	}
	if body.Schema == nil || body.Schema.Type != TypeObject {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "multipart body requires an object schema")
	}
	if len(body.Schema.Properties) == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "multipart schema has no properties")
	}
	var mounts []Mount
	for name, prop := range body.Schema.Properties {
		if !prop.IsBinary() {
			continue
		}
		enc, ok := body.Encoding[name]
		if !ok || enc.ContentType == "" {
			continue
		}
		mounts = append(mounts, Mount{Path: name, MediaType: enc.ContentType})
	}
	return mounts, nil
}

// fileMediaTypes is the allow-list of response media types treated as file
// outputs. Anything else is interpreted as plain JSON.
var fileMediaTypes = map[string]struct{}{
	"image/png":                {},
	"image/jpeg":               {},
	"image/jpg":                {},
	"application/octet-stream": {},
	"application/wasm":         {},
	"text/html":                {},
	"text/javascript":          {},
}

// IsFileType reports whether a media type names file content.
func IsFileType(mediaType string) bool {
	mt := strings.TrimSpace(strings.ToLower(mediaType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	_, ok := fileMediaTypes[mt]
	return ok
}
