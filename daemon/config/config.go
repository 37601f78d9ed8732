// Package config holds the runtime configuration of the supervisor daemon.
// All values come from the environment, matching the variables the
// orchestrator fabric expects a supervisor to honor.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// DefaultPort is used when WASMIOT_SUPERVISOR_PORT is unset or invalid.
	DefaultPort = 8080
	// DefaultName is the advertised service name fallback.
	DefaultName = "supervisor"
	// DefaultURLScheme is used for self-referencing URLs.
	DefaultURLScheme = "http"
	// DefaultMaxDeploymentSteps bounds pipeline chain depth.
	DefaultMaxDeploymentSteps = 10
	// DefaultRegisterRenewal is the interval between re-registrations with
	// the orchestrator's discovery endpoint.
	DefaultRegisterRenewal = 5 * time.Minute

	// RegisterPath is appended to the orchestrator URL when registering.
	RegisterPath = "/file/device/discovery/register"
)

// Config is built once at startup and passed down to every component.
type Config struct {
	// InstancePath is the root of all supervisor state on disk.
	InstancePath string

	Host string
	Port int

	// Name is the service name used for discovery.
	Name string

	URLScheme          string
	PreferredURLScheme string

	OrchestratorURL string

	// LoggingEndpoint receives structured log records when ExternalLogging
	// is set.
	LoggingEndpoint string
	ExternalLogging bool

	// CameraDevice is the source the camera host import captures from.
	CameraDevice string

	MaxDeploymentSteps int

	RegisterRenewal time.Duration
}

// FromEnv reads the configuration from the process environment.
func FromEnv() *Config {
	c := &Config{
		InstancePath:       envOr("INSTANCE_PATH", ""),
		Host:               envOr("WASMIOT_SUPERVISOR_IP", "localhost"),
		Port:               envInt("WASMIOT_SUPERVISOR_PORT", DefaultPort),
		Name:               envOr("SUPERVISOR_NAME", DefaultName),
		URLScheme:          envOr("DEFAULT_URL_SCHEME", DefaultURLScheme),
		PreferredURLScheme: envOr("PREFERRED_URL_SCHEME", DefaultURLScheme),
		OrchestratorURL:    os.Getenv("WASMIOT_ORCHESTRATOR_URL"),
		LoggingEndpoint:    os.Getenv("WASMIOT_LOGGING_ENDPOINT"),
		ExternalLogging:    os.Getenv("EXTERNAL_LOGGING_ENABLED") == "true",
		CameraDevice:       envOr("DEFAULT_CAMERA_DEVICE", "0"),
		MaxDeploymentSteps: envInt("MAX_DEPLOYMENT_STEPS", DefaultMaxDeploymentSteps),
		RegisterRenewal:    envDuration("WASMIOT_REGISTER_RENEWAL_TIME", DefaultRegisterRenewal),
	}
	if c.InstancePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = "."
		}
		c.InstancePath = filepath.Join(cwd, "instance")
	}
	if abs, err := filepath.Abs(c.InstancePath); err == nil {
		c.InstancePath = abs
	}
	return c
}

// ConfigsDir holds the device-description templates.
func (c *Config) ConfigsDir() string {
	return filepath.Join(c.InstancePath, "configs")
}

// ModulesDir is where a deployment's wasm binaries and compiled artifacts
// live.
func (c *Config) ModulesDir(deploymentID string) string {
	return filepath.Join(c.InstancePath, "wasm-modules", deploymentID)
}

// ModulePath is the wasm binary of one module.
func (c *Config) ModulePath(deploymentID, module string) string {
	return filepath.Join(c.ModulesDir(deploymentID), module)
}

// ParamsDir is the directory preopened for a module's sandbox.
func (c *Config) ParamsDir(deploymentID, module string) string {
	return filepath.Join(c.InstancePath, "wasm-params", deploymentID, module)
}

// ParamsRoot is the per-deployment parent of all module params directories.
func (c *Config) ParamsRoot(deploymentID string) string {
	return filepath.Join(c.InstancePath, "wasm-params", deploymentID)
}

// ParamsPath is a mounted file inside a module's params directory.
func (c *Config) ParamsPath(deploymentID, module, filename string) string {
	return filepath.Join(c.ParamsDir(deploymentID, module), filename)
}

// DeploymentsDir holds one JSON document per deployment.
func (c *Config) DeploymentsDir() string {
	return filepath.Join(c.InstancePath, "deployments")
}

// DeploymentPath is the JSON document of one deployment.
func (c *Config) DeploymentPath(deploymentID string) string {
	return filepath.Join(c.DeploymentsDir(), deploymentID+".json")
}

// BaseURL is the address this supervisor is reachable at.
func (c *Config) BaseURL() string {
	return c.URLScheme + "://" + c.Host + ":" + strconv.Itoa(c.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept plain seconds as well as Go duration syntax.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
