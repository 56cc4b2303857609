package config

import (
	"fmt"
	"os"
	"time"

	"github.com/distribution/reference"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Deployment modes for session backends.
const (
	// ModeProcess runs each backend as a local child process under the
	// session user's identity.
	ModeProcess = "process"

	// ModeContainer runs each backend as a single-replica workload on the
	// cluster.
	ModeContainer = "container"
)

// Config is the validated sessiond configuration.
type Config struct {
	// Namespace holds every session object.
	Namespace string `yaml:"namespace"`

	// Mode selects the deployment variant: "process" or "container".
	Mode string `yaml:"mode"`

	// Kubeconfig overrides automatic discovery when set.
	Kubeconfig string `yaml:"kubeconfig"`

	// MutationsPerSecond caps mutating API calls. Zero disables limiting.
	MutationsPerSecond float64 `yaml:"mutationsPerSecond"`

	// Tunnel port-forwards to session pods instead of dialing the service
	// DNS name. Needed when sessiond runs outside the cluster in
	// container mode.
	Tunnel bool `yaml:"tunnel"`

	Backend BackendConfig `yaml:"backend"`
	Storage StorageConfig `yaml:"storage"`
	Ingress IngressConfig `yaml:"ingress"`
	Ports   PortRange     `yaml:"ports"`
	Budgets Budgets       `yaml:"budgets"`

	// LogLines bounds each session's in-memory log ring.
	LogLines int `yaml:"logLines"`

	// LogLevel is the process log level (debug, info, warn, error).
	LogLevel string `yaml:"logLevel"`
}

// BackendConfig describes the session backend.
type BackendConfig struct {
	// Image is the container image used in container mode.
	Image string `yaml:"image"`

	// Command is the command template. The placeholders {username},
	// {port} and {folder} are expanded per session.
	Command []string `yaml:"command"`

	// Port the backend listens on.
	Port int32 `yaml:"port"`

	// MountPath is where the storage claim is mounted in container mode.
	MountPath string `yaml:"mountPath"`

	// CPULimit and MemoryLimit are optional container resource limits,
	// e.g. "2" and "4Gi".
	CPULimit    string `yaml:"cpuLimit"`
	MemoryLimit string `yaml:"memoryLimit"`

	// RunAsUser executes process-mode backends as the session's system
	// user via sudo when true.
	RunAsUser bool `yaml:"runAsUser"`
}

// StorageConfig describes the claims created for sessions.
type StorageConfig struct {
	// Size of each per-session claim, e.g. "10Gi".
	Size string `yaml:"size"`

	// SharedClaimName and SharedSize configure the shared data claim
	// every session mounts. Empty name disables it.
	SharedClaimName string `yaml:"sharedClaimName"`
	SharedSize      string `yaml:"sharedSize"`

	// StorageClass for all claims. Empty means the cluster default.
	StorageClass string `yaml:"storageClass"`
}

// IngressConfig describes the externally reachable route.
type IngressConfig struct {
	// Enabled controls whether sessions get a route at all.
	Enabled bool `yaml:"enabled"`

	// Host is the external hostname routes are registered under.
	Host string `yaml:"host"`

	// Class selects the ingress controller. Optional.
	Class string `yaml:"class"`

	// TLS enables HTTPS with the named secret.
	TLS       bool   `yaml:"tls"`
	TLSSecret string `yaml:"tlsSecret"`

	// ExternalIP is the address of the host running sessiond, wired into
	// the manual address records behind process-mode routes.
	ExternalIP string `yaml:"externalIP"`
}

// PortRange is the local port pool for process-mode sessions.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Budgets are the wall-clock limits on provisioning steps.
type Budgets struct {
	// Visibility bounds the wait for a freshly created object to appear
	// in its mirror.
	Visibility time.Duration `yaml:"visibility"`

	// Startup bounds the wait for the workload to become ready.
	Startup time.Duration `yaml:"startup"`

	// KillGrace is how long a process-mode backend gets to exit after a
	// graceful termination request before it is force-killed.
	KillGrace time.Duration `yaml:"killGrace"`
}

// Default returns the baseline configuration, with environment variable
// overrides applied for the fields operators most often change.
func Default() *Config {
	cfg := &Config{
		Namespace:          "carta",
		Mode:               ModeContainer,
		MutationsPerSecond: 20,
		Backend: BackendConfig{
			Image:     "cartavis/carta-backend:latest",
			Command:   []string{"carta_backend", "--port", "{port}", "--top_level_folder", "{folder}"},
			Port:      3002,
			MountPath: "/data",
		},
		Storage: StorageConfig{
			Size:            "10Gi",
			SharedClaimName: "carta-shared-data",
			SharedSize:      "100Gi",
		},
		Ingress: IngressConfig{
			Enabled: true,
			Host:    "carta.example.org",
		},
		Ports: PortRange{Min: 3003, Max: 3500},
		Budgets: Budgets{
			Visibility: 10 * time.Second,
			Startup:    60 * time.Second,
			KillGrace:  3 * time.Second,
		},
		LogLines: 1000,
		LogLevel: "info",
	}

	if v := os.Getenv("SESSIOND_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("SESSIOND_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("SESSIOND_IMAGE"); v != "" {
		cfg.Backend.Image = v
	}
	if v := os.Getenv("SESSIOND_INGRESS_HOST"); v != "" {
		cfg.Ingress.Host = v
	}
	if v := os.Getenv("KUBECONFIG"); v != "" && cfg.Kubeconfig == "" {
		cfg.Kubeconfig = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for construction-time errors. These
// are fatal; nothing here is retried.
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if c.Mode != ModeProcess && c.Mode != ModeContainer {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeProcess, ModeContainer, c.Mode)
	}

	if c.Mode == ModeContainer {
		if c.Backend.Image == "" {
			return fmt.Errorf("backend.image is required in container mode")
		}
		if c.Storage.Size == "" {
			return fmt.Errorf("storage.size is required in container mode")
		}
		if _, err := reference.ParseNormalizedNamed(c.Backend.Image); err != nil {
			return fmt.Errorf("backend.image %q is not a valid image reference: %w", c.Backend.Image, err)
		}
	}
	if c.Mode == ModeProcess && len(c.Backend.Command) == 0 {
		return fmt.Errorf("backend.command is required in process mode")
	}
	if c.Storage.SharedClaimName != "" && c.Storage.SharedSize == "" {
		return fmt.Errorf("storage.sharedSize is required when storage.sharedClaimName is set")
	}
	for field, v := range map[string]string{
		"backend.cpuLimit":    c.Backend.CPULimit,
		"backend.memoryLimit": c.Backend.MemoryLimit,
		"storage.size":        c.Storage.Size,
		"storage.sharedSize":  c.Storage.SharedSize,
	} {
		if v == "" {
			continue
		}
		if _, err := resource.ParseQuantity(v); err != nil {
			return fmt.Errorf("%s %q is not a valid quantity: %w", field, v, err)
		}
	}
	if c.Backend.Port < 1 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port %d out of range", c.Backend.Port)
	}

	if c.Ports.Min < 1 || c.Ports.Max > 65535 || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Min, c.Ports.Max)
	}

	if c.Ingress.Enabled && c.Ingress.Host == "" {
		return fmt.Errorf("ingress.host is required when ingress is enabled")
	}
	if c.Ingress.TLS && c.Ingress.TLSSecret == "" {
		return fmt.Errorf("ingress.tlsSecret is required when TLS is enabled")
	}
	if c.Mode == ModeProcess && c.Ingress.Enabled && c.Ingress.ExternalIP == "" {
		return fmt.Errorf("ingress.externalIP is required for routes in process mode")
	}

	if c.Budgets.Visibility <= 0 || c.Budgets.Startup <= 0 {
		return fmt.Errorf("budgets.visibility and budgets.startup must be positive")
	}
	if c.Budgets.KillGrace <= 0 {
		return fmt.Errorf("budgets.killGrace must be positive")
	}
	if c.LogLines <= 0 {
		return fmt.Errorf("logLines must be positive")
	}
	return nil
}
