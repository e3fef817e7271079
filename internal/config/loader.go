package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/apigw/internal/loadbalancer"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader resolving env and file
// secret references.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    DefaultSecrets(),
	}
}

// Secrets returns the registry used to resolve ${scheme:reference} values.
func (l *Loader) Secrets() *SecretRegistry { return l.secrets }

// Load reads and parses a configuration file. API definitions found in
// apis_dir are appended to the inline ones.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.APIsDir != "" {
		dir := cfg.APIsDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(filepath.Dir(path), dir)
		}
		apis, err := l.LoadAPIs(dir)
		if err != nil {
			return nil, err
		}
		cfg.APIs = append(cfg.APIs, apis...)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := l.secrets.ResolveAll(context.Background(), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAPIs reads every *.yaml / *.yml file of dir as one API definition.
// Files are read in lexical order.
func (l *Loader) LoadAPIs(dir string) ([]APIConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read apis dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	apis := make([]APIConfig, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read api %s: %w", name, err)
		}
		api, err := l.ParseAPI(data)
		if err != nil {
			return nil, fmt.Errorf("api %s: %w", name, err)
		}
		apis = append(apis, *api)
	}
	return apis, nil
}

// ParseAPI parses and validates a single API definition.
func (l *Loader) ParseAPI(data []byte) (*APIConfig, error) {
	var api APIConfig
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), &api); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := l.secrets.ResolveAll(context.Background(), &api); err != nil {
		return nil, err
	}
	if err := ValidateAPI(api); err != nil {
		return nil, err
	}
	return &api, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	names := make(map[string]bool)
	for i, ln := range cfg.Listeners {
		if ln.Name == "" {
			return fmt.Errorf("listener %d: name is required", i)
		}
		if names[ln.Name] {
			return fmt.Errorf("duplicate listener name: %s", ln.Name)
		}
		names[ln.Name] = true
		if ln.Address == "" {
			return fmt.Errorf("listener %s: address is required", ln.Name)
		}
	}

	switch cfg.Subscriptions.Backend {
	case "", "memory":
	case "redis":
		if cfg.Subscriptions.Redis.Address == "" {
			return fmt.Errorf("subscriptions: redis backend requires an address")
		}
	default:
		return fmt.Errorf("subscriptions: invalid backend: %s", cfg.Subscriptions.Backend)
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing: endpoint is required when enabled")
	}

	if err := validateFlows("platform", cfg.Platform.FlowMode, cfg.Platform.Flows); err != nil {
		return err
	}

	ids := make(map[string]bool)
	paths := make(map[string]string)
	for _, api := range cfg.APIs {
		if err := ValidateAPI(api); err != nil {
			return err
		}
		if ids[api.ID] {
			return fmt.Errorf("duplicate api id: %s", api.ID)
		}
		ids[api.ID] = true
		cp := NormalizeContextPath(api.ContextPath)
		if other, ok := paths[cp]; ok {
			return fmt.Errorf("api %s: context path %s already used by api %s", api.ID, cp, other)
		}
		paths[cp] = api.ID
	}
	return nil
}

// NormalizeContextPath trims a trailing slash, keeping "/" as is.
func NormalizeContextPath(p string) string {
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// ValidateAPI checks a single API definition.
func ValidateAPI(api APIConfig) error {
	if api.ID == "" {
		return fmt.Errorf("api: id is required")
	}
	if !strings.HasPrefix(api.ContextPath, "/") {
		return fmt.Errorf("api %s: context_path must start with /", api.ID)
	}
	switch strings.ToLower(api.Type) {
	case "", "proxy", "message":
	default:
		return fmt.Errorf("api %s: invalid type: %s", api.ID, api.Type)
	}

	if err := validateFlows("api "+api.ID, api.FlowMode, api.Flows); err != nil {
		return err
	}

	planIDs := make(map[string]bool)
	for i, p := range api.Plans {
		if p.ID == "" {
			return fmt.Errorf("api %s: plan %d: id is required", api.ID, i)
		}
		if planIDs[p.ID] {
			return fmt.Errorf("api %s: duplicate plan id: %s", api.ID, p.ID)
		}
		planIDs[p.ID] = true
		if p.Security.Type == "" {
			return fmt.Errorf("api %s: plan %s: security type is required", api.ID, p.ID)
		}
		if err := validateFlows("plan "+p.ID, api.FlowMode, p.Flows); err != nil {
			return err
		}
	}

	if len(api.EndpointGroups) == 0 {
		return fmt.Errorf("api %s: at least one endpoint group is required", api.ID)
	}
	groups := make(map[string]bool)
	endpoints := make(map[string]bool)
	for i, g := range api.EndpointGroups {
		if g.Name == "" {
			return fmt.Errorf("api %s: endpoint group %d: name is required", api.ID, i)
		}
		if groups[g.Name] {
			return fmt.Errorf("api %s: duplicate endpoint group: %s", api.ID, g.Name)
		}
		groups[g.Name] = true
		if _, err := loadbalancer.ParseAlgorithm(g.LoadBalancer); err != nil {
			return fmt.Errorf("api %s: group %s: %w", api.ID, g.Name, err)
		}
		if len(g.Endpoints) == 0 && g.Discovery == nil {
			return fmt.Errorf("api %s: group %s: endpoints or discovery required", api.ID, g.Name)
		}
		if g.Discovery != nil {
			switch g.Discovery.Provider {
			case "consul", "etcd", "memory":
			default:
				return fmt.Errorf("api %s: group %s: invalid discovery provider: %s", api.ID, g.Name, g.Discovery.Provider)
			}
			if g.Discovery.Service == "" {
				return fmt.Errorf("api %s: group %s: discovery service is required", api.ID, g.Name)
			}
			if g.Type == "" {
				return fmt.Errorf("api %s: group %s: type is required with discovery", api.ID, g.Name)
			}
		}
		for j, e := range g.Endpoints {
			if e.Name == "" {
				return fmt.Errorf("api %s: group %s: endpoint %d: name is required", api.ID, g.Name, j)
			}
			if endpoints[e.Name] {
				return fmt.Errorf("api %s: duplicate endpoint name: %s", api.ID, e.Name)
			}
			endpoints[e.Name] = true
			if e.Type == "" && g.Type == "" {
				return fmt.Errorf("api %s: endpoint %s: type is required", api.ID, e.Name)
			}
			if e.Weight < 0 {
				return fmt.Errorf("api %s: endpoint %s: weight must be >= 0", api.ID, e.Name)
			}
		}
	}

	resources := make(map[string]bool)
	for i, r := range api.Resources {
		if r.Name == "" || r.Type == "" {
			return fmt.Errorf("api %s: resource %d: name and type are required", api.ID, i)
		}
		if resources[r.Name] {
			return fmt.Errorf("api %s: duplicate resource: %s", api.ID, r.Name)
		}
		resources[r.Name] = true
	}
	return nil
}

func validateFlows(owner, mode string, flows []FlowConfig) error {
	switch mode {
	case "", "default", "best_match":
	default:
		return fmt.Errorf("%s: invalid flow_mode: %s", owner, mode)
	}
	for i, f := range flows {
		switch strings.ToUpper(f.Operator) {
		case "", "STARTS_WITH", "EQUALS":
		default:
			return fmt.Errorf("%s: flow %d: invalid operator: %s", owner, i, f.Operator)
		}
		if f.Path != "" && !strings.HasPrefix(f.Path, "/") {
			return fmt.Errorf("%s: flow %d: path must start with /", owner, i)
		}
		for _, m := range f.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("%s: flow %d: invalid method: %s", owner, i, m)
			}
		}
		for _, s := range append(append([]StepConfig{}, f.Request...), f.Response...) {
			if s.Policy == "" {
				return fmt.Errorf("%s: flow %d: step policy is required", owner, i)
			}
		}
	}
	return nil
}

// Decode converts a raw configuration block into out using the YAML tags of
// out's type.
func Decode(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding configuration: %w", err)
	}
	return nil
}
