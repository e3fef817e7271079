package config

import (
	"time"

	"github.com/wudi/apigw/internal/logging"
)

// Config is the gateway node configuration.
type Config struct {
	Node          NodeConfig          `yaml:"node"`
	Listeners     []ListenerConfig    `yaml:"listeners"`
	Admin         AdminConfig         `yaml:"admin"`
	Logging       logging.Options     `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	HTTPClient    TransportConfig     `yaml:"http_client"`
	Endpoints     EndpointsConfig     `yaml:"endpoints"`
	Platform      PlatformConfig      `yaml:"platform"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Shutdown      ShutdownConfig      `yaml:"shutdown"`
	APIs          []APIConfig         `yaml:"apis"`
	APIsDir       string              `yaml:"apis_dir"`
}

// NodeConfig identifies the gateway node.
type NodeConfig struct {
	ID           string `yaml:"id"`
	Organization string `yaml:"organization"`
	Environment  string `yaml:"environment"`
}

// ListenerConfig defines an HTTP listener serving deployed APIs.
type ListenerConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// AdminConfig defines the node admin listener.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`

	Headers map[string]string `yaml:"headers"`
}

// TransportConfig tunes the shared outbound HTTP transport.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
}

// EndpointsConfig holds registry wide settings.
type EndpointsConfig struct {
	// RemovalGraceDelay is how long a disabled endpoint is kept before hard
	// removal.
	RemovalGraceDelay time.Duration `yaml:"removal_grace_delay"`
}

// PlatformConfig holds the organization level flows run around every API.
type PlatformConfig struct {
	FlowMode string       `yaml:"flow_mode"`
	Flows    []FlowConfig `yaml:"flows"`
}

// SubscriptionsConfig selects the subscription store.
type SubscriptionsConfig struct {
	Backend string               `yaml:"backend"` // memory (default) or redis
	Redis   RedisConfig          `yaml:"redis"`
	Cache   SubscriptionCache    `yaml:"cache"`
	Static  []SubscriptionConfig `yaml:"static"`
}

// SubscriptionCache configures the lookup cache in front of the store.
type SubscriptionCache struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// RedisConfig configures a redis client.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SubscriptionConfig declares a subscription held by the memory store.
type SubscriptionConfig struct {
	ID          string    `yaml:"id"`
	API         string    `yaml:"api"`
	Plan        string    `yaml:"plan"`
	Application string    `yaml:"application"`
	ClientID    string    `yaml:"client_id"`
	APIKey      string    `yaml:"api_key"`
	Status      string    `yaml:"status"`
	StartingAt  time.Time `yaml:"starting_at"`
	EndingAt    time.Time `yaml:"ending_at"`
}

// ShutdownConfig controls graceful shutdown.
type ShutdownConfig struct {
	DrainDelay time.Duration `yaml:"drain_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// APIConfig is a deployable API definition.
type APIConfig struct {
	ID             string                `yaml:"id"`
	Name           string                `yaml:"name"`
	Version        string                `yaml:"version"`
	Type           string                `yaml:"type"` // proxy (default) or message
	ContextPath    string                `yaml:"context_path"`
	Enabled        *bool                 `yaml:"enabled"`
	FlowMode       string                `yaml:"flow_mode"` // default or best_match
	Properties     map[string]string     `yaml:"properties"`
	CORS           CORSConfig            `yaml:"cors"`
	AccessLog      bool                  `yaml:"access_log"`
	PathMappings   []string              `yaml:"path_mappings"`
	Plans          []PlanConfig          `yaml:"plans"`
	Flows          []FlowConfig          `yaml:"flows"`
	EndpointGroups []EndpointGroupConfig `yaml:"endpoint_groups"`
	Resources      []ResourceConfig      `yaml:"resources"`
}

// IsEnabled reports whether the API should be deployed.
func (a APIConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// CORSConfig configures CORS handling for an API.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowOriginRegex []string `yaml:"allow_origin_regex"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
	RunPolicies      bool     `yaml:"run_policies"`
}

// PlanConfig declares a security plan.
type PlanConfig struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Security      SecurityConfig `yaml:"security"`
	SelectionRule string         `yaml:"selection_rule"`
	Flows         []FlowConfig   `yaml:"flows"`
}

// SecurityConfig names the security policy of a plan.
type SecurityConfig struct {
	Type   string         `yaml:"type"` // keyless, api-key, jwt
	Config map[string]any `yaml:"config"`
}

// FlowConfig is a conditional list of policy steps.
type FlowConfig struct {
	Name      string       `yaml:"name"`
	Enabled   *bool        `yaml:"enabled"`
	Methods   []string     `yaml:"methods"`
	Path      string       `yaml:"path"`
	Operator  string       `yaml:"operator"` // STARTS_WITH (default) or EQUALS
	Condition string       `yaml:"condition"`
	Request   []StepConfig `yaml:"request"`
	Response  []StepConfig `yaml:"response"`
}

// StepConfig is a policy invocation inside a flow.
type StepConfig struct {
	Name      string         `yaml:"name"`
	Policy    string         `yaml:"policy"`
	Enabled   *bool          `yaml:"enabled"`
	Condition string         `yaml:"condition"`
	Config    map[string]any `yaml:"config"`
}

// EndpointGroupConfig is a named, balanced set of endpoints.
type EndpointGroupConfig struct {
	Name         string             `yaml:"name"`
	Type         string             `yaml:"type"`
	LoadBalancer string             `yaml:"load_balancer"`
	Config       map[string]any     `yaml:"config"`
	Endpoints    []EndpointConfig   `yaml:"endpoints"`
	Discovery    *DiscoveryConfig   `yaml:"discovery"`
	HealthCheck  *HealthCheckConfig `yaml:"health_check"`
}

// HealthCheckConfig configures active probing of the endpoints of a group.
// HTTP endpoints are probed with a request on Path, TCP endpoints with a
// connection attempt.
type HealthCheckConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	Method         string        `yaml:"method"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
	ExpectedStatus []string      `yaml:"expected_status"` // e.g. 200, 2xx, 200-399
}

// EndpointConfig is a single backend target.
type EndpointConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Weight   int            `yaml:"weight"`
	Disabled bool           `yaml:"disabled"`
	Config   map[string]any `yaml:"config"`
}

// DiscoveryConfig feeds an endpoint group from a service registry.
type DiscoveryConfig struct {
	Provider string        `yaml:"provider"` // consul, etcd or memory
	Service  string        `yaml:"service"`
	Tags     []string      `yaml:"tags"`
	Scheme   string        `yaml:"scheme"`
	Consul   ConsulConfig  `yaml:"consul"`
	Etcd     EtcdConfig    `yaml:"etcd"`
	Interval time.Duration `yaml:"interval"`
}

// ConsulConfig configures the consul client.
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
	Namespace  string `yaml:"namespace"`
}

// EtcdConfig configures the etcd client.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Prefix    string   `yaml:"prefix"`
}

// ResourceConfig declares a named resource usable by policies.
type ResourceConfig struct {
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"`
	Enabled *bool          `yaml:"enabled"`
	Config  map[string]any `yaml:"config"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Organization: "DEFAULT",
			Environment:  "DEFAULT",
		},
		Listeners: []ListenerConfig{{
			Name:              "http",
			Address:           ":8082",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     ":18082",
			MetricsPath: "/_node/metrics",
		},
		Logging: logging.Options{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			ServiceName: "apigw",
			SampleRate:  1.0,
		},
		HTTPClient: TransportConfig{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialTimeout:         30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Endpoints: EndpointsConfig{
			RemovalGraceDelay: 30 * time.Second,
		},
		Subscriptions: SubscriptionsConfig{
			Backend: "memory",
			Cache: SubscriptionCache{
				Size: 10000,
				TTL:  30 * time.Second,
			},
		},
		Shutdown: ShutdownConfig{
			DrainDelay: 5 * time.Second,
			Timeout:    30 * time.Second,
		},
	}
}
