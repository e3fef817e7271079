package connector

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/wudi/apigw/internal/execution"
)

// APIType is the kind of API a connector serves.
type APIType string

const (
	APITypeProxy   APIType = "PROXY"
	APITypeMessage APIType = "MESSAGE"
)

// ParseAPIType normalizes an API type, defaulting to PROXY.
func ParseAPIType(s string) APIType {
	if strings.EqualFold(s, string(APITypeMessage)) {
		return APITypeMessage
	}
	return APITypeProxy
}

// Mode is an interaction mode supported by a connector.
type Mode string

const (
	ModeRequestResponse Mode = "REQUEST_RESPONSE"
	ModeSubscribe       Mode = "SUBSCRIBE"
	ModePublish         Mode = "PUBLISH"
)

// Kind tags the capability of an endpoint connector. Only HTTP connectors
// honour a method override.
type Kind int

const (
	KindGeneric Kind = iota
	KindHTTP
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindTCP:
		return "tcp"
	default:
		return "generic"
	}
}

// EntrypointConnector terminates the client-facing protocol. Ingress stores
// it in the InternalEntrypointConnector attribute.
type EntrypointConnector interface {
	ID() string
	SupportedAPI() APIType
	SupportedModes() []Mode
}

// EndpointConnector reaches a backend service.
type EndpointConnector interface {
	ID() string
	Kind() Kind
	SupportedAPI() APIType
	SupportedModes() []Mode
	// Connect performs the backend call and fills the context response.
	Connect(ctx *execution.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SupportsAll reports whether supported covers every mode in wanted.
func SupportsAll(supported, wanted []Mode) bool {
	for _, m := range wanted {
		if !slices.Contains(supported, m) {
			return false
		}
	}
	return true
}

// EndpointFactory builds an endpoint connector from its raw configuration.
type EndpointFactory func(cfg map[string]any) (EndpointConnector, error)

// Registry maps connector type ids to factories.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]EndpointFactory
}

func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]EndpointFactory)}
}

// RegisterEndpoint adds a factory. Registering the same id twice replaces it.
func (r *Registry) RegisterEndpoint(id string, f EndpointFactory) {
	r.mu.Lock()
	r.endpoints[id] = f
	r.mu.Unlock()
}

// NewEndpoint creates an endpoint connector of the given type.
func (r *Registry) NewEndpoint(typ string, cfg map[string]any) (EndpointConnector, error) {
	r.mu.RLock()
	f, ok := r.endpoints[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown endpoint connector type %q", typ)
	}
	return f(cfg)
}

// Types lists registered endpoint connector types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HTTPEntrypoint is the HTTP listener entrypoint of proxy APIs.
type HTTPEntrypoint struct{}

func (HTTPEntrypoint) ID() string             { return "http-proxy" }
func (HTTPEntrypoint) SupportedAPI() APIType  { return APITypeProxy }
func (HTTPEntrypoint) SupportedModes() []Mode { return []Mode{ModeRequestResponse} }
