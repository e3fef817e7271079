package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for a given scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry resolves ${scheme:reference} values through the provider
// registered for scheme.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry creates a registry holding providers.
func NewSecretRegistry(providers ...SecretProvider) *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// DefaultSecrets resolves env and file references.
func DefaultSecrets() *SecretRegistry {
	return NewSecretRegistry(&EnvProvider{}, &FileProvider{})
}

// Register adds p, replacing any provider of the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve looks up the provider for scheme and delegates resolution.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// secretRefPattern matches a whole-value reference such as ${file:/run/secrets/key}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// ResolveAll replaces, in place, every string of v that is a secret
// reference. Strings nested in map[string]any and []any blocks are visited
// too, so connector and policy configuration may carry references.
func (r *SecretRegistry) ResolveAll(ctx context.Context, v any) error {
	return r.walk(ctx, reflect.ValueOf(v), "")
}

func (r *SecretRegistry) walk(ctx context.Context, v reflect.Value, path string) error {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return r.walk(ctx, v.Elem(), path)

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		if v.Elem().Kind() != reflect.String {
			return r.walk(ctx, v.Elem(), path)
		}
		s, ok, err := r.resolveString(ctx, v.Elem().String(), path)
		if err != nil || !ok || !v.CanSet() {
			return err
		}
		v.Set(reflect.ValueOf(s))

	case reflect.String:
		s, ok, err := r.resolveString(ctx, v.String(), path)
		if err != nil || !ok || !v.CanSet() {
			return err
		}
		v.SetString(s)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			fieldPath := sf.Name
			if path != "" {
				fieldPath = path + "." + sf.Name
			}
			if err := r.walk(ctx, v.Field(i), fieldPath); err != nil {
				return err
			}
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := r.walk(ctx, v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}

	case reflect.Map:
		if v.IsNil() || v.Type().Key().Kind() != reflect.String {
			return nil
		}
		for _, key := range v.MapKeys() {
			// Map values are not addressable: copy, walk, set back.
			elem := v.MapIndex(key)
			cp := reflect.New(elem.Type()).Elem()
			cp.Set(elem)
			if err := r.walk(ctx, cp, fmt.Sprintf("%s[%s]", path, key.String())); err != nil {
				return err
			}
			v.SetMapIndex(key, cp)
		}
	}
	return nil
}

func (r *SecretRegistry) resolveString(ctx context.Context, val, path string) (string, bool, error) {
	m := secretRefPattern.FindStringSubmatch(val)
	if m == nil {
		return "", false, nil
	}
	resolved, err := r.Resolve(ctx, m[1], m[2])
	if err != nil {
		return "", false, fmt.Errorf("secret resolution failed for %s (${%s:%s}): %w", path, m[1], m[2], err)
	}
	return resolved, true, nil
}

// EnvProvider resolves references from environment variables.
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves references by reading file contents, trailing
// whitespace trimmed.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows every path.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}
