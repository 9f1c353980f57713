// Package registry holds the static set of services allowed to obtain
// service tokens, each with a client secret hash and a maximum scope set.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"token-service/internal/auth"
)

// ErrInvalidCredentials covers unknown services and wrong secrets alike.
var ErrInvalidCredentials = errors.New("registry: invalid service credentials")

// Service is one registry entry.
type Service struct {
	// ClientSecretHash is a bcrypt hash of the service's client secret.
	ClientSecretHash string `yaml:"client_secret_hash"`
	// Scopes is the ceiling of what the service may request.
	Scopes []string `yaml:"scopes"`
	// Description is informational.
	Description string `yaml:"description,omitempty"`
}

// File is the on-disk layout.
type File struct {
	Services map[string]Service `yaml:"services"`
}

// Registry is immutable after construction.
type Registry struct {
	services  map[string]Service
	dummyHash []byte
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service registry: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse service registry: %w", err)
	}
	return New(file.Services)
}

// New validates services and builds a Registry. Scopes are normalized;
// wildcards or malformed scopes are rejected.
func New(services map[string]Service) (*Registry, error) {
	out := make(map[string]Service, len(services))
	for name, svc := range services {
		if name == "" {
			return nil, fmt.Errorf("service with empty name")
		}
		if _, err := bcrypt.Cost([]byte(svc.ClientSecretHash)); err != nil {
			return nil, fmt.Errorf("service %q: client_secret_hash is not a bcrypt hash", name)
		}
		if len(svc.Scopes) == 0 {
			return nil, fmt.Errorf("service %q: scopes must not be empty", name)
		}
		scopes, err := auth.NormalizeScopes(svc.Scopes)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		svc.Scopes = scopes
		out[name] = svc
	}

	// Compared against when the service is unknown so both failure paths
	// cost one bcrypt comparison.
	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown-service"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	return &Registry{services: out, dummyHash: dummy}, nil
}

// MaxScopes returns a copy of the service's scope ceiling.
func (r *Registry) MaxScopes(name string) ([]string, bool) {
	svc, ok := r.services[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), svc.Scopes...), true
}

// Authenticate checks a service's client secret.
func (r *Registry) Authenticate(name, secret string) error {
	svc, ok := r.services[name]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(secret))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(svc.ClientSecretHash), []byte(secret)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Names lists registered services in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
