// Package vault resolves upstream endpoint credentials. Each configured
// api_endpoints[].key_ref names where the key lives; ResolveKeyRef fetches
// it from the OS keychain, an environment variable, or a file, so that
// bearer tokens never need to sit in the YAML config in plain text.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "cacheproxy"

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores an API key for the given endpoint name in the OS keychain.
func (v *Vault) Set(endpoint, key string) error {
	return keyring.Set(serviceName, endpoint, key)
}

// Get retrieves the API key for the given endpoint name. It first checks
// the OS keychain, then falls back to the environment variable
// CACHEPROXY_KEY_{UPPER(endpoint)}.
func (v *Vault) Get(endpoint string) (string, error) {
	secret, err := keyring.Get(serviceName, endpoint)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := "CACHEPROXY_KEY_" + strings.ToUpper(endpoint)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for endpoint %q: not in keychain and %s not set", endpoint, envKey)
}

// Delete removes the API key for the given endpoint name from the OS
// keychain.
func (v *Vault) Delete(endpoint string) error {
	return keyring.Delete(serviceName, endpoint)
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://cacheproxy/<endpoint>" (preferred)
//   - "keychain:cacheproxy/<endpoint>" (legacy)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	// Format 1: keyring://cacheproxy/<endpoint>
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://cacheproxy/<endpoint>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	// Format 2: keychain:cacheproxy/<endpoint> (legacy)
	if strings.HasPrefix(keyRef, "keychain:") {
		path := strings.TrimPrefix(keyRef, "keychain:")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference path: %q (expected \"cacheproxy/<endpoint>\")", path)
		}
		return v.Get(parts[1])
	}

	// Format 3: env:VARIABLE_NAME
	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	// Format 4: file:///path/to/key
	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://cacheproxy/<endpoint>\", \"keychain:cacheproxy/<endpoint>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}

// ResolveEndpointKey resolves the bearer credential for a configured
// upstream endpoint. An empty keyRef is not an error: endpoints with no
// key_ref are assumed to need no authentication (e.g. a local model
// server).
func (v *Vault) ResolveEndpointKey(keyRef string) (string, error) {
	if keyRef == "" {
		return "", nil
	}
	return v.ResolveKeyRef(keyRef)
}
