// Package config loads the tenants file: the upstream endpoints and one set
// of client credentials per clinic.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/clinicsync/internal/vault"
)

const (
	DefaultTimezone = "Asia/Tokyo"
	schemaURL       = "https://clinicsync.local/schemas/tenants.schema.json"
)

var ErrInvalidConfig = errors.New("invalid config")

//go:embed tenants.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

type Tenant struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	ClientID        string `json:"clientId"`
	ClientSecret    string `json:"clientSecret,omitempty"`
	ClientSecretEnv string `json:"clientSecretEnv,omitempty"`
}

type Config struct {
	APIBaseURL string   `json:"apiBaseURL"`
	TokenURL   string   `json:"tokenURL"`
	Timezone   string   `json:"timezone,omitempty"`
	Tenants    []Tenant `json:"tenants"`

	location *time.Location
}

// Load reads and validates the tenants file at path. Secrets named by
// clientSecretEnv are resolved from the process environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse validates data against the tenants schema, decodes it, and resolves
// indirected secrets through lookupEnv.
func Parse(data []byte, lookupEnv func(string) (string, bool)) (*Config, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = DefaultTimezone
	}
	cfg.location, err = time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, cfg.Timezone, err)
	}

	seen := map[string]struct{}{}
	for i := range cfg.Tenants {
		tenant := &cfg.Tenants[i]
		if _, dup := seen[tenant.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tenant id %q", ErrInvalidConfig, tenant.ID)
		}
		seen[tenant.ID] = struct{}{}
		if tenant.ClientSecretEnv == "" {
			continue
		}
		secret, ok := lookupEnv(tenant.ClientSecretEnv)
		if !ok || strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("%w: tenant %s: %s is not set", ErrInvalidConfig, tenant.ID, tenant.ClientSecretEnv)
		}
		tenant.ClientSecret = secret
	}
	return &cfg, nil
}

func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) TenantIDs() []string {
	ids := make([]string, 0, len(c.Tenants))
	for _, tenant := range c.Tenants {
		ids = append(ids, tenant.ID)
	}
	return ids
}

func (c *Config) Credentials() []vault.TenantCredential {
	creds := make([]vault.TenantCredential, 0, len(c.Tenants))
	for _, tenant := range c.Tenants {
		creds = append(creds, vault.TenantCredential{
			TenantID:     tenant.ID,
			ClientID:     tenant.ClientID,
			ClientSecret: tenant.ClientSecret,
		})
	}
	return creds
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse tenants schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add tenants schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}
