// Package credentials resolves the service's secrets from a JSON template,
// so they can live in files or secret managers instead of the environment.
//
// The template is rendered with text/template. Besides the functions added
// by providers it can call env, file and json:
//
//	{"webhook_auth_token": {{ env "TOKEN" | json }},
//	 "nft_claimer": {"private_key": {{ op "op://ops/sidekick/key" | json }}}}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

var errTooLarge = fmt.Errorf("credentials exceed %d bytes", maxTemplateSize)

// Credentials holds all resolved secret values.
type Credentials struct {
	WebhookAuthToken string            `json:"webhook_auth_token,omitempty"`
	HubAPIKey        string            `json:"hub_api_key,omitempty"`
	DatabaseURL      string            `json:"database_url,omitempty"`
	NFTClaimer       *NFTClaimerConfig `json:"nft_claimer,omitempty"`
}

// NFTClaimerConfig holds the NFT claimer signer secrets.
type NFTClaimerConfig struct {
	PrivateKey string `json:"private_key"`
}

// PrivateKey returns the claimer key, or "" when none was resolved.
func (c *Credentials) PrivateKey() string {
	if c == nil || c.NFTClaimer == nil {
		return ""
	}
	return c.NFTClaimer.PrivateKey
}

// fields lists the names of the resolved secrets, never their values.
func (c *Credentials) fields() []string {
	var names []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"webhook_auth_token", c.WebhookAuthToken != ""},
		{"hub_api_key", c.HubAPIKey != ""},
		{"database_url", c.DatabaseURL != ""},
		{"nft_claimer", c.PrivateKey() != ""},
	} {
		if f.set {
			names = append(names, f.name)
		}
	}
	return names
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Info("resolved credentials", "path", path, "fields", creds.fields())
	return creds, nil
}

// ResolveReader renders the template read from src.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	text, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(text) > maxTemplateSize {
		return nil, errTooLarge
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, errTooLarge
	}

	var creds Credentials
	dec := json.NewDecoder(&out)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if creds.NFTClaimer != nil && creds.NFTClaimer.PrivateKey == "" {
		return nil, errors.New("nft_claimer.private_key is empty")
	}
	return &creds, nil
}

// funcs builds the template functions of one render. Provider lookups are
// memoized for the duration of the render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env":  lookupEnv,
		"file": readSecretFile,
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	resolved := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + "\x00" + ref
			if v, ok := resolved[key]; ok {
				return v, nil
			}
			r.logger.Debug("resolving secret", "provider", name, "ref", ref)
			v, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			resolved[key] = v
			return v, nil
		}
	}
	return fm
}

// lookupEnv returns the variable's value, or fallback[0] when unset.
func lookupEnv(key string, fallback ...string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", fmt.Errorf("environment variable %q is not set", key)
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
