// Package catalog turns the `models` configuration subtree into immutable
// model descriptors and builds the adapters that serve them.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chorusrelay/chorus/internal/config"
	"github.com/chorusrelay/chorus/internal/model"
)

// Catalog is the set of enabled model descriptors keyed by name.
type Catalog struct {
	descriptors map[string]*model.Descriptor
	names       []string
}

// New builds a catalog from configuration. Disabled models are skipped.
func New(models map[string]config.ModelConfig) (*Catalog, error) {
	c := &Catalog{descriptors: map[string]*model.Descriptor{}}

	for rawName, cfg := range models {
		name := strings.ToLower(strings.TrimSpace(rawName))
		if name == "" || !cfg.Enabled {
			continue
		}

		provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
		switch provider {
		case "":
			provider = model.ProviderOpenAI
		case model.ProviderOpenAI, model.ProviderXAI, model.ProviderLocal, model.ProviderEcho:
		default:
			return nil, fmt.Errorf("model %q: unsupported provider %q", name, cfg.Provider)
		}

		desc := &model.Descriptor{
			Name:            name,
			Provider:        provider,
			Model:           strings.TrimSpace(cfg.Model),
			BaseURL:         strings.TrimSpace(cfg.BaseURL),
			Capabilities:    append([]string(nil), cfg.Capabilities...),
			MaxTokens:       cfg.MaxTokens,
			Timeout:         cfg.Timeout,
			SelectionPolicy: cfg.SelectionPolicy,
			Latency:         cfg.Latency,
		}
		if len(desc.Capabilities) == 0 {
			desc.Capabilities = []string{"chat"}
		}
		for _, cred := range cfg.Credentials {
			desc.Credentials = append(desc.Credentials, model.Credential{
				Enabled:  cred.Enabled,
				Label:    strings.TrimSpace(cred.Label),
				APIKey:   strings.TrimSpace(cred.APIKey),
				Priority: cred.Priority,
			})
		}

		c.descriptors[name] = desc
		c.names = append(c.names, name)
	}

	sort.Strings(c.names)
	return c, nil
}

// FromDescriptors builds a catalog around existing descriptors.
func FromDescriptors(descriptors ...*model.Descriptor) *Catalog {
	c := &Catalog{descriptors: map[string]*model.Descriptor{}}
	for _, d := range descriptors {
		if d == nil || d.Name == "" {
			continue
		}
		if _, dup := c.descriptors[d.Name]; !dup {
			c.names = append(c.names, d.Name)
		}
		c.descriptors[d.Name] = d
	}
	sort.Strings(c.names)
	return c
}

// Lookup returns the descriptor for name.
func (c *Catalog) Lookup(name string) (*model.Descriptor, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.descriptors[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Resolve maps names to descriptors, preserving order. Every unknown name is
// reported in the error.
func (c *Catalog) Resolve(names []string) ([]*model.Descriptor, error) {
	resolved := make([]*model.Descriptor, 0, len(names))
	var unknown []string
	for _, name := range names {
		d, ok := c.Lookup(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		resolved = append(resolved, d)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown model(s): %s", strings.Join(unknown, ", "))
	}
	return resolved, nil
}

// Descriptors returns every descriptor sorted by name.
func (c *Catalog) Descriptors() []*model.Descriptor {
	if c == nil {
		return nil
	}
	out := make([]*model.Descriptor, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.descriptors[name])
	}
	return out
}

// Names returns every model name, sorted.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// Len returns the number of enabled models.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}
