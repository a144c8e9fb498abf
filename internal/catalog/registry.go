package catalog

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chorusrelay/chorus/internal/model"
	"github.com/chorusrelay/chorus/internal/model/echo"
	"github.com/chorusrelay/chorus/internal/model/openai"
)

// Registry builds and caches one adapter per (descriptor, credential).
type Registry struct {
	HTTPClient *http.Client

	mu        sync.Mutex
	adapters  map[string]model.Adapter
	overrides map[string]model.Adapter
	rr        map[string]int
}

// NewRegistry returns a registry whose HTTP adapters share httpClient.
func NewRegistry(httpClient *http.Client) *Registry {
	return &Registry{HTTPClient: httpClient}
}

// Register pins an adapter for a model name, bypassing provider construction.
func (r *Registry) Register(name string, adapter model.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overrides == nil {
		r.overrides = map[string]model.Adapter{}
	}
	r.overrides[strings.ToLower(strings.TrimSpace(name))] = adapter
}

// AdapterFor returns the adapter serving d.
func (r *Registry) AdapterFor(d *model.Descriptor) (model.Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("adapter registry not configured")
	}
	if d == nil {
		return nil, fmt.Errorf("model descriptor is required")
	}

	r.mu.Lock()
	override, ok := r.overrides[d.Name]
	r.mu.Unlock()
	if ok {
		return override, nil
	}

	if d.Provider == model.ProviderEcho {
		return r.cached(d.Name, func() model.Adapter { return echo.New(d.Name, d.Latency) }), nil
	}

	cred, credKey, err := selectCredential(d, func(groupKey string, n int) int {
		return r.rrIndex(d.Name+":"+groupKey, n)
	})
	if err != nil && d.Provider != model.ProviderLocal {
		return nil, fmt.Errorf("model %q: %w", d.Name, err)
	}

	adapterKey := d.Name
	if credKey != "" {
		adapterKey += ":" + credKey
	}

	return r.cached(adapterKey, func() model.Adapter {
		client := openai.NewClient(d.Provider, d.BaseURL, cred.APIKey)
		client.HTTPClient = r.HTTPClient
		return client
	}), nil
}

func (r *Registry) cached(key string, build func() model.Adapter) model.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adapters == nil {
		r.adapters = map[string]model.Adapter{}
	}
	if adapter, ok := r.adapters[key]; ok {
		return adapter
	}
	adapter := build()
	r.adapters[key] = adapter
	return adapter
}

func selectCredential(d *model.Descriptor, rrNext func(groupKey string, n int) int) (model.Credential, string, error) {
	if len(d.Credentials) == 0 {
		return model.Credential{}, "", fmt.Errorf("no credentials configured")
	}

	enabled := make([]model.Credential, 0, len(d.Credentials))
	for _, cred := range d.Credentials {
		if !cred.Enabled && cred.Label != "" {
			continue
		}
		if cred.APIKey == "" {
			continue
		}
		enabled = append(enabled, cred)
	}
	if len(enabled) == 0 {
		// Return the first so the adapter reports the missing key on use.
		cred := d.Credentials[0]
		key := cred.Label
		if key == "" {
			key = "0"
		}
		return cred, key, nil
	}

	highest := enabled[0].Priority
	for _, cred := range enabled[1:] {
		if cred.Priority > highest {
			highest = cred.Priority
		}
	}
	group := make([]model.Credential, 0, len(enabled))
	for _, cred := range enabled {
		if cred.Priority == highest {
			group = append(group, cred)
		}
	}

	idx := 0
	if strings.EqualFold(strings.TrimSpace(d.SelectionPolicy), "round_robin") && rrNext != nil {
		idx = rrNext(fmt.Sprintf("%d", highest), len(group))
	}
	cred := group[idx]
	key := cred.Label
	if key == "" {
		key = fmt.Sprintf("p%d-%d", highest, idx)
	}
	return cred, key, nil
}

func (r *Registry) rrIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rr == nil {
		r.rr = map[string]int{}
	}
	idx := r.rr[key] % n
	r.rr[key]++
	return idx
}
