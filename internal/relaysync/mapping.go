package relaysync

import (
	"sort"
	"strings"
	"sync"
)

// Instance is one configured source-control installation.
type Instance struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name,omitempty" yaml:"name"`
	BaseURL         string `json:"baseUrl" yaml:"base_url"`
	TokenCiphertext string `json:"-" yaml:"token"`
	WebhookSecret   string `json:"-" yaml:"webhook_secret"`
}

// Mapping binds one internal project to one external project on one instance.
type Mapping struct {
	ID                string `json:"id" yaml:"id"`
	ProjectID         string `json:"projectId" yaml:"project_id"`
	InstanceID        string `json:"instanceId" yaml:"instance_id"`
	ExternalProjectID int64  `json:"externalProjectId" yaml:"external_project_id"`
	Active            bool   `json:"active" yaml:"active"`
}

// MappingRegistry is the process-local view of instances and mappings. It is replaced
// wholesale when the mappings file changes.
type MappingRegistry struct {
	mu         sync.RWMutex
	instances  map[string]Instance
	mappings   map[string]Mapping
	byExternal map[string]string
}

func NewMappingRegistry(instances []Instance, mappings []Mapping) *MappingRegistry {
	r := &MappingRegistry{}
	r.Replace(instances, mappings)
	return r
}

func (r *MappingRegistry) Replace(instances []Instance, mappings []Mapping) {
	nextInstances := make(map[string]Instance, len(instances))
	for _, inst := range instances {
		id := strings.TrimSpace(inst.ID)
		if id == "" {
			continue
		}
		inst.ID = id
		nextInstances[id] = inst
	}
	nextMappings := make(map[string]Mapping, len(mappings))
	byExternal := make(map[string]string, len(mappings))
	for _, m := range mappings {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			continue
		}
		m.ID = id
		nextMappings[id] = m
		if m.Active {
			byExternal[externalKey(m.InstanceID, m.ExternalProjectID)] = id
		}
	}
	r.mu.Lock()
	r.instances = nextInstances
	r.mappings = nextMappings
	r.byExternal = byExternal
	r.mu.Unlock()
}

func (r *MappingRegistry) Instance(id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[strings.TrimSpace(id)]
	return inst, ok
}

func (r *MappingRegistry) Mapping(id string) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[strings.TrimSpace(id)]
	return m, ok
}

// Resolve finds the active mapping for an external project on an instance.
func (r *MappingRegistry) Resolve(instanceID string, externalProjectID int64) (Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExternal[externalKey(instanceID, externalProjectID)]
	if !ok {
		return Mapping{}, false
	}
	return r.mappings[id], true
}

// ForInstance returns active mappings of an instance, optionally narrowed to one internal project.
func (r *MappingRegistry) ForInstance(instanceID, projectID string) []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mapping, 0)
	for _, m := range r.mappings {
		if !m.Active || m.InstanceID != instanceID {
			continue
		}
		if projectID != "" && m.ProjectID != projectID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MappingRegistry) Mappings() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func externalKey(instanceID string, externalProjectID int64) string {
	return strings.TrimSpace(instanceID) + "|" + formatInt(externalProjectID)
}
