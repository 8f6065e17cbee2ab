package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 250 * time.Millisecond

type mappingsFile struct {
	Instances []relaysync.Instance `yaml:"instances"`
	Mappings  []mappingEntry       `yaml:"mappings"`
}

// mappingEntry defaults Active to true when the key is absent.
type mappingEntry struct {
	ID                string `yaml:"id"`
	ProjectID         string `yaml:"project_id"`
	InstanceID        string `yaml:"instance_id"`
	ExternalProjectID int64  `yaml:"external_project_id"`
	Active            *bool  `yaml:"active"`
}

// LoadMappings reads and validates the instances/mappings file.
func LoadMappings(path string) ([]relaysync.Instance, []relaysync.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return ParseMappings(data)
}

func ParseMappings(data []byte) ([]relaysync.Instance, []relaysync.Mapping, error) {
	var file mappingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("%w: mappings yaml: %v", relaysync.ErrInvalidInput, err)
	}
	instances := make([]relaysync.Instance, 0, len(file.Instances))
	seen := map[string]struct{}{}
	for _, inst := range file.Instances {
		inst.ID = strings.TrimSpace(inst.ID)
		if inst.ID == "" {
			return nil, nil, fmt.Errorf("%w: instance without id", relaysync.ErrInvalidInput)
		}
		if _, dup := seen[inst.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate instance %q", relaysync.ErrInvalidInput, inst.ID)
		}
		seen[inst.ID] = struct{}{}
		instances = append(instances, inst)
	}

	mappings := make([]relaysync.Mapping, 0, len(file.Mappings))
	mappingIDs := map[string]struct{}{}
	for _, entry := range file.Mappings {
		m := relaysync.Mapping{
			ID:                strings.TrimSpace(entry.ID),
			ProjectID:         strings.TrimSpace(entry.ProjectID),
			InstanceID:        strings.TrimSpace(entry.InstanceID),
			ExternalProjectID: entry.ExternalProjectID,
			Active:            entry.Active == nil || *entry.Active,
		}
		switch {
		case m.ID == "":
			return nil, nil, fmt.Errorf("%w: mapping without id", relaysync.ErrInvalidInput)
		case m.ExternalProjectID <= 0:
			return nil, nil, fmt.Errorf("%w: mapping %q needs external_project_id", relaysync.ErrInvalidInput, m.ID)
		}
		if _, ok := seen[m.InstanceID]; !ok {
			return nil, nil, fmt.Errorf("%w: mapping %q references unknown instance %q", relaysync.ErrInvalidInput, m.ID, m.InstanceID)
		}
		if _, dup := mappingIDs[m.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate mapping %q", relaysync.ErrInvalidInput, m.ID)
		}
		mappingIDs[m.ID] = struct{}{}
		mappings = append(mappings, m)
	}
	return instances, mappings, nil
}

// WatchMappings reloads path into registry whenever it changes, until ctx is done. The parent
// directory is watched so editor rename-and-replace saves are seen. A file that fails to
// parse is logged and the previous registry contents stay in place.
func WatchMappings(ctx context.Context, path string, registry *relaysync.MappingRegistry, log logrus.FieldLogger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create mappings watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce = time.After(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("mappings watcher: %v", err)
		case <-debounce:
			debounce = nil
			instances, mappings, err := LoadMappings(abs)
			if err != nil {
				log.WithField("path", abs).Errorf("mappings reload rejected: %v", err)
				continue
			}
			registry.Replace(instances, mappings)
			log.WithFields(logrus.Fields{"instances": len(instances), "mappings": len(mappings)}).Info("mappings reloaded")
		}
	}
}
