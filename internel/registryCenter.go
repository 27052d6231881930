package internel

import (
	"actortx/model"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrResourceExists = errors.New("resource already exists")

// RegistryCenter 一个actor的事务资源, 按资源名登记
type RegistryCenter struct {
	mux       sync.RWMutex
	resources map[string]model.TransactionalResource
}

func NewRegistryCenter() *RegistryCenter {
	return &RegistryCenter{
		resources: make(map[string]model.TransactionalResource),
	}
}

func (rc *RegistryCenter) Register(resource model.TransactionalResource) error {
	rc.mux.Lock()
	defer rc.mux.Unlock()
	name := resource.ID().Name
	if _, ok := rc.resources[name]; ok {
		return fmt.Errorf("register %v: %w", resource.ID(), ErrResourceExists)
	}
	rc.resources[name] = resource
	return nil
}

func (rc *RegistryCenter) GetResourceByNames(names ...string) ([]model.TransactionalResource, error) {
	rc.mux.RLock()
	defer rc.mux.RUnlock()
	resources := make([]model.TransactionalResource, 0, len(names))
	for _, name := range names {
		if resource, ok := rc.resources[name]; ok {
			resources = append(resources, resource)
		} else {
			return nil, fmt.Errorf("resource name:%v does not exist", name)
		}
	}
	return resources, nil
}

func (rc *RegistryCenter) Names() []string {
	rc.mux.RLock()
	defer rc.mux.RUnlock()
	names := make([]string, 0, len(rc.resources))
	for name := range rc.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
