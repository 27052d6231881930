package internel

import (
	"actortx/model"
	"actortx/pkg"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownParticipant = errors.New("unknown participant")

// ParticipantExtension 把一个actor和它的资源登记表绑定在一起, 线路操作按资源名路由
type ParticipantExtension struct {
	actor    string
	registry *RegistryCenter
}

func NewParticipantExtension(actor string, registry *RegistryCenter) *ParticipantExtension {
	if registry == nil {
		registry = NewRegistryCenter()
	}
	return &ParticipantExtension{actor: actor, registry: registry}
}

func (pe *ParticipantExtension) Register(resource model.TransactionalResource) error {
	if resource.ID().Actor != pe.actor {
		return fmt.Errorf("resource %v does not belong to actor %s", resource.ID(), pe.actor)
	}
	return pe.registry.Register(resource)
}

func (pe *ParticipantExtension) Resource(name string) (model.TransactionalResource, error) {
	resources, err := pe.registry.GetResourceByNames(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownParticipant, pe.actor, name)
	}
	return resources[0], nil
}

// Directory 进程内的 model.ResourceLocator: actor id -> ParticipantExtension
type Directory struct {
	mux    sync.RWMutex
	actors map[string]*ParticipantExtension
}

func NewDirectory() *Directory {
	return &Directory{actors: make(map[string]*ParticipantExtension)}
}

// Extension 返回actor的扩展, 不存在时创建一个空的
func (d *Directory) Extension(actor string) *ParticipantExtension {
	d.mux.Lock()
	defer d.mux.Unlock()
	ext, ok := d.actors[actor]
	if !ok {
		ext = NewParticipantExtension(actor, nil)
		d.actors[actor] = ext
	}
	return ext
}

func (d *Directory) Remove(actor string) {
	d.mux.Lock()
	defer d.mux.Unlock()
	delete(d.actors, actor)
}

func (d *Directory) Locate(id pkg.ParticipantId) (model.TransactionalResource, error) {
	d.mux.RLock()
	ext, ok := d.actors[id.Actor]
	d.mux.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownParticipant, id)
	}
	return ext.Resource(id.Name)
}
