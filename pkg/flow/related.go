package flow

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dukex/stateflow/pkg/persistence"
)

// RelationSource lists the business objects linked to another one through a tag.
type RelationSource interface {
	Related(ctx context.Context, businessObjectID, tag string) ([]string, error)
}

// InstanceRelatedFetcher answers relation queries from a RelationSource and
// state queries from the instance store.
type InstanceRelatedFetcher struct {
	relations RelationSource
	instances persistence.InstanceRepository
}

func NewInstanceRelatedFetcher(relations RelationSource, instances persistence.InstanceRepository) *InstanceRelatedFetcher {
	return &InstanceRelatedFetcher{relations: relations, instances: instances}
}

func (f *InstanceRelatedFetcher) FetchRelated(ctx context.Context, businessObjectID, tag string) ([]string, error) {
	return f.relations.Related(ctx, businessObjectID, tag)
}

// StateOf returns the current state of the object's instance, or "" when it has none.
func (f *InstanceRelatedFetcher) StateOf(ctx context.Context, businessObjectID, tag string) (string, error) {
	instance, err := f.instances.InstanceByBusinessObject(ctx, tag, businessObjectID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return "", nil
		}

		return "", err
	}

	return instance.CurrentStateID, nil
}

// StaticRelations is an in-memory RelationSource. Links are directed.
type StaticRelations struct {
	mu    sync.RWMutex
	links map[string]map[string][]string // business object -> tag -> related objects
}

func NewStaticRelations() *StaticRelations {
	return &StaticRelations{links: make(map[string]map[string][]string)}
}

// Link relates businessObjectID to each of related under tag.
func (s *StaticRelations) Link(businessObjectID, tag string, related ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTag, ok := s.links[businessObjectID]
	if !ok {
		byTag = make(map[string][]string)
		s.links[businessObjectID] = byTag
	}

	for _, id := range related {
		if !slices.Contains(byTag[tag], id) {
			byTag[tag] = append(byTag[tag], id)
		}
	}
}

func (s *StaticRelations) Related(_ context.Context, businessObjectID, tag string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.links[businessObjectID][tag]), nil
}
