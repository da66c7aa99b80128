package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peteromalley/reigh/internal/types"
)

// fakeStore is an in-memory Store + ShotLinker for engine tests. It mirrors
// the real store's semantics: creator-task uniqueness on insert, promote
// demoting siblings and mirroring display fields, conditional status updates
// applied atomically under a lock.
type fakeStore struct {
	mu       sync.Mutex
	tasks    map[uuid.UUID]*types.Task
	gens     map[uuid.UUID]*types.Generation
	variants map[uuid.UUID][]*types.Variant
	byTask   map[string]uuid.UUID

	attachments []fakeAttachment
	attachErr   error
	// insertConflicts makes the next n generation inserts lose a simulated
	// race: a competing row with the same creator tasks lands first and the
	// duplicate-task sentinel is returned.
	insertConflicts int
	taskErrors      map[uuid.UUID]string
}

type fakeAttachment struct {
	ShotID       string
	GenerationID uuid.UUID
	WithPosition bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      make(map[uuid.UUID]*types.Task),
		gens:       make(map[uuid.UUID]*types.Generation),
		variants:   make(map[uuid.UUID][]*types.Variant),
		byTask:     make(map[string]uuid.UUID),
		taskErrors: make(map[uuid.UUID]string),
	}
}

func (f *fakeStore) addTask(t *types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func (f *fakeStore) GetTask(_ context.Context, id uuid.UUID) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) MarkGenerationCreated(_ context.Context, taskID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t.GenerationCreated = true
	}
	return nil
}

func (f *fakeStore) UpdateTaskOutput(_ context.Context, taskID uuid.UUID, location string, thumbnailURL *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[taskID]; ok {
		t.OutputLocation = &location
		t.ThumbnailURL = thumbnailURL
	}
	return nil
}

func (f *fakeStore) SetTaskError(_ context.Context, taskID uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskErrors[taskID] = message
	return nil
}

func (f *fakeStore) ConditionalUpdateTaskStatus(_ context.Context, id uuid.UUID, newStatus types.TaskStatus, allowed []types.TaskStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return 0, nil
	}
	for _, s := range allowed {
		if t.Status == s {
			t.Status = newStatus
			return 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) ListSegmentTasks(_ context.Context, correlationKey, correlationValue string, taskTypes []string) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	typeSet := make(map[string]bool, len(taskTypes))
	for _, tt := range taskTypes {
		typeSet[tt] = true
	}
	var out []types.Task
	for _, t := range f.tasks {
		if !typeSet[t.TaskType] {
			continue
		}
		if v, ok := t.Params[correlationKey].(string); ok && v == correlationValue {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) FindGenerationByTask(_ context.Context, taskID uuid.UUID) (*types.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if genID, ok := f.byTask[taskID.String()]; ok {
		cp := *f.gens[genID]
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) FindGenerationByID(_ context.Context, id uuid.UUID) (*types.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gens[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) FindGenerationByLocation(_ context.Context, projectID uuid.UUID, location string) (*types.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gens {
		if g.ProjectID == projectID && g.Location != nil && *g.Location == location {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindChildByPairingKey(_ context.Context, parentID uuid.UUID, pairingKey string) (*types.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gens {
		if !g.IsChild || g.ParentID == nil || *g.ParentID != parentID {
			continue
		}
		if key, ok := g.Params["pair_shot_generation_id"].(string); ok && key == pairingKey {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindChildByOrder(_ context.Context, parentID uuid.UUID, childOrder int) (*types.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gens {
		if g.IsChild && g.ParentID != nil && *g.ParentID == parentID &&
			g.ChildOrder != nil && *g.ChildOrder == childOrder {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CountChildren(_ context.Context, parentID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, g := range f.gens {
		if g.IsChild && g.ParentID != nil && *g.ParentID == parentID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) InsertGeneration(_ context.Context, gen *types.Generation) (*types.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertConflicts > 0 {
		f.insertConflicts--
		winner := *gen
		winner.ID = uuid.New()
		winner.CreatedAt = time.Now()
		f.gens[winner.ID] = &winner
		for _, taskID := range winner.TaskIDs {
			f.byTask[taskID] = winner.ID
		}
		return nil, types.ErrDuplicateTask
	}
	for _, taskID := range gen.TaskIDs {
		if _, exists := f.byTask[taskID]; exists {
			return nil, types.ErrDuplicateTask
		}
	}
	cp := *gen
	cp.CreatedAt = time.Now()
	f.gens[cp.ID] = &cp
	for _, taskID := range cp.TaskIDs {
		f.byTask[taskID] = cp.ID
	}
	out := cp
	return &out, nil
}

func (f *fakeStore) UpdateGeneration(_ context.Context, id uuid.UUID, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gens[id]
	if !ok {
		return types.ErrNotFound
	}
	for col, val := range fields {
		switch col {
		case "location":
			if s, ok := val.(string); ok {
				g.Location = &s
			} else {
				g.Location = nil
			}
		case "name":
			if s, ok := val.(string); ok {
				g.Name = &s
			}
		case "params":
			if p, ok := val.(types.Params); ok {
				g.Params = p
			}
		}
	}
	return nil
}

func (f *fakeStore) InsertVariant(_ context.Context, v *types.Variant) (*types.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *v
	cp.IsPrimary = false
	cp.CreatedAt = time.Now()
	f.variants[cp.GenerationID] = append(f.variants[cp.GenerationID], &cp)
	out := cp
	return &out, nil
}

func (f *fakeStore) PromoteVariant(_ context.Context, generationID, variantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var promoted *types.Variant
	for _, v := range f.variants[generationID] {
		if v.ID == variantID {
			promoted = v
		} else {
			v.IsPrimary = false
		}
	}
	if promoted == nil {
		return types.ErrNotFound
	}
	promoted.IsPrimary = true
	g := f.gens[generationID]
	g.Location = &promoted.Location
	g.ThumbnailURL = promoted.ThumbnailURL
	return nil
}

func (f *fakeStore) Attach(_ context.Context, shotID string, generationID uuid.UUID, withPosition bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attachments = append(f.attachments, fakeAttachment{shotID, generationID, withPosition})
	return nil
}

// variantsOf returns copies of a generation's variants in insertion order.
func (f *fakeStore) variantsOf(genID uuid.UUID) []types.Variant {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Variant, 0, len(f.variants[genID]))
	for _, v := range f.variants[genID] {
		out = append(out, *v)
	}
	return out
}

func (f *fakeStore) generation(id uuid.UUID) *types.Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.gens[id]; ok {
		cp := *g
		return &cp
	}
	return nil
}

func (f *fakeStore) primaryCount(genID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.variants[genID] {
		if v.IsPrimary {
			n++
		}
	}
	return n
}
