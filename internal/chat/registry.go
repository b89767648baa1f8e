package chat

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/MegaGrindStone/lm-chat/internal/store"
	"github.com/samber/lo"
)

// ModelLister fetches the models served at a base URL.
type ModelLister interface {
	Models(ctx context.Context, baseURL string) ([]models.Model, error)
}

// Registry keeps the most recently fetched model list and reconciles the active session's model
// selection against it.
type Registry struct {
	lister ModelLister
	store  *store.Store
	bus    *Bus

	mu     sync.RWMutex
	models []models.Model
	err    string
	// gen increases on every refresh and invalidation; a refresh only applies its result if no other
	// refresh or invalidation started after it.
	gen uint64

	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(lister ModelLister, st *store.Store, bus *Bus, logger *slog.Logger) *Registry {
	return &Registry{
		lister: lister,
		store:  st,
		bus:    bus,
		logger: logger.With(slog.String("module", "registry")),
	}
}

// Models returns the known models and the error of the last refresh, if it failed.
func (r *Registry) Models() ([]models.Model, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.models), r.err
}

// Known reports whether at least one model is known.
func (r *Registry) Known() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models) > 0
}

// Invalidate forgets the current list. A refresh still in flight will not restore it.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.models = nil
	r.err = ""
}

// Refresh fetches the model list from baseURL and replaces the known list with it.
//
// On success the active session's model is reconciled: an empty or unknown selection becomes the first
// listed model, and an empty list clears the selection. On failure the list is cleared, the error is
// kept for display, and the selection is left alone. Either way the outcome is published on the bus.
func (r *Registry) Refresh(ctx context.Context, baseURL string) ([]models.Model, error) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	list, err := r.lister.Models(ctx, baseURL)

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		r.logger.Debug("Discarding superseded model list", slog.String("baseURL", baseURL))
		return list, err
	}
	if err != nil {
		r.models = nil
		r.err = err.Error()
		r.mu.Unlock()

		r.logger.Warn("Failed to fetch models",
			slog.String("baseURL", baseURL),
			slog.String(errLoggerKey, err.Error()))
		r.bus.Publish(Event{Type: EventModelsError, Error: err.Error()})
		return nil, err
	}
	r.models = slices.Clone(list)
	r.err = ""
	r.mu.Unlock()

	r.reconcile(list)
	r.bus.Publish(Event{Type: EventModelsList, Models: slices.Clone(list)})
	return list, nil
}

func (r *Registry) reconcile(list []models.Model) {
	active := r.store.Active()

	var want string
	if len(list) > 0 {
		want = active.SelectedModel
		known := lo.ContainsBy(list, func(m models.Model) bool { return m.ID == want })
		if want == "" || !known {
			want = list[0].ID
		}
	}
	if want == active.SelectedModel {
		return
	}

	set, err := r.store.SetSessionModelIf(active.ID, active.SelectedModel, want)
	if err != nil {
		r.logger.Warn("Failed to set session model", slog.String(errLoggerKey, err.Error()))
		return
	}
	if !set {
		r.logger.Debug("Session model changed during reconcile, keeping it", slog.String("sessionID", active.ID))
		return
	}
	r.logger.Info("Reconciled session model",
		slog.String("sessionID", active.ID),
		slog.String("from", active.SelectedModel),
		slog.String("to", want))
}

// Name identifies the registry in a service group.
func (r *Registry) Name() string { return "registry" }

// Run fetches the model list once, then again after every API base URL change, until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	_, _ = r.Refresh(ctx, r.store.Settings().APIBaseURL)

	changes := r.store.BaseURLChanges()
	for {
		select {
		case <-ctx.Done():
			return nil
		case baseURL := <-changes:
			r.Invalidate()
			_, _ = r.Refresh(ctx, baseURL)
		}
	}
}
