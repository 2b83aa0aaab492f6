package blobstore

import (
	"fmt"
	"log/slog"

	"github.com/abdplatform/blob-storage-backend/interfaces"
)

// Router maps upload purposes to storage providers and dispatches deletes
// by the provider tag recorded on registry rows. It is the closed-set
// provider dispatch: callers never branch on concrete provider types.
type Router struct {
	byPurpose map[interfaces.UploadPurpose]interfaces.StorageProvider
	byKind    map[interfaces.ProviderKind]interfaces.StorageProvider
	log       *slog.Logger
}

// NewRouter creates a provider router from a purpose-to-provider mapping.
// Every configured provider also registers as the delete target for its
// kind; when several providers share a kind, the first one wins.
func NewRouter(byPurpose map[interfaces.UploadPurpose]interfaces.StorageProvider, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	byKind := make(map[interfaces.ProviderKind]interfaces.StorageProvider)
	for _, provider := range byPurpose {
		if _, ok := byKind[provider.Kind()]; !ok {
			byKind[provider.Kind()] = provider
		}
	}

	return &Router{
		byPurpose: byPurpose,
		byKind:    byKind,
		log:       logger,
	}
}

// RegisterDeleter adds a delete target for a provider kind without routing
// any uploads to it. Used for draining rows written by retired backends.
func (r *Router) RegisterDeleter(provider interfaces.StorageProvider) {
	if _, ok := r.byKind[provider.Kind()]; ok {
		r.log.Warn("Deleter already registered for kind, keeping existing",
			slog.String("kind", provider.Kind().String()),
			slog.String("provider", provider.Name()))
		return
	}
	r.byKind[provider.Kind()] = provider
}

// ProviderFor returns the upload provider for a purpose.
func (r *Router) ProviderFor(purpose interfaces.UploadPurpose) (interfaces.StorageProvider, error) {
	provider, ok := r.byPurpose[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoProviderForPurpose, purpose)
	}
	return provider, nil
}

// DeleterFor returns the provider holding objects of the given kind.
func (r *Router) DeleterFor(kind interfaces.ProviderKind) (interfaces.StorageProvider, error) {
	provider, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoProviderForKind, kind)
	}
	return provider, nil
}
