package webcal

import (
	"context"
	"fmt"
	"time"

	"webcalsync/internal/config"
	"webcalsync/internal/model"
)

// metadataUpdate is what a cycle learned about the notebook.
type metadataUpdate struct {
	Changed bool
	ETag    string
	Meta    feedMetadata
}

// reconcileNotebook brings the notebook attributes in line with the
// configuration and, after a changed fetch, with the feed. It runs on every
// cycle, so a timestamp-only update can still fail.
func reconcileNotebook(ctx context.Context, s Store, uid string, cfg config.FeedConfig, upd metadataUpdate, now time.Time) (model.Notebook, error) {
	nb, err := s.Notebook(ctx, uid)
	if err != nil {
		return model.Notebook{}, fmt.Errorf("%w %s: %w", ErrMetadataUpdateFailed, uid, err)
	}

	applyMetadata(&nb, cfg, upd, now)

	if err := s.UpdateNotebook(ctx, nb); err != nil {
		return model.Notebook{}, fmt.Errorf("%w %s: %w", ErrMetadataUpdateFailed, uid, err)
	}
	return nb, nil
}

func applyMetadata(nb *model.Notebook, cfg config.FeedConfig, upd metadataUpdate, now time.Time) {
	if upd.Changed {
		nb.ETag = upd.ETag
		if cfg.Label == "" && upd.Meta.Name != "" {
			nb.Name = upd.Meta.Name
		}
		if upd.Meta.Description != "" && upd.Meta.Description != nb.Name {
			nb.Description = upd.Meta.Description
		}
	}

	// Explicit configuration wins over feed naming on every cycle.
	if cfg.Label != "" {
		nb.Name = cfg.Label
	}
	if cfg.AccountID != "" {
		nb.Account = cfg.AccountID
	}
	nb.ReadOnly = true
	nb.Master = false
	nb.SyncDate = now.UTC()
}
