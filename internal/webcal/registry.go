package webcal

import (
	"context"
	"fmt"

	"webcalsync/internal/config"
	appLog "webcalsync/internal/log"
	"webcalsync/internal/model"
)

// resolveNotebook returns the notebook owned by (pluginName, profile),
// creating and persisting it on first use. A new notebook is read-only from
// the start and takes the configured label as name (possibly empty, in
// which case the feed name is adopted later).
func resolveNotebook(ctx context.Context, s Store, pluginName, profile string, cfg config.FeedConfig) (model.Notebook, error) {
	notebooks, err := s.Notebooks(ctx)
	if err != nil {
		return model.Notebook{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	for _, nb := range notebooks {
		if nb.PluginName == pluginName && nb.SyncProfile == profile {
			return nb, nil
		}
	}

	nb := model.Notebook{
		PluginName:  pluginName,
		SyncProfile: profile,
		Name:        cfg.Label,
		ReadOnly:    true,
	}
	if err := s.AddNotebook(ctx, &nb); err != nil {
		return model.Notebook{}, fmt.Errorf("%w %q: %w", ErrNotebookCreateFailed, cfg.Label, err)
	}
	appLog.Info("notebook created", "uid", nb.UID, "profile", profile, "label", cfg.Label)
	return nb, nil
}
