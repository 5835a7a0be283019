package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/prompt"
)

// credential resolves the saved credential for a provider, falling back to
// the environment.
func (o *Orchestrator) credential(ctx context.Context, providerID string) models.Credential {
	p, err := o.persist.Preferences(ctx)
	if err != nil {
		o.log.Warn("load preferences failed", "error", err)
	} else if c := p.Credentials[providerID]; c != "" {
		return c
	}
	return o.opts.EnvCredentials[providerID]
}

// HasCredential reports whether a credential is available for a provider.
func (o *Orchestrator) HasCredential(ctx context.Context, providerID string) bool {
	return o.credential(ctx, providerID) != ""
}

// SelectProvider switches provider and, when a credential is present,
// refetches its models. The first ranked model becomes the selection unless
// the current model is still listed.
func (o *Orchestrator) SelectProvider(ctx context.Context, providerID string) ([]models.Model, error) {
	adapter, err := o.adapters.Get(providerID)
	if err != nil {
		return nil, err
	}

	cur := o.state.Snapshot()
	modelID := cur.ModelID
	if cur.ProviderID != providerID {
		modelID = ""
	}

	var list []models.Model
	cred := o.credential(ctx, providerID)
	if cred != "" || !adapter.Info().RequiresCredential {
		list, err = o.catalog.Refresh(ctx, adapter, cred)
		if err != nil {
			o.log.Warn("list models failed", "provider", providerID, "error", err)
		}
	}
	if len(list) > 0 && !containsModel(list, modelID) {
		modelID = list[0].ID
	}

	if _, perr := o.persist.UpdatePreferences(ctx, func(p *models.Preferences) {
		p.ProviderID = providerID
		p.ModelID = modelID
	}); perr != nil {
		return nil, fmt.Errorf("select provider: %w", perr)
	}
	o.state.update(func(st *State) {
		st.ProviderID = providerID
		st.ModelID = modelID
		st.Models = list
	})
	if err != nil {
		return nil, fmt.Errorf("select provider %s: %w", providerID, err)
	}
	return list, nil
}

// SelectModel selects a model of the current provider. When the provider's
// models are cached the id must be among them.
func (o *Orchestrator) SelectModel(ctx context.Context, modelID string) error {
	cur := o.state.Snapshot()
	if cur.ProviderID == "" {
		return ErrNoProvider
	}
	if list, ok := o.catalog.Cached(cur.ProviderID); ok && len(list) > 0 && !containsModel(list, modelID) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	if _, err := o.persist.UpdatePreferences(ctx, func(p *models.Preferences) {
		p.ProviderID = cur.ProviderID
		p.ModelID = modelID
	}); err != nil {
		return fmt.Errorf("select model: %w", err)
	}
	o.state.update(func(st *State) { st.ModelID = modelID })
	return nil
}

// Models returns the models of a provider from the cache or the adapter.
func (o *Orchestrator) Models(ctx context.Context, providerID string) ([]models.Model, error) {
	adapter, err := o.adapters.Get(providerID)
	if err != nil {
		return nil, err
	}
	return o.catalog.Get(ctx, adapter, o.credential(ctx, providerID))
}

// ToggleMemory flips memory injection and returns the new value.
func (o *Orchestrator) ToggleMemory(ctx context.Context) (bool, error) {
	p, err := o.persist.UpdatePreferences(ctx, func(p *models.Preferences) {
		p.MemoryEnabled = models.Bool(!p.MemoryOn())
	})
	if err != nil {
		return false, fmt.Errorf("toggle memory: %w", err)
	}
	on := p.MemoryOn()
	o.state.update(func(st *State) { st.MemoryEnabled = on })
	return on, nil
}

// SetWebGrounding turns web-search grounding on or off.
func (o *Orchestrator) SetWebGrounding(ctx context.Context, on bool) error {
	if _, err := o.persist.UpdatePreferences(ctx, func(p *models.Preferences) {
		p.WebGrounding = models.Bool(on)
	}); err != nil {
		return fmt.Errorf("set web grounding: %w", err)
	}
	o.state.update(func(st *State) { st.WebGrounding = on })
	return nil
}

// SetPromptMode selects the persona used for new turns.
func (o *Orchestrator) SetPromptMode(ctx context.Context, mode string) error {
	if !slices.Contains(prompt.Modes(o.opts.Personas), mode) {
		return fmt.Errorf("%w: %s", ErrUnknownPromptMode, mode)
	}
	if _, err := o.persist.UpdatePreferences(ctx, func(p *models.Preferences) {
		p.PromptMode = mode
	}); err != nil {
		return fmt.Errorf("set prompt mode: %w", err)
	}
	o.state.update(func(st *State) { st.PromptMode = mode })
	return nil
}

// SaveCredential stores or, when cred is empty, removes a provider
// credential. The provider's cached models are dropped.
func (o *Orchestrator) SaveCredential(ctx context.Context, providerID string, cred models.Credential) error {
	if _, err := o.adapters.Get(providerID); err != nil {
		return err
	}
	if _, err := o.persist.UpdatePreferences(ctx, func(p *models.Preferences) {
		if cred == "" {
			delete(p.Credentials, providerID)
			return
		}
		if p.Credentials == nil {
			p.Credentials = make(map[string]models.Credential)
		}
		p.Credentials[providerID] = cred
	}); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	o.catalog.Invalidate(providerID)
	o.log.Info("credential saved", "provider", providerID, "credential", cred)
	return nil
}

func containsModel(list []models.Model, id string) bool {
	return id != "" && slices.ContainsFunc(list, func(m models.Model) bool { return m.ID == id })
}
