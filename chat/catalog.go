package chat

import (
	"context"
	"fmt"

	"github.com/jjasinski/backchannel"
)

// Model describes one entry of the remote model catalog.
type Model struct {
	ID           string
	PublicName   string
	Organization string
	Modalities   []string
}

// Ref returns the model as a session model reference.
func (m Model) Ref() backchannel.ModelRef {
	return backchannel.ModelRef{ID: m.ID, Slug: m.PublicName}
}

const catalogCacheKey = "models"

// Models returns the remote model catalog, cached with a short TTL.
// The catalog is read-mostly process-wide state; concurrent readers are
// safe and refreshes are single-writer per key.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	if v, ok := c.catalog.Get(catalogCacheKey); ok {
		return v.([]Model), nil
	}

	decoded, err := c.callAction(ctx, actionListModels, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("chat: list models: %w", err)
	}

	raw, ok := field(decoded, "data", "models").([]any)
	if !ok {
		return nil, fmt.Errorf("chat: malformed model catalog")
	}

	models := make([]Model, 0, len(raw))
	for _, it := range raw {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		model := Model{
			ID:           str(m["id"]),
			PublicName:   str(m["publicName"]),
			Organization: str(m["organization"]),
		}
		if caps, ok := m["modalities"].([]any); ok {
			for _, cap := range caps {
				if s := str(cap); s != "" {
					model.Modalities = append(model.Modalities, s)
				}
			}
		}
		if model.ID != "" {
			models = append(models, model)
		}
	}

	c.catalog.Set(catalogCacheKey, models)
	return models, nil
}
