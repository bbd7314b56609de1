package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel is returned when a model reference is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Catalog resolves logical model references.
type Catalog struct {
	byName map[string]ModelInfo
	byRef  map[string]ModelInfo
	models []ModelInfo
}

// NewCatalog indexes models by name and by provider-qualified reference.
func NewCatalog(models []ModelInfo) (*Catalog, error) {
	c := &Catalog{
		byName: make(map[string]ModelInfo, len(models)),
		byRef:  make(map[string]ModelInfo, len(models)),
	}

	for _, m := range models {
		if m.Name == "" {
			return nil, fmt.Errorf("model with empty name in catalog")
		}
		if m.Provider == "" {
			return nil, fmt.Errorf("model %s has no provider", m.Name)
		}
		if _, dup := c.byRef[m.Ref()]; dup {
			return nil, fmt.Errorf("duplicate model %s", m.Ref())
		}
		c.byRef[m.Ref()] = m
		// First entry wins for bare names shared across providers.
		if _, exists := c.byName[m.Name]; !exists {
			c.byName[m.Name] = m
		}
		c.models = append(c.models, m)
	}

	return c, nil
}

// Resolve looks up a model by bare name or by "provider/name".
func (c *Catalog) Resolve(ref string) (ModelInfo, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ModelInfo{}, fmt.Errorf("%w: empty model reference", ErrUnknownModel)
	}
	if m, ok := c.byRef[ref]; ok {
		return m, nil
	}
	if m, ok := c.byName[ref]; ok {
		return m, nil
	}
	return ModelInfo{}, fmt.Errorf("%w: %s", ErrUnknownModel, ref)
}

// Models returns a copy of the catalog entries in configuration order.
func (c *Catalog) Models() []ModelInfo {
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}
