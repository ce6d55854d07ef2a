package completion

import (
	"fmt"
	"strings"
)

// Model is an entry in the chat model catalog. Deployment is the name the
// endpoint knows the model by.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Deployment  string `json:"-"`
}

type Catalog struct {
	Models  []Model `json:"models"`
	Default string  `json:"default"`
}

// ParseCatalog reads "id=deployment" pairs separated by commas. A bare id is
// its own deployment. The first entry is the default unless def names another.
func ParseCatalog(raw, def string) (Catalog, error) {
	var c Catalog
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, deployment, ok := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		deployment = strings.TrimSpace(deployment)
		if !ok || deployment == "" {
			deployment = id
		}
		if id == "" {
			return Catalog{}, fmt.Errorf("model entry %q has no id", part)
		}
		if seen[id] {
			return Catalog{}, fmt.Errorf("model %q listed twice", id)
		}
		seen[id] = true
		c.Models = append(c.Models, Model{ID: id, Name: id, Description: "Chat completion", Deployment: deployment})
	}
	if len(c.Models) == 0 {
		return Catalog{}, fmt.Errorf("model catalog is empty")
	}
	c.Default = c.Models[0].ID
	if def = strings.TrimSpace(def); def != "" {
		if _, ok := c.Lookup(def); !ok {
			return Catalog{}, fmt.Errorf("default model %q is not in the catalog", def)
		}
		c.Default = def
	}
	return c, nil
}

func (c Catalog) Lookup(id string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Resolve maps a model id to its entry, using the default for unknown or
// empty ids.
func (c Catalog) Resolve(id string) Model {
	if m, ok := c.Lookup(id); ok {
		return m
	}
	m, _ := c.Lookup(c.Default)
	return m
}

// Deployments returns the id to deployment mapping.
func (c Catalog) Deployments() map[string]string {
	out := make(map[string]string, len(c.Models))
	for _, m := range c.Models {
		out[m.ID] = m.Deployment
	}
	return out
}
