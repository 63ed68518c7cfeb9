// Package catalog holds the agents a user can call, loaded from YAML.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Agent is one callable voice agent.
type Agent struct {
	Code        string   `yaml:"code" json:"code"`
	Name        string   `yaml:"name" json:"name"`
	Route       string   `yaml:"route,omitempty" json:"route,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Category    string   `yaml:"category,omitempty" json:"category,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Provider overrides the catalog default provider hint.
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

type file struct {
	DefaultProvider string   `yaml:"default_provider"`
	Categories      []string `yaml:"categories"`
	Agents          []Agent  `yaml:"agents"`
}

// Catalog is an immutable set of agents.
type Catalog struct {
	defaultProvider string
	categories      []string
	agents          []Agent
	byCode          map[string]int
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a catalog document.
//
// Categories listed under "categories" come first, in that order; any
// other category used by an agent follows in order of first use.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		defaultProvider: f.DefaultProvider,
		byCode:          make(map[string]int, len(f.Agents)),
	}

	seenCategory := make(map[string]bool)
	addCategory := func(name string) {
		if name != "" && !seenCategory[name] {
			seenCategory[name] = true
			c.categories = append(c.categories, name)
		}
	}
	for _, name := range f.Categories {
		addCategory(name)
	}

	var errs []error
	for i, a := range f.Agents {
		a.Code = strings.TrimSpace(a.Code)
		if a.Code == "" {
			errs = append(errs, fmt.Errorf("agent %d: code is required", i))
			continue
		}
		if _, dup := c.byCode[a.Code]; dup {
			errs = append(errs, fmt.Errorf("agent %d: duplicate code %s", i, a.Code))
			continue
		}
		if a.Name == "" {
			a.Name = a.Code
		}
		c.byCode[a.Code] = len(c.agents)
		c.agents = append(c.agents, a)
		addCategory(a.Category)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Len returns the number of agents.
func (c *Catalog) Len() int { return len(c.agents) }

// Get returns the agent with code.
func (c *Catalog) Get(code string) (Agent, bool) {
	i, ok := c.byCode[code]
	if !ok {
		return Agent{}, false
	}
	return c.agents[i], true
}

// Agents returns every agent in file order.
func (c *Catalog) Agents() []Agent {
	return append([]Agent(nil), c.agents...)
}

// ByCategory returns the agents in one category, in file order.
func (c *Catalog) ByCategory(category string) []Agent {
	var out []Agent
	for _, a := range c.agents {
		if a.Category == category {
			out = append(out, a)
		}
	}
	return out
}

// Categories returns the category display order.
func (c *Catalog) Categories() []string {
	return append([]string(nil), c.categories...)
}

// ProviderFor returns the provider hint for an agent: its own, else the
// catalog default. Unknown agents get the default.
func (c *Catalog) ProviderFor(code string) string {
	if a, ok := c.Get(code); ok && a.Provider != "" {
		return a.Provider
	}
	return c.defaultProvider
}
