// Package machine holds the programs a session can run.
package machine

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/core"
)

// ErrUnknownProgram is returned by Open for an unregistered program.
var ErrUnknownProgram = errors.New("unknown program")

// Catalog maps program identifiers to machine factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]core.MachineFactory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]core.MachineFactory)}
}

// Register adds or replaces a program.
func (c *Catalog) Register(program string, factory core.MachineFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[program] = factory
}

// Open bootstraps the machine for cfg.Program.
func (c *Catalog) Open(cfg core.MachineConfig) (core.Machine, error) {
	c.mu.RLock()
	factory, ok := c.factories[cfg.Program]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProgram, "%q", cfg.Program)
	}
	m, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "start %q", cfg.Program)
	}
	return m, nil
}

// Programs lists the registered program identifiers.
func (c *Catalog) Programs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for name := range c.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Builtin returns a catalog serving the test pattern under every listed
// program name.
func Builtin(programs []string) *Catalog {
	c := NewCatalog()
	for _, p := range programs {
		c.Register(p, NewTestPattern)
	}
	return c
}
