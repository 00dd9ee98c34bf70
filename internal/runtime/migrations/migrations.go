// Package migrations brings stored events of an older model version up to
// the current one by applying declared conversions link by link.
package migrations

import (
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/drblury/gobflow/internal/runtime/events"
)

//go:embed migrations.yaml
var defaultCatalog []byte

// ErrCycle is returned when the declared links loop without reaching the
// target version.
var ErrCycle = errors.New("gobflow: migration links form a cycle")

// MissingLinkError reports that no migration starts at Version.
type MissingLinkError struct {
	Catalogue  string
	Collection string
	Version    string
	Target     string
}

func (e *MissingLinkError) Error() string {
	return fmt.Sprintf("gobflow: no migration for %s.%s from version %s towards %s", e.Catalogue, e.Collection, e.Version, e.Target)
}

// UnsupportedActionError reports a conversion action without implementation.
type UnsupportedActionError struct {
	Action string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("gobflow: migration action %q is not implemented", e.Action)
}

// Conversion is one step of a migration, e.g.
// {action: rename, old_column: a, new_column: b}.
type Conversion map[string]string

// Action names the conversion.
func (c Conversion) Action() string { return c["action"] }

// Migration upgrades events of one collection from Version to TargetVersion.
type Migration struct {
	Catalogue     string       `yaml:"catalogue"`
	Collection    string       `yaml:"collection"`
	Version       string       `yaml:"version"`
	TargetVersion string       `yaml:"target_version"`
	Conversions   []Conversion `yaml:"conversions"`
}

type catalog struct {
	Migrations []Migration `yaml:"migrations"`
}

type linkKey struct {
	catalogue, collection, version string
}

// ActionFunc converts the entity attributes of an event in place.
type ActionFunc func(entity map[string]any, ev *events.Event, c Conversion) error

var (
	actionsMu sync.RWMutex
	actions   = map[string]ActionFunc{
		"rename": rename,
	}
)

// RegisterAction adds or replaces a conversion action.
func RegisterAction(name string, fn ActionFunc) {
	actionsMu.Lock()
	defer actionsMu.Unlock()
	actions[name] = fn
}

func lookupAction(name string) (ActionFunc, bool) {
	actionsMu.RLock()
	defer actionsMu.RUnlock()
	fn, ok := actions[name]
	return fn, ok
}

// Migrator holds the migration links of all collections.
type Migrator struct {
	links map[linkKey]Migration
}

// New returns a migrator for the given links. A later link from the same
// version replaces an earlier one.
func New(migrations []Migration) *Migrator {
	m := &Migrator{links: make(map[linkKey]Migration, len(migrations))}
	for _, mig := range migrations {
		m.links[linkKey{mig.Catalogue, mig.Collection, mig.Version}] = mig
	}
	return m
}

// Parse reads a YAML migration catalog.
func Parse(data []byte) (*Migrator, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("gobflow: parse migrations: %w", err)
	}
	for i, mig := range c.Migrations {
		if mig.Catalogue == "" || mig.Collection == "" || mig.Version == "" || mig.TargetVersion == "" {
			return nil, fmt.Errorf("gobflow: migration %d: catalogue, collection, version and target_version are required", i)
		}
	}
	return New(c.Migrations), nil
}

// Default returns the migrator for the embedded catalog.
func Default() (*Migrator, error) {
	return Parse(defaultCatalog)
}

// Migrate applies migrations to ev until its version equals target. The
// input event is not modified. After migration the entity attributes carry
// _version = target.
func (m *Migrator) Migrate(ev events.Event, target string) (events.Event, error) {
	if ev.Version == target {
		return ev, nil
	}
	out := ev.Clone()
	if out.Data == nil {
		out.Data = map[string]any{}
	}

	for hops := 0; out.Version != target; hops++ {
		if hops > len(m.links) {
			return events.Event{}, ErrCycle
		}
		link, ok := m.links[linkKey{out.Catalogue, out.Collection, out.Version}]
		if !ok {
			return events.Event{}, &MissingLinkError{
				Catalogue:  out.Catalogue,
				Collection: out.Collection,
				Version:    out.Version,
				Target:     target,
			}
		}
		entity := out.Attributes()
		for _, c := range link.Conversions {
			fn, ok := lookupAction(c.Action())
			if !ok {
				return events.Event{}, &UnsupportedActionError{Action: c.Action()}
			}
			if err := fn(entity, &out, c); err != nil {
				return events.Event{}, err
			}
		}
		out.Version = link.TargetVersion
		entity[events.FieldVersion] = link.TargetVersion
	}
	return out, nil
}

// rename moves old_column to new_column. Modifications of a MODIFY event are
// renamed along with the attribute.
func rename(entity map[string]any, ev *events.Event, c Conversion) error {
	from, to := c["old_column"], c["new_column"]
	if from == "" || to == "" {
		return fmt.Errorf("gobflow: rename needs old_column and new_column, got %v", map[string]string(c))
	}
	if v, ok := entity[from]; ok {
		delete(entity, from)
		entity[to] = v
	}
	mods, ok := ev.Data[events.DataModifications].([]any)
	if !ok {
		return nil
	}
	for _, item := range mods {
		if mod, ok := item.(map[string]any); ok && mod["key"] == from {
			mod["key"] = to
		}
	}
	return nil
}
