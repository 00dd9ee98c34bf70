// Package topology declares the exchanges, queues and bindings every gobflow
// deployment shares.
package topology

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	WorkflowExchange = "gob.workflow"
	LogExchange      = "gob.log"
	StatusExchange   = "gob.status"

	HeartbeatKey = "heartbeat"
	ProgressKey  = "progress"
)

//go:embed topology.yaml
var defaultTopology []byte

// Queue is bound to its exchange with one or more routing keys.
type Queue struct {
	Name string   `yaml:"name"`
	Keys []string `yaml:"keys"`
}

type Exchange struct {
	Name   string  `yaml:"name"`
	Queues []Queue `yaml:"queues"`
}

// Route is an exchange and routing key a producer publishes with.
type Route struct {
	Exchange string `yaml:"exchange"`
	Key      string `yaml:"key"`
}

// Binding is a flattened queue declaration.
type Binding struct {
	Exchange string
	Queue    string
	Keys     []string
}

// Topology is the static routing catalogue of a deployment.
type Topology struct {
	Exchanges  []Exchange `yaml:"exchanges"`
	Publishers []Route    `yaml:"publishers"`
}

var loadDefault = sync.OnceValues(func() (*Topology, error) {
	return Parse(defaultTopology)
})

// Default returns the embedded topology.
func Default() (*Topology, error) {
	return loadDefault()
}

// MustDefault is Default for package level initialisation.
func MustDefault() *Topology {
	t, err := Default()
	if err != nil {
		panic(err)
	}
	return t
}

// Parse reads and validates a YAML topology.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func Load(r io.Reader) (*Topology, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Validate checks that names are unique, every queue has keys and every key
// is well formed.
func (t *Topology) Validate() error {
	var errs []error
	if len(t.Exchanges) == 0 {
		errs = append(errs, errors.New("topology: no exchanges declared"))
	}
	exchanges := map[string]bool{}
	queues := map[string]string{}
	for _, ex := range t.Exchanges {
		if ex.Name == "" {
			errs = append(errs, errors.New("topology: exchange without name"))
			continue
		}
		if exchanges[ex.Name] {
			errs = append(errs, fmt.Errorf("topology: exchange %q declared twice", ex.Name))
		}
		exchanges[ex.Name] = true
		for _, q := range ex.Queues {
			if q.Name == "" {
				errs = append(errs, fmt.Errorf("topology: queue without name on %q", ex.Name))
				continue
			}
			if owner, ok := queues[q.Name]; ok {
				errs = append(errs, fmt.Errorf("topology: queue %q declared on %q and %q", q.Name, owner, ex.Name))
			}
			queues[q.Name] = ex.Name
			if len(q.Keys) == 0 {
				errs = append(errs, fmt.Errorf("topology: queue %q has no routing keys", q.Name))
			}
			for _, k := range q.Keys {
				if err := ValidateKey(k); err != nil {
					errs = append(errs, fmt.Errorf("topology: queue %q: %w", q.Name, err))
				}
			}
		}
	}
	for _, p := range t.Publishers {
		if !exchanges[p.Exchange] {
			errs = append(errs, fmt.Errorf("topology: publisher uses unknown exchange %q", p.Exchange))
		}
	}
	return errors.Join(errs...)
}

// CheckRouting verifies that every publisher route reaches a queue and that
// every binding key is produced by at least one publisher.
func (t *Topology) CheckRouting() error {
	var errs []error
	for _, p := range t.Publishers {
		if len(t.Route(p.Exchange, p.Key)) == 0 {
			errs = append(errs, fmt.Errorf("topology: %s/%s reaches no queue", p.Exchange, p.Key))
		}
	}
	for _, b := range t.Bindings() {
		for _, pattern := range b.Keys {
			used := slices.ContainsFunc(t.Publishers, func(p Route) bool {
				return p.Exchange == b.Exchange && MatchKey(pattern, p.Key)
			})
			if !used {
				errs = append(errs, fmt.Errorf("topology: binding %s/%s on %q has no publisher", b.Exchange, pattern, b.Queue))
			}
		}
	}
	return errors.Join(errs...)
}

func (t *Topology) ExchangeNames() []string {
	out := make([]string, 0, len(t.Exchanges))
	for _, ex := range t.Exchanges {
		out = append(out, ex.Name)
	}
	return out
}

func (t *Topology) QueueNames() []string {
	var out []string
	for _, ex := range t.Exchanges {
		for _, q := range ex.Queues {
			out = append(out, q.Name)
		}
	}
	return out
}

func (t *Topology) Bindings() []Binding {
	var out []Binding
	for _, ex := range t.Exchanges {
		for _, q := range ex.Queues {
			out = append(out, Binding{Exchange: ex.Name, Queue: q.Name, Keys: slices.Clone(q.Keys)})
		}
	}
	return out
}

// Queue looks up a queue and the exchange it belongs to.
func (t *Topology) Queue(name string) (Queue, string, bool) {
	for _, ex := range t.Exchanges {
		for _, q := range ex.Queues {
			if q.Name == name {
				return q, ex.Name, true
			}
		}
	}
	return Queue{}, "", false
}

// Route returns the queues a message published with key on exchange reaches.
func (t *Topology) Route(exchange, key string) []string {
	var out []string
	for _, ex := range t.Exchanges {
		if ex.Name != exchange {
			continue
		}
		for _, q := range ex.Queues {
			if slices.ContainsFunc(q.Keys, func(p string) bool { return MatchKey(p, key) }) {
				out = append(out, q.Name)
			}
		}
	}
	return out
}

// ValidateKey rejects empty segments and wildcards mixed into a segment.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("empty routing key")
	}
	for seg := range strings.SplitSeq(key, ".") {
		if seg == "" {
			return fmt.Errorf("routing key %q has an empty segment", key)
		}
		if seg != "*" && seg != "#" && strings.ContainsAny(seg, "*#") {
			return fmt.Errorf("routing key %q mixes a wildcard into segment %q", key, seg)
		}
	}
	return nil
}

// MatchKey reports whether key matches pattern with topic exchange
// semantics: "*" matches exactly one segment, "#" zero or more.
func MatchKey(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	if pattern[0] == "#" {
		for i := 0; i <= len(key); i++ {
			if matchSegments(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	}
	if len(key) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != key[0] {
		return false
	}
	return matchSegments(pattern[1:], key[1:])
}
