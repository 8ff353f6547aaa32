// Package bus connects services over RabbitMQ topic exchanges.
package bus

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed topology/*.yaml
var topologyFS embed.FS

// TopologyVersion is the only topology file version this build understands.
const TopologyVersion = 1

type Exchange struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Durable *bool  `yaml:"durable"`
}

type Queue struct {
	Name     string   `yaml:"name"`
	Exchange string   `yaml:"exchange"`
	Bindings []string `yaml:"bindings"`
	Durable  *bool    `yaml:"durable"`
}

// Topology is the static set of exchanges and bound queues a service declares
// at startup.
type Topology struct {
	Version   int        `yaml:"version"`
	Service   string     `yaml:"service"`
	Publishes string     `yaml:"publishes"`
	Exchanges []Exchange `yaml:"exchanges"`
	Queues    []Queue    `yaml:"queues"`
}

// LoadTopology reads the embedded topology for service ("payment", "ledger").
func LoadTopology(service string) (Topology, error) {
	b, err := topologyFS.ReadFile("topology/" + service + ".yaml")
	if err != nil {
		return Topology{}, fmt.Errorf("topology %q: %w", service, err)
	}
	return ParseTopology(b)
}

func ParseTopology(b []byte) (Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Topology{}, fmt.Errorf("parse topology: %w", err)
	}
	return t, t.Validate()
}

func (t Topology) Validate() error {
	if t.Version != TopologyVersion {
		return fmt.Errorf("topology %s: unsupported version %d", t.Service, t.Version)
	}
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, e := range t.Exchanges {
		if e.Name == "" {
			return fmt.Errorf("topology %s: exchange without name", t.Service)
		}
		exchanges[e.Name] = true
	}
	if t.Publishes != "" && !exchanges[t.Publishes] {
		return fmt.Errorf("topology %s: publish exchange %q not declared", t.Service, t.Publishes)
	}
	for _, q := range t.Queues {
		if !exchanges[q.Exchange] {
			return fmt.Errorf("topology %s: queue %s binds undeclared exchange %q", t.Service, q.Name, q.Exchange)
		}
		if len(q.Bindings) == 0 {
			return fmt.Errorf("topology %s: queue %s has no bindings", t.Service, q.Name)
		}
	}
	return nil
}

// ExchangeFor returns the exchange a routing key is published to: its first
// segment.
func ExchangeFor(routingKey string) string {
	if i := strings.IndexByte(routingKey, '.'); i > 0 {
		return routingKey[:i]
	}
	return routingKey
}

func durable(b *bool) bool { return b == nil || *b }

func (e Exchange) kind() string {
	if e.Kind == "" {
		return "topic"
	}
	return e.Kind
}
