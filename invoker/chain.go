package invoker

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TimingSink is the function name that terminates a chain with a timestamp
// instead of a guest call.
const TimingSink = "time"

// ErrMissingChainEntry is returned when a registered topic has no chain entry.
var ErrMissingChainEntry = errors.New("missing chain entry")

// Step is the work bound to an input topic: the guest function to run and the
// topic its output is published to. An empty Next ends the chain.
type Step struct {
	Function string `yaml:"function"`
	Next     string `yaml:"next,omitempty"`
}

// IsTimingSink reports whether the step records a timestamp instead of
// running a guest function.
func (s Step) IsTimingSink() bool {
	return strings.EqualFold(s.Function, TimingSink)
}

// ChainMap maps input topics to steps. It is fixed at process start.
type ChainMap map[string]Step

// DefaultChainMap returns the VPN pipeline
// vpn -> comp -> enc -> encrypt -> dec -> decrypt -> dcp -> decomp -> out -> time.
func DefaultChainMap() ChainMap {
	return ChainMap{
		"vpn": {Function: "comp", Next: "enc"},
		"enc": {Function: "encrypt", Next: "dec"},
		"dec": {Function: "decrypt", Next: "dcp"},
		"dcp": {Function: "decomp", Next: "out"},
		"out": {Function: "time"},
	}
}

type chainFile struct {
	Chain ChainMap `yaml:"chain"`
}

// LoadChainMap reads a YAML chain file of the form
//
//	chain:
//	  vpn: {function: comp, next: enc}
//	  out: {function: time}
func LoadChainMap(path string) (ChainMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}

	var f chainFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse chain file %s: %w", path, err)
	}
	if len(f.Chain) == 0 {
		return nil, fmt.Errorf("chain file %s has no entries", path)
	}
	if err := f.Chain.Validate(); err != nil {
		return nil, fmt.Errorf("chain file %s: %w", path, err)
	}
	return f.Chain, nil
}

// Validate checks that every entry names a function.
func (c ChainMap) Validate() error {
	for topic, step := range c {
		if topic == "" {
			return errors.New("empty topic in chain")
		}
		if step.Function == "" {
			return fmt.Errorf("topic %q: function is required", topic)
		}
	}
	return nil
}

// Covers returns ErrMissingChainEntry naming every topic without an entry.
func (c ChainMap) Covers(topics []string) error {
	var missing []string
	for _, t := range topics {
		if _, ok := c[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrMissingChainEntry, strings.Join(missing, ", "))
}

// Topics returns the input topics, sorted.
func (c ChainMap) Topics() []string {
	out := make([]string, 0, len(c))
	for t := range c {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
