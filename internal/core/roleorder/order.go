// Package roleorder holds the static table of which role commands must
// complete before others may start.
package roleorder

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/clusterd/backend/internal/domain"
	"gopkg.in/yaml.v3"
)

// GeneralSection is always applied.
const GeneralSection = "general_deps"

var (
	ErrUnknownSection = errors.New("roleorder: unknown section")
	ErrInvalidTable   = errors.New("roleorder: invalid table")
)

//go:embed default_order.yaml
var defaultTable []byte

// Order is immutable after construction and safe for concurrent use.
type Order struct {
	blockedBy map[domain.RoleCommandPair][]domain.RoleCommandPair
	blocks    map[domain.RoleCommandPair][]domain.RoleCommandPair
	sections  []string
}

// New builds an order from a blocked-by map. Used by Load and by tests.
func New(blockedBy map[domain.RoleCommandPair][]domain.RoleCommandPair) (*Order, error) {
	o := &Order{
		blockedBy: make(map[domain.RoleCommandPair][]domain.RoleCommandPair),
		blocks:    make(map[domain.RoleCommandPair][]domain.RoleCommandPair),
	}
	for pair, deps := range blockedBy {
		for _, dep := range deps {
			if err := o.add(pair, dep); err != nil {
				return nil, err
			}
		}
	}
	o.sortAll()
	return o, nil
}

// Default loads the embedded table.
func Default(sections ...string) (*Order, error) {
	return Load(strings.NewReader(string(defaultTable)), sections...)
}

func LoadFile(path string, sections ...string) (*Order, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("roleorder: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f, sections...)
}

// Load parses a YAML (or JSON) table of sections. The general section is
// always merged; the named optional sections are merged on top of it.
func Load(r io.Reader, sections ...string) (*Order, error) {
	var raw map[string]map[string]interface{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	if _, ok := raw[GeneralSection]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidTable, GeneralSection)
	}

	apply := []string{GeneralSection}
	for _, s := range sections {
		if s == GeneralSection {
			continue
		}
		if _, ok := raw[s]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSection, s)
		}
		apply = append(apply, s)
	}

	o := &Order{
		blockedBy: make(map[domain.RoleCommandPair][]domain.RoleCommandPair),
		blocks:    make(map[domain.RoleCommandPair][]domain.RoleCommandPair),
		sections:  apply,
	}
	for _, section := range apply {
		for key, value := range raw[section] {
			if strings.HasPrefix(key, "_") {
				continue
			}
			pair, err := domain.ParseRoleCommandPair(key)
			if err != nil {
				return nil, fmt.Errorf("%w: section %s: %v", ErrInvalidTable, section, err)
			}
			deps, ok := value.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: section %s: %s must be a list", ErrInvalidTable, section, key)
			}
			for _, d := range deps {
				s, ok := d.(string)
				if !ok {
					return nil, fmt.Errorf("%w: section %s: %s has a non-string entry", ErrInvalidTable, section, key)
				}
				dep, err := domain.ParseRoleCommandPair(s)
				if err != nil {
					return nil, fmt.Errorf("%w: section %s: %v", ErrInvalidTable, section, err)
				}
				if err := o.add(pair, dep); err != nil {
					return nil, err
				}
			}
		}
	}
	o.sortAll()
	return o, nil
}

func (o *Order) add(pair, dep domain.RoleCommandPair) error {
	if pair == dep {
		return fmt.Errorf("%w: %s depends on itself", ErrInvalidTable, pair)
	}
	for _, existing := range o.blockedBy[pair] {
		if existing == dep {
			return nil
		}
	}
	o.blockedBy[pair] = append(o.blockedBy[pair], dep)
	o.blocks[dep] = append(o.blocks[dep], pair)
	return nil
}

func (o *Order) sortAll() {
	for _, m := range []map[domain.RoleCommandPair][]domain.RoleCommandPair{o.blockedBy, o.blocks} {
		for _, list := range m {
			sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })
		}
	}
}

// Dependencies returns the pairs that must complete before p (mustPrecede)
// and the pairs that may not start until p completes (mustFollow). Pairs the
// table does not mention are unconstrained and yield two empty slices.
func (o *Order) Dependencies(p domain.RoleCommandPair) (mustPrecede, mustFollow []domain.RoleCommandPair) {
	return append([]domain.RoleCommandPair(nil), o.blockedBy[p]...),
		append([]domain.RoleCommandPair(nil), o.blocks[p]...)
}

// Compare returns -1 when a must directly precede b, 1 when b must precede
// a and 0 when the table declares no direct edge between them.
func (o *Order) Compare(a, b domain.RoleCommandPair) int {
	for _, dep := range o.blockedBy[b] {
		if dep == a {
			return -1
		}
	}
	for _, dep := range o.blockedBy[a] {
		if dep == b {
			return 1
		}
	}
	return 0
}

// Sections lists the sections merged into this order.
func (o *Order) Sections() []string {
	return append([]string(nil), o.sections...)
}

// Len is the number of pairs with at least one declared predecessor.
func (o *Order) Len() int {
	return len(o.blockedBy)
}
