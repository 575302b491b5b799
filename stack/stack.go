package stack

import (
	"fmt"
	"sort"
)

// Stack is an ordered set of resource declarations with unique logical names.
type Stack struct {
	resources []Resource
	byName    map[string]Resource
}

// New returns an empty stack.
func New() *Stack {
	return &Stack{byName: make(map[string]Resource)}
}

// Add appends a declaration. Duplicate logical names are rejected so that
// state records stay unambiguous.
func (s *Stack) Add(r Resource) error {
	name := r.LogicalName()
	if name == "" {
		return fmt.Errorf("resource of kind %s has no logical name", r.Kind())
	}
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("duplicate resource name %q", name)
	}
	s.byName[name] = r
	s.resources = append(s.resources, r)
	return nil
}

// Resources returns the declarations in insertion order.
func (s *Stack) Resources() []Resource {
	return s.resources
}

// Lookup returns the declaration with the given logical name.
func (s *Stack) Lookup(name string) (Resource, bool) {
	r, ok := s.byName[name]
	return r, ok
}

// Validate checks referential consistency: every reference must resolve to
// a declared resource, and alias, permission, and subscription references
// must point at resources of the kind they are allowed to target.
func (s *Stack) Validate() error {
	for _, r := range s.resources {
		for _, ref := range r.References() {
			target, ok := s.byName[ref]
			if !ok {
				return fmt.Errorf("%s references undeclared resource %q", Address(r), ref)
			}
			if err := checkReferenceKind(r, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkReferenceKind(from, to Resource) error {
	expect := func(want Kind) error {
		if to.Kind() != want {
			return fmt.Errorf("%s references %s, want a %s", Address(from), Address(to), want)
		}
		return nil
	}

	switch r := from.(type) {
	case Function:
		return expect(KindRole)
	case Alias:
		return expect(KindFunction)
	case KeyAlias:
		return expect(KindKey)
	case Permission:
		switch to.LogicalName() {
		case r.Function:
			return expect(KindFunction)
		case r.Alias:
			return expect(KindAlias)
		}
		return expect(KindTopic)
	case Subscription:
		if to.LogicalName() == r.Topic {
			return expect(KindTopic)
		}
		return expect(KindAlias)
	}
	return nil
}

// Waves partitions the stack into dependency levels: every resource in wave
// N only references resources in waves before N. Resources within a wave are
// independent and safe to provision concurrently. A reference cycle is an
// error.
func (s *Stack) Waves() ([][]Resource, error) {
	indegree := make(map[string]int, len(s.resources))
	dependents := make(map[string][]string, len(s.resources))

	for _, r := range s.resources {
		indegree[r.LogicalName()] = len(r.References())
		for _, ref := range r.References() {
			dependents[ref] = append(dependents[ref], r.LogicalName())
		}
	}

	var waves [][]Resource
	ready := make([]string, 0, len(s.resources))
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	placed := 0
	for len(ready) > 0 {
		// Stable output: insertion order within a wave.
		sort.Slice(ready, func(i, j int) bool {
			return s.order(ready[i]) < s.order(ready[j])
		})

		wave := make([]Resource, 0, len(ready))
		var next []string
		for _, name := range ready {
			wave = append(wave, s.byName[name])
			placed++
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		waves = append(waves, wave)
		ready = next
	}

	if placed != len(s.resources) {
		return nil, fmt.Errorf("resource references form a cycle")
	}
	return waves, nil
}

func (s *Stack) order(name string) int {
	for i, r := range s.resources {
		if r.LogicalName() == name {
			return i
		}
	}
	return len(s.resources)
}
