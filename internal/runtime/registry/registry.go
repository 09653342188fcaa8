// Package registry maps request/item type pairs to the registration that
// answers them.
package registry

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/drblury/protostream/internal/runtime/contract"
	errspkg "github.com/drblury/protostream/internal/runtime/errors"
)

// Pair identifies a streaming contract.
type Pair struct {
	Request reflect.Type
	Item    reflect.Type
}

func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s", p.Request, p.Item)
}

// Entry is one registration.
type Entry struct {
	RequestType        reflect.Type
	ItemType           reflect.Type
	ImplementationType reflect.Type
	Key                any
	Keyed              bool

	// Kind names how the implementation is provided, for introspection.
	Kind string
	// Payload is owned by the caller; the table stores it untouched. It must
	// be comparable when idempotent re-registration is expected.
	Payload any
}

// Pair returns the entry's request/item pair.
func (e Entry) Pair() Pair { return Pair{Request: e.RequestType, Item: e.ItemType} }

func (e Entry) String() string {
	if e.Keyed {
		return fmt.Sprintf("%s [%v] => %s", e.Pair(), e.Key, e.ImplementationType)
	}
	return fmt.Sprintf("%s => %s", e.Pair(), e.ImplementationType)
}

type entryKey struct {
	pair  Pair
	key   any
	keyed bool
}

func (e Entry) key() entryKey {
	return entryKey{pair: e.Pair(), key: e.Key, keyed: e.Keyed}
}

func (e Entry) sameAs(other Entry) bool {
	if e.ImplementationType != other.ImplementationType || e.Kind != other.Kind {
		return false
	}
	if e.Payload == nil || other.Payload == nil {
		return e.Payload == nil && other.Payload == nil
	}
	pt := reflect.TypeOf(e.Payload)
	return pt == reflect.TypeOf(other.Payload) && pt.Comparable() && e.Payload == other.Payload
}

// Table is the registration table of one service. It is written during setup
// and read concurrently afterwards.
type Table struct {
	mu         sync.RWMutex
	entries    []Entry
	index      map[entryKey]int
	interfaces map[reflect.Type]entryKey
	frozen     bool
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		index:      make(map[entryKey]int),
		interfaces: make(map[reflect.Type]entryKey),
	}
}

func validate(e Entry) error {
	switch {
	case e.RequestType == nil:
		return errspkg.InvalidArgument("registration has no request type")
	case e.ItemType == nil:
		return errspkg.InvalidArgument("registration for %s has no item type", e.RequestType)
	case e.ImplementationType == nil:
		return errspkg.InvalidArgument("registration for %s has no implementation type", e.Pair())
	case e.Keyed && (e.Key == nil || !reflect.TypeOf(e.Key).Comparable()):
		return errspkg.InvalidArgument("registration key %v (%T) is not comparable", e.Key, e.Key)
	}
	return nil
}

// Register records e. A second registration for the same pair and key
// replaces the first in place; re-registering an identical entry is a no-op.
func (t *Table) Register(e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	if !e.Keyed {
		e.Key = nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(e)
}

func (t *Table) registerLocked(e Entry) error {
	if t.frozen {
		return errspkg.InvalidOperation("cannot register %s after the service was built", e.Pair())
	}
	k := e.key()
	if i, ok := t.index[k]; ok {
		if !t.entries[i].sameAs(e) {
			t.entries[i] = e
		}
		return nil
	}
	t.index[k] = len(t.entries)
	t.entries = append(t.entries, e)
	return nil
}

// RegisterInterface records e and makes it resolvable by each interface in
// ifaces. The interfaces must be handler interfaces for the entry's pair.
func (t *Table) RegisterInterface(e Entry, ifaces ...reflect.Type) error {
	if err := validate(e); err != nil {
		return err
	}
	if _, err := contract.Check(contract.InspectImplementation(e.ImplementationType, ifaces...)); err != nil {
		return err
	}
	for _, iface := range ifaces {
		accepted, err := contract.Check(contract.InspectHandlerInterface(iface))
		if err != nil {
			return err
		}
		if accepted.RequestType != e.RequestType || accepted.ItemType != e.ItemType {
			return errspkg.InvalidArgument("interface %s handles %s -> %s, registration handles %s",
				iface, accepted.RequestType, accepted.ItemType, e.Pair())
		}
	}
	if !e.Keyed {
		e.Key = nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.registerLocked(e); err != nil {
		return err
	}
	for _, iface := range ifaces {
		t.interfaces[iface] = e.key()
	}
	return nil
}

// Resolve returns the unkeyed entry for pair.
func (t *Table) Resolve(req, item reflect.Type) (Entry, error) {
	return t.lookup(entryKey{pair: Pair{Request: req, Item: item}})
}

// ResolveKeyed returns the entry registered for pair under key.
func (t *Table) ResolveKeyed(req, item reflect.Type, key any) (Entry, error) {
	if key == nil || !reflect.TypeOf(key).Comparable() {
		return Entry{}, errspkg.InvalidArgument("registration key %v (%T) is not comparable", key, key)
	}
	return t.lookup(entryKey{pair: Pair{Request: req, Item: item}, key: key, keyed: true})
}

func (t *Table) lookup(k entryKey) (Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[k]
	if !ok {
		if k.keyed {
			return Entry{}, errspkg.NotFound("no handler registered for %s with key %v", k.pair, k.key)
		}
		return Entry{}, errspkg.NotFound("no handler registered for %s", k.pair)
	}
	return t.entries[i], nil
}

// ResolveInterface returns the current entry behind iface. A later
// registration for the same pair replaces what the interface resolves to.
func (t *Table) ResolveInterface(iface reflect.Type) (Entry, error) {
	t.mu.RLock()
	k, ok := t.interfaces[iface]
	t.mu.RUnlock()
	if !ok {
		return Entry{}, errspkg.NotFound("no handler registered for interface %s", iface)
	}
	return t.lookup(k)
}

// List returns a snapshot of all entries in registration order.
func (t *Table) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Freeze ends the registration phase.
func (t *Table) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
}

// Frozen reports whether Freeze was called.
func (t *Table) Frozen() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frozen
}
