package registry

import (
	"context"
	"iter"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	errspkg "github.com/drblury/protostream/internal/runtime/errors"
)

type pingRequest struct{}

type pingHandler struct{}

func (pingHandler) ExecuteRequest(ctx context.Context, req pingRequest) iter.Seq2[string, error] {
	return nil
}

type otherPingHandler struct{}

func (otherPingHandler) ExecuteRequest(ctx context.Context, req pingRequest) iter.Seq2[string, error] {
	return nil
}

type Pinger interface {
	ExecuteRequest(ctx context.Context, req pingRequest) iter.Seq2[string, error]
}

type Counter interface {
	ExecuteRequest(ctx context.Context, req int) iter.Seq2[int, error]
}

var (
	reqType  = reflect.TypeFor[pingRequest]()
	itemType = reflect.TypeFor[string]()
)

func entryFor(impl reflect.Type) Entry {
	return Entry{RequestType: reqType, ItemType: itemType, ImplementationType: impl, Kind: "type"}
}

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()

	table := NewTable()
	require.NoError(t, table.Register(entryFor(reflect.TypeFor[pingHandler]())))

	got, err := table.Resolve(reqType, itemType)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[pingHandler](), got.ImplementationType)
	assert.Equal(t, "registry.pingRequest -> string => registry.pingHandler", got.String())

	_, err = table.Resolve(reqType, reflect.TypeFor[int]())
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
}

func TestOverwriteKeepsPosition(t *testing.T) {
	t.Parallel()

	table := NewTable()
	require.NoError(t, table.Register(entryFor(reflect.TypeFor[pingHandler]())))
	require.NoError(t, table.Register(Entry{
		RequestType:        reflect.TypeFor[int](),
		ItemType:           reflect.TypeFor[int](),
		ImplementationType: reflect.TypeFor[int](),
	}))
	require.NoError(t, table.Register(entryFor(reflect.TypeFor[otherPingHandler]())))

	list := table.List()
	require.Len(t, list, 2)
	assert.Equal(t, reflect.TypeFor[otherPingHandler](), list[0].ImplementationType)
	assert.Equal(t, 2, table.Len())
}

func TestIdenticalRegistrationIsNoop(t *testing.T) {
	t.Parallel()

	table := NewTable()
	payload := &struct{ n int }{1}
	e := entryFor(reflect.TypeFor[pingHandler]())
	e.Payload = payload
	require.NoError(t, table.Register(e))
	require.NoError(t, table.Register(e))

	assert.Equal(t, 1, table.Len())
	got, err := table.Resolve(reqType, itemType)
	require.NoError(t, err)
	assert.Same(t, payload, got.Payload)
}

func TestKeyedEntriesAreIndependent(t *testing.T) {
	t.Parallel()

	table := NewTable()
	unkeyed := entryFor(reflect.TypeFor[pingHandler]())
	keyedA := entryFor(reflect.TypeFor[otherPingHandler]())
	keyedA.Key, keyedA.Keyed = "a", true
	keyedB := entryFor(reflect.TypeFor[pingHandler]())
	keyedB.Key, keyedB.Keyed = "b", true

	require.NoError(t, table.Register(keyedA))
	require.NoError(t, table.Register(unkeyed))
	require.NoError(t, table.Register(keyedB))
	assert.Equal(t, 3, table.Len())

	got, err := table.ResolveKeyed(reqType, itemType, "a")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[otherPingHandler](), got.ImplementationType)

	got, err = table.Resolve(reqType, itemType)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[pingHandler](), got.ImplementationType)

	_, err = table.ResolveKeyed(reqType, itemType, "c")
	assert.ErrorIs(t, err, errspkg.ErrNotFound)

	_, err = table.ResolveKeyed(reqType, itemType, []string{"x"})
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	table := NewTable()
	for name, e := range map[string]Entry{
		"no request":    {ItemType: itemType, ImplementationType: itemType},
		"no item":       {RequestType: reqType, ImplementationType: itemType},
		"no impl":       {RequestType: reqType, ItemType: itemType},
		"uncomparable":  {RequestType: reqType, ItemType: itemType, ImplementationType: itemType, Keyed: true, Key: map[string]int{}},
		"nil keyed key": {RequestType: reqType, ItemType: itemType, ImplementationType: itemType, Keyed: true},
	} {
		assert.ErrorIs(t, table.Register(e), errspkg.ErrInvalidArgument, name)
	}
}

func TestFreeze(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.Freeze()
	assert.True(t, table.Frozen())

	err := table.Register(entryFor(reflect.TypeFor[pingHandler]()))
	assert.ErrorIs(t, err, errspkg.ErrInvalidOperation)
	err = table.RegisterInterface(entryFor(reflect.TypeFor[pingHandler]()), reflect.TypeFor[Pinger]())
	assert.ErrorIs(t, err, errspkg.ErrInvalidOperation)
}

func TestRegisterInterface(t *testing.T) {
	t.Parallel()

	table := NewTable()
	pinger := reflect.TypeFor[Pinger]()
	require.NoError(t, table.RegisterInterface(entryFor(reflect.TypeFor[pingHandler]()), pinger))

	got, err := table.ResolveInterface(pinger)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[pingHandler](), got.ImplementationType)

	require.NoError(t, table.Register(entryFor(reflect.TypeFor[otherPingHandler]())))
	got, err = table.ResolveInterface(pinger)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeFor[otherPingHandler](), got.ImplementationType, "last write wins")

	_, err = table.ResolveInterface(reflect.TypeFor[Counter]())
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
}

func TestRegisterInterfaceRejects(t *testing.T) {
	t.Parallel()

	table := NewTable()
	e := entryFor(reflect.TypeFor[pingHandler]())

	err := table.RegisterInterface(e, reflect.TypeFor[Pinger](), reflect.TypeFor[Counter]())
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "ambiguous")

	err = table.RegisterInterface(e, reflect.TypeFor[pingHandler]())
	require.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "can only create client for handler interfaces")

	mismatched := e
	mismatched.ItemType = reflect.TypeFor[int]()
	err = table.RegisterInterface(mismatched, reflect.TypeFor[Pinger]())
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)

	assert.Zero(t, table.Len())
}

var pool = []reflect.Type{
	reflect.TypeFor[int](),
	reflect.TypeFor[string](),
	reflect.TypeFor[bool](),
}

type op struct {
	req, item, impl int
	key             int
}

// TestTableMatchesLastWriteWinsModel checks the table against a map model
// under random registration sequences.
func TestTableMatchesLastWriteWinsModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ops := rapid.SliceOf(rapid.Custom(func(t *rapid.T) op {
			return op{
				req:  rapid.IntRange(0, len(pool)-1).Draw(t, "req"),
				item: rapid.IntRange(0, len(pool)-1).Draw(t, "item"),
				impl: rapid.IntRange(0, len(pool)-1).Draw(t, "impl"),
				key:  rapid.IntRange(-1, 2).Draw(t, "key"),
			}
		})).Draw(t, "ops")

		table := NewTable()
		model := map[entryKey]reflect.Type{}
		var order []entryKey

		for _, o := range ops {
			e := Entry{RequestType: pool[o.req], ItemType: pool[o.item], ImplementationType: pool[o.impl]}
			if o.key >= 0 {
				e.Key, e.Keyed = o.key, true
			}
			if err := table.Register(e); err != nil {
				t.Fatalf("register: %v", err)
			}
			k := e.key()
			if _, seen := model[k]; !seen {
				order = append(order, k)
			}
			model[k] = e.ImplementationType
		}

		list := table.List()
		if len(list) != len(order) {
			t.Fatalf("table has %d entries, model has %d", len(list), len(order))
		}
		for i, k := range order {
			if list[i].key() != k {
				t.Fatalf("entry %d is %v, want %v", i, list[i].key(), k)
			}
			var (
				got Entry
				err error
			)
			if k.keyed {
				got, err = table.ResolveKeyed(k.pair.Request, k.pair.Item, k.key)
			} else {
				got, err = table.Resolve(k.pair.Request, k.pair.Item)
			}
			if err != nil {
				t.Fatalf("resolve %v: %v", k, err)
			}
			if got.ImplementationType != model[k] {
				t.Fatalf("resolve %v = %s, want %s", k, got.ImplementationType, model[k])
			}
		}
	})
}
