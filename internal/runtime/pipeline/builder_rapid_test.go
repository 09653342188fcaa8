package pipeline

import (
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

type mwA struct{}
type mwB struct{}
type cfgX struct{ N int }
type cfgY struct{ N int }

var (
	mwPool  = []reflect.Type{reflect.TypeFor[*mwA](), reflect.TypeFor[*mwB]()}
	cfgPool = []func(int) any{nil, func(n int) any { return cfgX{N: n} }, func(n int) any { return cfgY{N: n} }}
)

type builderOp struct {
	kind int // 0 use, 1 without, 2 without configuration, 3 configure
	mw   int
	cfg  int
	n    int
}

// TestBuilderMatchesListModel replays random builder operations against a
// plain slice and checks both agree on the resulting entries.
func TestBuilderMatchesListModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ops := rapid.SliceOf(rapid.Custom(func(t *rapid.T) builderOp {
			return builderOp{
				kind: rapid.IntRange(0, 3).Draw(t, "kind"),
				mw:   rapid.IntRange(0, len(mwPool)-1).Draw(t, "mw"),
				cfg:  rapid.IntRange(0, len(cfgPool)-1).Draw(t, "cfg"),
				n:    rapid.IntRange(0, 100).Draw(t, "n"),
			}
		})).Draw(t, "ops")

		b := NewBuilder(nil)
		var model []Entry
		configureFailed := false

		for _, o := range ops {
			mt := mwPool[o.mw]
			var cfg any
			var ct reflect.Type
			if mk := cfgPool[o.cfg]; mk != nil {
				cfg = mk(o.n)
				ct = reflect.TypeOf(cfg)
			}

			switch o.kind {
			case 0:
				if cfg == nil {
					b.Use(mt)
				} else {
					b.UseWithConfiguration(mt, cfg)
				}
				model = append(model, Entry{MiddlewareType: mt, ConfigurationType: ct, Configuration: cfg})
			case 1:
				b.Without(mt)
				kept := model[:0:0]
				for _, e := range model {
					if e.MiddlewareType != mt {
						kept = append(kept, e)
					}
				}
				model = kept
			case 2:
				b.WithoutConfiguration(mt, ct)
				kept := model[:0:0]
				for _, e := range model {
					if e.MiddlewareType != mt || e.ConfigurationType != ct {
						kept = append(kept, e)
					}
				}
				model = kept
			case 3:
				if cfg == nil {
					continue
				}
				err := b.Configure(mt, cfg)
				found := false
				for i := len(model) - 1; i >= 0; i-- {
					if model[i].MiddlewareType == mt && model[i].ConfigurationType == ct {
						model[i].Configuration = cfg
						found = true
						break
					}
				}
				if found != (err == nil) {
					t.Fatalf("configure(%s, %v): model found=%v, builder err=%v", mt, cfg, found, err)
				}
				if !found {
					configureFailed = true
				}
			}
		}

		got := b.Entries()
		if len(got) != len(model) {
			t.Fatalf("builder has %d entries, model %d", len(got), len(model))
		}
		for i := range model {
			if got[i] != model[i] {
				t.Fatalf("entry %d: builder %+v, model %+v", i, got[i], model[i])
			}
		}
		if configureFailed != (b.Err() != nil) {
			t.Fatalf("sticky error mismatch: model failed=%v, builder err=%v", configureFailed, b.Err())
		}
	})
}
