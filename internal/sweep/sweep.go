// Package sweep expands parameter groups into their Cartesian product and
// applies each point to the chip configuration store.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/store"
)

// Point is one combination: Values[i] is the declared value of group i,
// found at Indices[i] in that group's value list.
type Point struct {
	Index   int
	Indices []int
	Values  []any
	Labels  []string
}

// Store is the part of store.Document the expander needs.
type Store interface {
	Get(table, key string) (any, bool)
	Set(table, key string, value any) error
	Delete(table, key string)
	HasTable(table string) bool
	RemoveTableIfEmpty(table string)
	Save() error
}

// Count returns the number of points Points yields.
func Count(groups []model.ParameterGroup) int {
	n := 1
	for _, g := range groups {
		n *= len(g.Values)
	}
	return n
}

// Points yields the Cartesian product of the groups' values with the last
// group varying fastest. No groups yields a single empty point; a group with
// no values yields nothing.
func Points(groups []model.ParameterGroup) iter.Seq[Point] {
	return func(yield func(Point) bool) {
		for _, g := range groups {
			if len(g.Values) == 0 {
				return
			}
		}
		idx := make([]int, len(groups))
		for n := 0; ; n++ {
			p := Point{Index: n, Indices: append([]int(nil), idx...), Values: make([]any, len(groups))}
			for i, g := range groups {
				v := g.Values[idx[i]]
				p.Values[i] = v
				for _, key := range g.Keys {
					p.Labels = append(p.Labels, key+":"+FormatValue(v))
				}
			}
			if !yield(p) {
				return
			}

			i := len(groups) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < len(groups[i].Values) {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				return
			}
		}
	}
}

// FormatValue renders a declared value for labels and CSV cells.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

type slot struct {
	table, key string
}

type original struct {
	value   any
	present bool
}

// Expander applies sweep points to a Store.
type Expander struct {
	Resolver store.ValueResolver
	Log      *logging.Logger
}

func NewExpander(resolver store.ValueResolver, log *logging.Logger) *Expander {
	if resolver == nil {
		resolver = store.Passthrough{}
	}
	return &Expander{Resolver: resolver, Log: log.With("sweep")}
}

// Run writes each point into st, saves it and calls fn. With persist false
// every touched key is put back to its pre-sweep value, or removed if it was
// absent, on every exit path including errors and cancellation. Store
// errors abort the sweep.
func (e *Expander) Run(ctx context.Context, st Store, groups []model.ParameterGroup, persist bool, fn func(context.Context, Point) error) (err error) {
	if len(groups) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ctx, Point{})
	}
	if st == nil {
		return errors.New("sweep: parameter groups require a configuration store")
	}

	resolved, err := e.resolveAll(groups)
	if err != nil {
		return err
	}

	if !persist {
		saved, newTables := snapshot(st, groups)
		defer func() {
			if rerr := restore(st, saved, newTables); rerr != nil {
				e.Log.Errorf("restore failed: %v", rerr)
				err = errors.Join(err, rerr)
			}
		}()
	}

	total := Count(groups)
	for p := range Points(groups) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, g := range groups {
			v := resolved[i][p.Indices[i]]
			for _, key := range g.Keys {
				if err := st.Set(g.Table, key, v); err != nil {
					return fmt.Errorf("apply %s.%s: %w", g.Table, key, err)
				}
			}
		}
		if err := st.Save(); err != nil {
			return fmt.Errorf("save point %d: %w", p.Index, err)
		}
		e.Log.Debugf("point %d/%d labels=%v", p.Index+1, total, p.Labels)
		if err := fn(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Expander) resolveAll(groups []model.ParameterGroup) ([][]any, error) {
	out := make([][]any, len(groups))
	for i, g := range groups {
		out[i] = make([]any, len(g.Values))
		for j, v := range g.Values {
			r, err := e.Resolver.Resolve(v)
			if err != nil {
				return nil, fmt.Errorf("resolve %s value %s: %w", g.ColumnLabel(), FormatValue(v), err)
			}
			out[i][j] = r
		}
	}
	return out, nil
}

func snapshot(st Store, groups []model.ParameterGroup) (map[slot]original, []string) {
	saved := map[slot]original{}
	var newTables []string
	seenTable := map[string]bool{}
	for _, g := range groups {
		if !seenTable[g.Table] {
			seenTable[g.Table] = true
			if !st.HasTable(g.Table) {
				newTables = append(newTables, g.Table)
			}
		}
		for _, key := range g.Keys {
			s := slot{g.Table, key}
			if _, ok := saved[s]; ok {
				continue
			}
			v, present := st.Get(g.Table, key)
			saved[s] = original{value: v, present: present}
		}
	}
	return saved, newTables
}

func restore(st Store, saved map[slot]original, newTables []string) error {
	for s, o := range saved {
		if o.present {
			if err := st.Set(s.table, s.key, o.value); err != nil {
				return fmt.Errorf("restore %s.%s: %w", s.table, s.key, err)
			}
			continue
		}
		st.Delete(s.table, s.key)
	}
	for _, t := range newTables {
		st.RemoveTableIfEmpty(t)
	}
	if err := st.Save(); err != nil {
		return fmt.Errorf("save restored store: %w", err)
	}
	return nil
}
