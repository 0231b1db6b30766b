package db

import (
	"fmt"
	"reflect"
	"strings"
)

// Filter and ordering evaluation for MemoryStore, mirroring the subset of
// Firestore query semantics the application uses.

func matchesFilters(data map[string]interface{}, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matchesFilter(data, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchesFilter(data map[string]interface{}, f Filter) (bool, error) {
	value, present := fieldValue(data, f.Field)

	switch f.Op {
	case "==":
		return present && compareEqual(value, f.Value), nil
	case "!=":
		return present && !compareEqual(value, f.Value), nil
	case "<", "<=", ">", ">=":
		if !present {
			return false, nil
		}
		cmp, ok := compareOrder(value, f.Value)
		if !ok {
			return false, nil
		}
		switch f.Op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "array-contains":
		list, ok := value.([]interface{})
		if !ok {
			return false, nil
		}
		for _, e := range list {
			if compareEqual(e, f.Value) {
				return true, nil
			}
		}
		return false, nil
	case "in":
		candidates, ok := f.Value.([]interface{})
		if !ok {
			return false, fmt.Errorf("filter %q: 'in' requires a slice value", f.Field)
		}
		for _, c := range candidates {
			if present && compareEqual(value, c) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("filter %q: unsupported operator %q", f.Field, f.Op)
	}
}

// fieldValue resolves a possibly dotted field path.
func fieldValue(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, p := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareEqual(a, b interface{}) bool {
	if cmp, ok := compareOrder(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareOrder returns -1/0/1 for comparable scalar pairs. Numbers compare
// across int/int64/float64 the way JSON decoding produces them.
func compareOrder(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	switch at := a.(type) {
	case string:
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(at, bs), true
	case bool:
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case at == bb:
			return 0, true
		case !at:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// orderLess implements ascending order for the sort, falling back to the
// document ID both as the default order and as the tiebreaker, matching the
// Firestore __name__ default.
func orderLess(a, b *Document, orderBy string) bool {
	if orderBy != "" {
		av, aok := fieldValue(a.Data, orderBy)
		bv, bok := fieldValue(b.Data, orderBy)
		switch {
		case aok && !bok:
			return false // missing fields sort first, like Firestore
		case !aok && bok:
			return true
		case aok && bok:
			if cmp, ok := compareOrder(av, bv); ok && cmp != 0 {
				return cmp < 0
			}
		}
	}
	return a.ID < b.ID
}

// resultOrderLess reports whether a precedes b in the query's result order,
// taking Descending into account.
func resultOrderLess(a, b *Document, opts QueryOptions) bool {
	if opts.Descending {
		a, b = b, a
	}
	return orderLess(a, b, opts.OrderBy)
}

func indexOfDoc(docs []*Document, id string) int {
	for i, d := range docs {
		if d.ID == id {
			return i
		}
	}
	return -1
}
