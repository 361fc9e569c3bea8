package conflict

import (
	"sort"

	"famsync/internal/model"
)

// MergeFields combines two field maps against an optional common base.
// Values are compared whole, so nested maps and lists merge as single values.
// The returned names are the fields that cannot be merged, sorted.
func MergeFields(base map[string]interface{}, hasBase bool, local, remote map[string]interface{}) (map[string]interface{}, []string) {
	keys := make(map[string]struct{}, len(local)+len(remote)+len(base))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	for k := range base {
		keys[k] = struct{}{}
	}

	merged := make(map[string]interface{}, len(keys))
	var ambiguous []string

	for k := range keys {
		lv, lok := local[k]
		rv, rok := remote[k]

		if same(lv, lok, rv, rok) {
			if lok {
				merged[k] = lv
			}
			continue
		}

		if hasBase {
			bv, bok := base[k]
			localChanged := !same(lv, lok, bv, bok)
			remoteChanged := !same(rv, rok, bv, bok)
			switch {
			case localChanged && !remoteChanged:
				if lok {
					merged[k] = lv
				}
			case remoteChanged && !localChanged:
				if rok {
					merged[k] = rv
				}
			default:
				ambiguous = append(ambiguous, k)
			}
			continue
		}

		switch {
		case lok && !rok:
			merged[k] = lv
		case rok && !lok:
			merged[k] = rv
		default:
			ambiguous = append(ambiguous, k)
		}
	}

	sort.Strings(ambiguous)
	return merged, ambiguous
}

func same(a interface{}, aok bool, b interface{}, bok bool) bool {
	if aok != bok {
		return false
	}
	return !aok || model.ValuesEqual(a, b)
}
