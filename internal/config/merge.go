// SPDX-License-Identifier: MPL-2.0

package config

// DeepMerge returns base overlaid with update. Maps present on both sides
// merge recursively; any other value in update, lists included, replaces the
// base value wholesale. Neither argument is modified, and merging the same
// update twice yields the same result as merging it once.
func DeepMerge(base, update map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = deepCopy(v)
	}
	for k, v := range update {
		if um, ok := asMap(v); ok {
			if bm, ok := asMap(out[k]); ok {
				out[k] = DeepMerge(bm, um)
				continue
			}
		}
		out[k] = deepCopy(v)
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		// Some decoders produce interface-keyed maps.
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func deepCopy(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = deepCopy(val)
		}
		return out
	}
	if l, ok := v.([]any); ok {
		out := make([]any, len(l))
		for i, val := range l {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}
