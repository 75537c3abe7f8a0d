// Copyright 2025 James Ross
package stages

// MergeArtifact deep-merges override into base: dict-dict merges
// recursively; list-list merges by matching elements that share at
// least two equal key/value pairs (recursing into the match) and
// appending the rest; anything else is replaced by override.
func MergeArtifact(base, override any) any {
	if baseMap, ok := base.(map[string]any); ok {
		if overrideMap, ok := override.(map[string]any); ok {
			merged := make(map[string]any, len(baseMap))
			for k, v := range baseMap {
				merged[k] = v
			}
			for k, ov := range overrideMap {
				if bv, exists := merged[k]; exists {
					merged[k] = MergeArtifact(bv, ov)
				} else {
					merged[k] = ov
				}
			}
			return merged
		}
		return override
	}

	if baseList, ok := base.([]any); ok {
		if overrideList, ok := override.([]any); ok {
			merged := append([]any(nil), baseList...)
			for _, o := range overrideList {
				oMap, isMap := o.(map[string]any)
				if !isMap {
					merged = append(merged, o)
					continue
				}
				matchIdx := -1
				for i, b := range merged {
					bMap, ok := b.(map[string]any)
					if !ok {
						continue
					}
					if dictSimilarity(bMap, oMap) >= 2 {
						matchIdx = i
						break
					}
				}
				if matchIdx >= 0 {
					merged[matchIdx] = MergeArtifact(merged[matchIdx], o)
				} else {
					merged = append(merged, o)
				}
			}
			return merged
		}
		return override
	}

	return override
}

func dictSimilarity(a, b map[string]any) int {
	count := 0
	for k, av := range a {
		if bv, ok := b[k]; ok && scalarEqual(av, bv) {
			count++
		}
	}
	return count
}

func scalarEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}
