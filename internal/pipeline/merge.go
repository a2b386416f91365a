package pipeline

import "maps"

// MergeParams returns a new map holding current with overrides applied on top.
// Keys absent from overrides keep their current value. Neither input is modified.
func MergeParams(current, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(overrides))
	maps.Copy(merged, current)
	maps.Copy(merged, overrides)
	return merged
}
