package orchestrator

import (
	"reflect"

	"github.com/go-logr/logr"

	"github.com/based/iacgen/pkg/iac"
)

// Deduplicate keeps one request per ResourceKey in first-seen order. Later
// duplicates are folded into the survivor: lists are unioned in order, maps
// gain only keys they do not have yet, and the lowest priority wins. Requests
// with an invalid key are kept as they are. The input is not modified.
func Deduplicate(requests []iac.GenerationRequest, log logr.Logger) []iac.GenerationRequest {
	out := make([]iac.GenerationRequest, 0, len(requests))
	index := make(map[iac.ResourceKey]int, len(requests))
	merged := 0

	for i, req := range requests {
		if !req.Key.Valid() {
			log.Info("Keeping request with invalid resource key unmerged", "index", i, "key", req.Key.String())
			out = append(out, copyRequest(req))
			continue
		}
		at, seen := index[req.Key]
		if !seen {
			index[req.Key] = len(out)
			out = append(out, copyRequest(req))
			continue
		}

		survivor := &out[at]
		survivor.Context = mergeContext(survivor.Context, req.Context)
		if req.Priority < survivor.Priority {
			survivor.Priority = req.Priority
		}
		merged++
		log.V(1).Info("Merged duplicate request", "key", req.Key.String(), "index", i)
	}

	RecordDeduplication(len(requests), merged)
	if merged > 0 {
		log.Info("Deduplicated generation requests", "requests", len(requests), "survivors", len(out), "merged", merged)
	}
	return out
}

func copyRequest(req iac.GenerationRequest) iac.GenerationRequest {
	req.Context = copyMap(req.Context)
	return req
}

// mergeContext folds extra into base, which is owned by the caller.
func mergeContext(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		cur, ok := base[k]
		if !ok {
			base[k] = copyValue(v)
			continue
		}
		switch c := cur.(type) {
		case []any:
			if l, ok := toList(v); ok {
				base[k] = unionList(c, l)
			}
		case []string:
			if l, ok := toList(v); ok {
				base[k] = unionList(toAnyList(c), l)
			}
		case map[string]any:
			if m, ok := v.(map[string]any); ok {
				base[k] = mergeContext(c, m)
			}
		}
	}
	return base
}

// unionList keeps first-seen order and drops repeats from both lists.
func unionList(base, extra []any) []any {
	out := make([]any, 0, len(base)+len(extra))
	for _, list := range [][]any{base, extra} {
		for _, v := range list {
			if !containsValue(out, v) {
				out = append(out, copyValue(v))
			}
		}
	}
	return out
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if reflect.DeepEqual(item, v) {
			return true
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		return toAnyList(l), true
	}
	return nil, false
}

func toAnyList(l []string) []any {
	out := make([]any, len(l))
	for i, s := range l {
		out[i] = s
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
