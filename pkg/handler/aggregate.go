package handler

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/doublegate/Only1MCP-sub003/pkg/jsonrpc"
)

// aggregatePartial is one backend's contribution to an aggregation-eligible
// request (spec §4.8 step 3).
type aggregatePartial struct {
	backendID string
	resp      *jsonrpc.Response
	err       error
}

// mergeAggregateResults concatenates each backend's element array in
// backend-id lexicographic order, deduplicating by element identity
// ("name" for tools/prompts, "uri" for resources), keeping the first
// occurrence (spec §4.8 step 3c). errs carries one message per backend
// that failed, keyed by BackendId, for the "_errors" side-channel.
func mergeAggregateResults(method string, order []string, results []aggregatePartial) (field string, merged []json.RawMessage, errs map[string]string, successes int) {
	errs = make(map[string]string)
	idField := identityField(method)
	seen := make(map[string]bool)

	byID := make(map[string]aggregatePartial, len(results))
	for _, r := range results {
		byID[r.backendID] = r
	}

	for _, id := range order {
		r, ok := byID[id]
		if !ok {
			continue
		}
		if r.err != nil {
			errs[id] = r.err.Error()
			continue
		}
		if r.resp == nil || r.resp.Error != nil {
			if r.resp != nil && r.resp.Error != nil {
				errs[id] = r.resp.Error.Message
			}
			continue
		}
		successes++
		elemField, elements, err := extractElements(r.resp.Result)
		if err != nil {
			errs[id] = err.Error()
			continue
		}
		if field == "" {
			field = elemField
		}
		for _, el := range elements {
			key := identityOf(el, idField)
			if key != "" {
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			merged = append(merged, el)
		}
	}
	return field, merged, errs, successes
}

// identityField returns the JSON field aggregation dedup keys on for
// method's element type (spec §4.8 step 3c).
func identityField(method string) string {
	switch {
	case strings.HasPrefix(method, "resources/"):
		return "uri"
	default:
		return "name"
	}
}

// extractElements pulls the element array and its field name out of a
// list-style result envelope (e.g. {"tools": [...]}). Only1MCP does not
// interpret result schemas beyond locating that one array field every
// tools/list, resources/list, prompts/list response carries (spec §1
// non-goal: opaque params/results) — so this looks for the first
// array-valued field in the top-level object, in stable key order.
func extractElements(raw json.RawMessage) (field string, elements []json.RawMessage, err error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", nil, err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var arr []json.RawMessage
		if err := json.Unmarshal(obj[k], &arr); err == nil {
			return k, arr, nil
		}
	}
	return "", nil, nil
}

func identityOf(el json.RawMessage, field string) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(el, &obj); err != nil {
		return ""
	}
	v, ok := obj[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// encodeAggregate builds the merged list-style result envelope under
// field (the element array's original key, e.g. "tools"), adding an
// "_errors" side-channel only when at least one backend errored (spec
// §4.8 step 3c).
func encodeAggregate(field string, elements []json.RawMessage, errs map[string]string) (json.RawMessage, error) {
	if field == "" {
		field = "items"
	}
	out := map[string]any{field: elements}
	if len(errs) > 0 {
		sorted := make([]string, 0, len(errs))
		for k := range errs {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		errList := make([]map[string]string, 0, len(sorted))
		for _, id := range sorted {
			errList = append(errList, map[string]string{"backend_id": id, "message": errs[id]})
		}
		out["_errors"] = errList
	}
	return json.Marshal(out)
}
