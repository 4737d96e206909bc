package rules

import (
	"fmt"
	"strings"
)

// FieldKind classifies the runtime type of a payload field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
	KindMap    FieldKind = "map"
)

// RequiredFields builds a rule that checks presence of payload keys.
// Keys support nested dotted paths.
func RequiredFields(id string, priority int, fields ...string) Rule {
	return Rule{
		ID:       id,
		Name:     "payload required fields",
		Priority: priority,
		Check: func(d Decision) []string {
			var errs []string
			for _, f := range fields {
				if _, ok := lookupPath(d.Payload, f); !ok {
					errs = append(errs, fmt.Sprintf("missing required field %q", f))
				}
			}
			return errs
		},
	}
}

// FieldTypes builds a rule that checks runtime type classification of named
// payload fields. Absent fields pass; combine with RequiredFields to demand
// presence.
func FieldTypes(id string, priority int, want map[string]FieldKind) Rule {
	return Rule{
		ID:       id,
		Name:     "payload field types",
		Priority: priority,
		Check: func(d Decision) []string {
			var errs []string
			for path, kind := range want {
				v, ok := lookupPath(d.Payload, path)
				if !ok {
					continue
				}
				if got := classify(v); got != kind {
					errs = append(errs, fmt.Sprintf("field %q must be %s, got %s", path, kind, got))
				}
			}
			return errs
		},
	}
}

// ValueRange builds a rule enforcing numeric bounds on a payload field.
func ValueRange(id string, priority int, path string, min, max float64) Rule {
	return Rule{
		ID:       id,
		Name:     "payload value range",
		Priority: priority,
		Check: func(d Decision) []string {
			v, ok := lookupPath(d.Payload, path)
			if !ok {
				return nil
			}
			n, ok := asNumber(v)
			if !ok {
				return []string{fmt.Sprintf("field %q must be numeric", path)}
			}
			if n < min || n > max {
				return []string{fmt.Sprintf("field %q out of range [%g, %g]: %g", path, min, max, n)}
			}
			return nil
		},
	}
}

// Enum builds a rule restricting a payload field to an allowed string set.
func Enum(id string, priority int, path string, allowed ...string) Rule {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return Rule{
		ID:       id,
		Name:     "payload enum",
		Priority: priority,
		Check: func(d Decision) []string {
			v, ok := lookupPath(d.Payload, path)
			if !ok {
				return nil
			}
			s, ok := v.(string)
			if !ok {
				return []string{fmt.Sprintf("field %q must be a string", path)}
			}
			if _, ok := set[s]; !ok {
				return []string{fmt.Sprintf("field %q has disallowed value %q (allowed: %s)",
					path, s, strings.Join(allowed, ", "))}
			}
			return nil
		},
	}
}

// DAGValidation builds a rule for create_workflow_plan decisions: node ids
// must be unique, every edge endpoint must resolve to a declared node, and
// the directed graph must be acyclic. One error per violation.
func DAGValidation(id string, priority int) Rule {
	return Rule{
		ID:       id,
		Name:     "workflow plan DAG validation",
		Priority: priority,
		Check: func(d Decision) []string {
			if d.Type != "create_workflow_plan" {
				return nil
			}
			return validateDAG(d.Payload)
		},
	}
}

func validateDAG(payload map[string]any) []string {
	var errs []string

	nodes := asMapList(payload["nodes"])
	edges := asMapList(payload["edges"])

	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		nid, _ := n["id"].(string)
		if nid == "" {
			errs = append(errs, "node missing id")
			continue
		}
		if _, dup := ids[nid]; dup {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", nid))
			continue
		}
		ids[nid] = struct{}{}
	}

	adj := make(map[string][]string, len(ids))
	indeg := make(map[string]int, len(ids))
	for nid := range ids {
		indeg[nid] = 0
	}
	for _, e := range edges {
		src := edgeEndpoint(e, "source", "source_id")
		dst := edgeEndpoint(e, "target", "target_id")
		bad := false
		if _, ok := ids[src]; !ok {
			errs = append(errs, fmt.Sprintf("edge source %q is not a declared node", src))
			bad = true
		}
		if _, ok := ids[dst]; !ok {
			errs = append(errs, fmt.Sprintf("edge target %q is not a declared node", dst))
			bad = true
		}
		if !bad {
			adj[src] = append(adj[src], dst)
			indeg[dst]++
		}
	}

	// Kahn's algorithm: any node never reaching indegree zero is on a cycle.
	queue := make([]string, 0, len(indeg))
	for nid, deg := range indeg {
		if deg == 0 {
			queue = append(queue, nid)
		}
	}
	visited := 0
	for len(queue) > 0 {
		nid := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[nid] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited < len(indeg) {
		errs = append(errs, "workflow plan contains a cycle")
	}
	return errs
}

func edgeEndpoint(e map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := e[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func asMapList(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// lookupPath resolves a dotted path through nested map[string]any values.
func lookupPath(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func classify(v any) FieldKind {
	switch v.(type) {
	case string:
		return KindString
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return KindNumber
	case []any, []map[string]any, []string:
		return KindList
	case map[string]any:
		return KindMap
	default:
		return FieldKind(fmt.Sprintf("%T", v))
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
