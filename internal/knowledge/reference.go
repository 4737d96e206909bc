// Package knowledge turns retrieval results into typed references and
// injects them into compressed workflow contexts.
package knowledge

import (
	"sort"
	"time"
)

// Reference source types.
const (
	SourceKnowledgeBase = "knowledge_base"
	SourceErrorSolution = "error_solution"
	SourceGoalRelated   = "goal_related"
	SourceUnknown       = "unknown"
)

const previewMaxLength = 200

// Reference is one retrieved knowledge item.
type Reference struct {
	SourceID       string         `json:"source_id"`
	Title          string         `json:"title,omitempty"`
	ContentPreview string         `json:"content_preview,omitempty"`
	RelevanceScore float64        `json:"relevance_score"`
	DocumentID     string         `json:"document_id,omitempty"`
	ChunkID        string         `json:"chunk_id,omitempty"`
	SourceType     string         `json:"source_type"`
	RetrievedAt    time.Time      `json:"retrieved_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// References is an ordered collection of retrieved items.
type References []Reference

// TopK returns the k highest-relevance references, ties keeping the
// original order.
func (r References) TopK(k int) References {
	if k <= 0 || len(r) == 0 {
		return nil
	}
	sorted := make(References, len(r))
	copy(sorted, r)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RelevanceScore > sorted[j].RelevanceScore
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// MergeReferences combines two collections, de-duplicating by source id
// and keeping the higher relevance score. Order is a-first.
func MergeReferences(a, b References) References {
	out := make(References, 0, len(a)+len(b))
	index := make(map[string]int, len(a))
	for _, ref := range a {
		index[ref.SourceID] = len(out)
		out = append(out, ref)
	}
	for _, ref := range b {
		if pos, ok := index[ref.SourceID]; ok {
			if ref.RelevanceScore > out[pos].RelevanceScore {
				out[pos] = ref
			}
			continue
		}
		index[ref.SourceID] = len(out)
		out = append(out, ref)
	}
	return out
}

// ToDictList renders references as plain maps for context storage.
func (r References) ToDictList() []map[string]any {
	out := make([]map[string]any, 0, len(r))
	for _, ref := range r {
		m := map[string]any{
			"source_id":       ref.SourceID,
			"relevance_score": ref.RelevanceScore,
			"source_type":     ref.SourceType,
		}
		if ref.Title != "" {
			m["title"] = ref.Title
		}
		if ref.ContentPreview != "" {
			m["content_preview"] = ref.ContentPreview
		}
		if ref.DocumentID != "" {
			m["document_id"] = ref.DocumentID
		}
		if ref.ChunkID != "" {
			m["chunk_id"] = ref.ChunkID
		}
		if !ref.RetrievedAt.IsZero() {
			m["retrieved_at"] = ref.RetrievedAt.UTC().Format(time.RFC3339Nano)
		}
		if len(ref.Metadata) > 0 {
			m["metadata"] = ref.Metadata
		}
		out = append(out, m)
	}
	return out
}

// FromDictList reverses ToDictList. Unknown source types map to
// SourceUnknown.
func FromDictList(items []map[string]any) References {
	out := make(References, 0, len(items))
	for _, item := range items {
		out = append(out, fromDict(item, SourceUnknown))
	}
	return out
}

// fromDict builds a reference from one retriever result map, tolerating
// the key variants the retrieval backends produce.
func fromDict(m map[string]any, defaultSource string) Reference {
	ref := Reference{SourceType: defaultSource}

	ref.SourceID = firstString(m, "source_id", "id")
	ref.Title = firstString(m, "title", "name")
	ref.DocumentID = firstString(m, "document_id", "doc_id")
	ref.ChunkID = firstString(m, "chunk_id")

	if content := firstString(m, "content_preview", "content", "text"); content != "" {
		ref.ContentPreview = truncate(content, previewMaxLength)
	}
	if score, ok := asFloat(m["relevance_score"]); ok {
		ref.RelevanceScore = score
	} else if score, ok := asFloat(m["score"]); ok {
		ref.RelevanceScore = score
	}
	if st, ok := m["source_type"].(string); ok {
		switch st {
		case SourceKnowledgeBase, SourceErrorSolution, SourceGoalRelated:
			ref.SourceType = st
		case "":
		default:
			ref.SourceType = SourceUnknown
		}
	}
	if ts, ok := m["retrieved_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ref.RetrievedAt = parsed
		}
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		ref.Metadata = meta
	}
	return ref
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
