// Package chunk splits clinical resource JSON into bounded fragments.
//
// The preferred strategy splits the JSON tree at object and array
// boundaries so every emitted fragment parses as JSON on its own. When a
// single scalar value is too large to reduce, the chunker falls back to
// plain character splitting of the human-readable content with overlap.
package chunk

import (
	"encoding/json"
	"sort"
	"strings"
)

const (
	DefaultMinSize = 500
	DefaultMaxSize = 1000
	DefaultOverlap = 200
)

// Chunker splits resources into ordered chunk texts.
type Chunker struct {
	minSize int
	maxSize int
	overlap int
}

// New creates a chunker with the given character limits. Non-positive
// arguments fall back to the defaults.
func New(minSize, maxSize, overlap int) *Chunker {
	if minSize <= 0 {
		minSize = DefaultMinSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if overlap < 0 || overlap >= maxSize {
		overlap = DefaultOverlap
	}
	return &Chunker{minSize: minSize, maxSize: maxSize, overlap: overlap}
}

// Split chunks one resource. resourceJSON drives the JSON-aware strategy;
// content is the human-readable text used by the fallback splitter.
// The result is deterministic for identical input and limits, and always
// contains at least one chunk.
func (c *Chunker) Split(resourceJSON, content string) []string {
	doc, err := decode(resourceJSON)
	if err != nil {
		return c.splitText(content)
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return c.splitText(content)
	}
	if len(canonical) <= c.maxSize {
		return []string{string(canonical)}
	}

	fragments, ok := c.splitValue(doc)
	if !ok || len(fragments) == 0 {
		return c.splitText(content)
	}
	return fragments
}

// decode parses JSON preserving number formatting so that re-marshaling
// is byte-stable.
func decode(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// splitValue recursively splits an oversized JSON value into fragments,
// each valid JSON and at most maxSize characters. Returns ok=false when
// the value contains a scalar that cannot be reduced.
func (c *Chunker) splitValue(v any) ([]string, bool) {
	switch t := v.(type) {
	case map[string]any:
		return c.splitObject(t)
	case []any:
		return c.splitArray(t)
	default:
		// An oversized scalar cannot be split while staying parseable.
		return nil, false
	}
}

func (c *Chunker) splitObject(obj map[string]any) ([]string, bool) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fragments []string
	cur := map[string]any{}

	flush := func() {
		if len(cur) == 0 {
			return
		}
		data, err := json.Marshal(cur)
		if err == nil {
			fragments = append(fragments, string(data))
		}
		cur = map[string]any{}
	}

	for _, k := range keys {
		pair := map[string]any{k: obj[k]}
		pairData, err := json.Marshal(pair)
		if err != nil {
			return nil, false
		}
		if len(pairData) > c.maxSize {
			// The value alone is oversized; split it on its own boundary.
			flush()
			sub, ok := c.splitValue(obj[k])
			if !ok {
				return nil, false
			}
			fragments = append(fragments, sub...)
			continue
		}
		cur[k] = obj[k]
		data, err := json.Marshal(cur)
		if err != nil {
			return nil, false
		}
		if len(data) > c.maxSize {
			delete(cur, k)
			flush()
			cur[k] = obj[k]
		}
	}
	flush()
	return fragments, true
}

func (c *Chunker) splitArray(arr []any) ([]string, bool) {
	var fragments []string
	var cur []any

	flush := func() {
		if len(cur) == 0 {
			return
		}
		data, err := json.Marshal(cur)
		if err == nil {
			fragments = append(fragments, string(data))
		}
		cur = nil
	}

	for _, elem := range arr {
		elemData, err := json.Marshal(elem)
		if err != nil {
			return nil, false
		}
		if len(elemData)+2 > c.maxSize {
			flush()
			sub, ok := c.splitValue(elem)
			if !ok {
				return nil, false
			}
			fragments = append(fragments, sub...)
			continue
		}
		cur = append(cur, elem)
		data, err := json.Marshal(cur)
		if err != nil {
			return nil, false
		}
		if len(data) > c.maxSize {
			cur = cur[:len(cur)-1]
			flush()
			cur = append(cur, elem)
		}
	}
	flush()
	return fragments, true
}

// splitText is the fallback splitter: fixed windows over the readable
// content with overlap between consecutive chunks.
func (c *Chunker) splitText(content string) []string {
	content = strings.TrimSpace(content)
	if len(content) <= c.maxSize {
		return []string{content}
	}

	stride := c.maxSize - c.overlap
	if stride <= 0 {
		stride = c.maxSize
	}

	var chunks []string
	for start := 0; start < len(content); start += stride {
		end := start + c.maxSize
		if end >= len(content) {
			chunks = append(chunks, content[start:])
			break
		}
		chunks = append(chunks, content[start:end])
	}
	return chunks
}
