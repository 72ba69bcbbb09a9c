// Package transform rewrites gateway requests and responses: header set and
// removal, JSON body merge, field removal and status override.
package transform

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// Message is one side of an exchange.
type Message struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Transformer applies one MessageTransform. A nil Transformer is a no-op.
type Transformer struct {
	set          map[string]string
	setOrder     []string
	remove       []string
	merge        map[string]any
	removeFields map[string]bool
	removeOrder  []string
	status       int
	logger       observability.Logger
}

// New compiles cfg. It returns nil when cfg is nil or empty.
func New(cfg *config.MessageTransform, logger observability.Logger) *Transformer {
	if cfg == nil {
		return nil
	}
	if len(cfg.SetHeaders) == 0 && len(cfg.RemoveHeaders) == 0 && len(cfg.MergeBody) == 0 &&
		len(cfg.RemoveFields) == 0 && cfg.StatusCode == 0 {
		return nil
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	t := &Transformer{
		set:          make(map[string]string, len(cfg.SetHeaders)),
		merge:        cfg.MergeBody,
		removeFields: make(map[string]bool, len(cfg.RemoveFields)),
		removeOrder:  cfg.RemoveFields,
		status:       cfg.StatusCode,
		logger:       logger,
	}
	for k, v := range cfg.SetHeaders {
		name := http.CanonicalHeaderKey(k)
		t.set[name] = v
		t.setOrder = append(t.setOrder, name)
	}
	sort.Strings(t.setOrder)
	for _, h := range cfg.RemoveHeaders {
		t.remove = append(t.remove, http.CanonicalHeaderKey(h))
	}
	for _, f := range cfg.RemoveFields {
		t.removeFields[f] = true
	}
	return t
}

// Apply rewrites msg in place and returns the names of the transformations
// that took effect, in application order.
func (t *Transformer) Apply(msg *Message) []string {
	if t == nil || msg == nil {
		return nil
	}
	var applied []string

	if msg.Headers == nil {
		msg.Headers = make(http.Header)
	}
	for _, name := range t.remove {
		if _, ok := msg.Headers[name]; ok {
			msg.Headers.Del(name)
			applied = append(applied, "remove_header:"+name)
		}
	}
	for _, name := range t.setOrder {
		msg.Headers.Set(name, t.set[name])
		applied = append(applied, "set_header:"+name)
	}

	if len(t.merge) > 0 || len(t.removeFields) > 0 {
		applied = append(applied, t.applyBody(msg)...)
	}

	if t.status != 0 && t.status != msg.StatusCode {
		msg.StatusCode = t.status
		applied = append(applied, "status:"+strconv.Itoa(t.status))
	}

	return applied
}

func (t *Transformer) applyBody(msg *Message) []string {
	var doc map[string]any
	if len(bytes.TrimSpace(msg.Body)) == 0 {
		if len(t.merge) == 0 {
			return nil
		}
		doc = make(map[string]any)
	} else if err := json.Unmarshal(msg.Body, &doc); err != nil {
		t.logger.Debug("body transform skipped, not a JSON object", observability.Error(err))
		return nil
	}

	var applied []string
	if len(t.merge) > 0 {
		doc = mergeMaps(doc, t.merge)
		applied = append(applied, "merge_body")
	}
	for _, path := range t.removeOrder {
		if removePath(doc, splitPath(path)) {
			applied = append(applied, "remove_field:"+path)
		}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		t.logger.Warn("failed to encode transformed body", observability.Error(err))
		return nil
	}
	msg.Body = out
	msg.Headers.Set("Content-Type", "application/json")
	msg.Headers.Del("Content-Length")
	return applied
}

// mergeMaps deep-merges src into a copy of dst. Nested objects merge;
// anything else from src wins.
func mergeMaps(dst, src map[string]any) map[string]any {
	result := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		result[k] = v
	}
	for k, sv := range src {
		if dv, ok := result[k].(map[string]any); ok {
			if svm, ok := sv.(map[string]any); ok {
				result[k] = mergeMaps(dv, svm)
				continue
			}
		}
		result[k] = copyValue(sv)
	}
	return result
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return mergeMaps(nil, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

// removePath deletes the field at parts. A "[]" part applies the rest of
// the path to every object in an array.
func removePath(doc map[string]any, parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	if len(parts) == 1 {
		if _, ok := doc[parts[0]]; ok {
			delete(doc, parts[0])
			return true
		}
		return false
	}

	next, ok := doc[parts[0]]
	if !ok {
		return false
	}
	rest := parts[1:]
	switch v := next.(type) {
	case map[string]any:
		return removePath(v, rest)
	case []any:
		if rest[0] != "[]" {
			return false
		}
		removed := false
		for _, item := range v {
			if m, ok := item.(map[string]any); ok && removePath(m, rest[1:]) {
				removed = true
			}
		}
		return removed
	default:
		return false
	}
}

// splitPath turns "items[].id" into ["items", "[]", "id"].
func splitPath(path string) []string {
	var parts []string
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		if name, ok := strings.CutSuffix(seg, "[]"); ok {
			if name != "" {
				parts = append(parts, name)
			}
			parts = append(parts, "[]")
			continue
		}
		parts = append(parts, seg)
	}
	return parts
}
