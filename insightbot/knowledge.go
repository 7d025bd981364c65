package insightbot

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// KnowledgeBase is the JSON-file knowledge document, loaded once at
// startup. A missing or malformed file prevents the bot from starting.
type KnowledgeBase struct {
	Categories map[string]KBCategory  `json:"categories"`
	ErrorCodes map[string]KBErrorCode `json:"error_codes"`
	QuickFixes map[string]KBQuickFix  `json:"quick_fixes"`
	Resources  map[string]string      `json:"resources"`
}

// KBCategory groups related topics with their common solutions.
type KBCategory struct {
	Keywords        []string `json:"keywords"`
	CommonSolutions []string `json:"common_solutions"`
}

// KBErrorCode describes a known error code and how to fix it.
type KBErrorCode struct {
	Description string   `json:"description"`
	Solutions   []string `json:"solutions"`
}

// KBQuickFix is an ordered set of steps for a common task.
type KBQuickFix struct {
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// KBResult is one knowledge base match returned by Lookup.
type KBResult struct {
	Kind        string   `json:"kind"` // "category", "error_code" or "quick_fix"
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Solutions   []string `json:"solutions,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

// KBStats reports section counts for the loaded document.
type KBStats struct {
	Categories int `json:"categories"`
	ErrorCodes int `json:"error_codes"`
	QuickFixes int `json:"quick_fixes"`
	Resources  int `json:"resources"`
}

// LoadKnowledgeBase reads and parses the knowledge base document at
// the given path.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge base %q: %w", path, err)
	}
	kb := &KnowledgeBase{}
	if err = json.Unmarshal(data, kb); err != nil {
		return nil, fmt.Errorf("parsing knowledge base %q: %w", path, err)
	}
	return kb, nil
}

// Lookup matches text case-insensitively against category names and
// keywords, error code names and descriptions, and quick fix names.
// Returns an empty slice when nothing matches.
func (kb *KnowledgeBase) Lookup(text string) []KBResult {
	query := strings.ToLower(strings.TrimSpace(text))
	results := []KBResult{}
	if query == "" {
		return results
	}

	for _, name := range sortedKeys(kb.Categories) {
		category := kb.Categories[name]
		if kbCategoryMatches(name, category, query) {
			results = append(
				results, KBResult{
					Kind:      "category",
					Name:      name,
					Solutions: category.CommonSolutions,
				},
			)
		}
	}

	for _, name := range sortedKeys(kb.ErrorCodes) {
		code := kb.ErrorCodes[name]
		if strings.Contains(strings.ToLower(name), query) ||
			strings.Contains(strings.ToLower(code.Description), query) {
			results = append(
				results, KBResult{
					Kind:        "error_code",
					Name:        name,
					Description: code.Description,
					Solutions:   code.Solutions,
				},
			)
		}
	}

	for _, name := range sortedKeys(kb.QuickFixes) {
		fix := kb.QuickFixes[name]
		if strings.Contains(strings.ToLower(name), query) ||
			strings.Contains(strings.ToLower(fix.Description), query) {
			results = append(
				results, KBResult{
					Kind:        "quick_fix",
					Name:        name,
					Description: fix.Description,
					Steps:       fix.Steps,
				},
			)
		}
	}

	return results
}

func kbCategoryMatches(name string, category KBCategory, query string) bool {
	if strings.Contains(strings.ToLower(name), query) {
		return true
	}
	for _, kw := range category.Keywords {
		lowered := strings.ToLower(kw)
		if strings.Contains(lowered, query) || strings.Contains(query, lowered) {
			return true
		}
	}
	return false
}

// ErrorHelp finds help for an error code, trying an exact
// (case-insensitive) name match before falling back to a substring
// match. Returns nil when nothing matches.
func (kb *KnowledgeBase) ErrorHelp(code string) *KBResult {
	query := strings.ToLower(strings.TrimSpace(code))
	if query == "" {
		return nil
	}

	for name, errorCode := range kb.ErrorCodes {
		if strings.ToLower(name) == query {
			return &KBResult{
				Kind:        "error_code",
				Name:        name,
				Description: errorCode.Description,
				Solutions:   errorCode.Solutions,
			}
		}
	}

	for _, name := range sortedKeys(kb.ErrorCodes) {
		errorCode := kb.ErrorCodes[name]
		if strings.Contains(strings.ToLower(name), query) ||
			strings.Contains(query, strings.ToLower(name)) {
			return &KBResult{
				Kind:        "error_code",
				Name:        name,
				Description: errorCode.Description,
				Solutions:   errorCode.Solutions,
			}
		}
	}

	return nil
}

// QuickFix returns the quick fix with the given name
// (case-insensitive, exact), or nil.
func (kb *KnowledgeBase) QuickFix(name string) *KBResult {
	query := strings.ToLower(strings.TrimSpace(name))
	for key, fix := range kb.QuickFixes {
		if strings.ToLower(key) == query {
			return &KBResult{
				Kind:        "quick_fix",
				Name:        key,
				Description: fix.Description,
				Steps:       fix.Steps,
			}
		}
	}
	return nil
}

// Stats returns section counts for the loaded document.
func (kb *KnowledgeBase) Stats() KBStats {
	return KBStats{
		Categories: len(kb.Categories),
		ErrorCodes: len(kb.ErrorCodes),
		QuickFixes: len(kb.QuickFixes),
		Resources:  len(kb.Resources),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
