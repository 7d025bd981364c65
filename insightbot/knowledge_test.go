package insightbot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKnowledgeBase = `{
  "categories": {
    "API Connection": {
      "keywords": ["api", "connection", "backend"],
      "common_solutions": ["Check the API URL", "Verify your key"]
    },
    "Character Cards": {
      "keywords": ["character", "card", "png"],
      "common_solutions": ["Import via the panel"]
    }
  },
  "error_codes": {
    "401": {
      "description": "Unauthorized: the backend rejected your API key.",
      "solutions": ["Re-enter the API key"]
    },
    "ECONNREFUSED": {
      "description": "Connection refused: nothing is listening.",
      "solutions": ["Start the backend"]
    }
  },
  "quick_fixes": {
    "reset-settings": {
      "description": "Restore default settings.",
      "steps": ["Stop the app", "Rename settings.json", "Restart"]
    }
  },
  "resources": {
    "Docs": "https://docs.sillytavern.app/"
  }
}`

func loadTestKB(t testing.TB) *KnowledgeBase {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kb.json")
	require.NoError(t, os.WriteFile(path, []byte(testKnowledgeBase), 0600))
	kb, err := LoadKnowledgeBase(path)
	require.NoError(t, err)
	return kb
}

func TestLoadKnowledgeBaseMissingFile(t *testing.T) {
	_, err := LoadKnowledgeBase(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadKnowledgeBaseMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := LoadKnowledgeBase(path)
	assert.Error(t, err)
}

func TestKnowledgeBaseLookup(t *testing.T) {
	kb := loadTestKB(t)

	results := kb.Lookup("API")
	require.NotEmpty(t, results)
	assert.Equal(t, "category", results[0].Kind)
	assert.Equal(t, "API Connection", results[0].Name)

	// Case-insensitive, matches error code descriptions
	results = kb.Lookup("unauthorized")
	require.Len(t, results, 1)
	assert.Equal(t, "error_code", results[0].Kind)
	assert.Equal(t, "401", results[0].Name)

	results = kb.Lookup("settings")
	require.Len(t, results, 1)
	assert.Equal(t, "quick_fix", results[0].Kind)
	assert.Equal(t, "reset-settings", results[0].Name)

	// Empty slice, not nil, when nothing matches
	results = kb.Lookup("zzzzzz")
	assert.NotNil(t, results)
	assert.Empty(t, results)

	assert.Empty(t, kb.Lookup("   "))
}

func TestKnowledgeBaseLookupDeterministicOrder(t *testing.T) {
	kb := loadTestKB(t)

	first := kb.Lookup("c")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, kb.Lookup("c"))
	}
}

func TestKnowledgeBaseErrorHelp(t *testing.T) {
	kb := loadTestKB(t)

	result := kb.ErrorHelp("401")
	require.NotNil(t, result)
	assert.Equal(t, "401", result.Name)
	assert.NotEmpty(t, result.Solutions)

	// Exact match is case-insensitive
	result = kb.ErrorHelp("econnrefused")
	require.NotNil(t, result)
	assert.Equal(t, "ECONNREFUSED", result.Name)

	// Fuzzy fallback: code embedded in a longer string
	result = kb.ErrorHelp("error ECONNREFUSED at connect")
	require.NotNil(t, result)
	assert.Equal(t, "ECONNREFUSED", result.Name)

	assert.Nil(t, kb.ErrorHelp("999"))
	assert.Nil(t, kb.ErrorHelp(""))
}

func TestKnowledgeBaseQuickFix(t *testing.T) {
	kb := loadTestKB(t)

	result := kb.QuickFix("Reset-Settings")
	require.NotNil(t, result)
	assert.Equal(t, "reset-settings", result.Name)
	assert.Len(t, result.Steps, 3)

	// No substring matching for quick fixes
	assert.Nil(t, kb.QuickFix("reset"))
	assert.Nil(t, kb.QuickFix("missing"))
}

func TestKnowledgeBaseStats(t *testing.T) {
	kb := loadTestKB(t)

	stats := kb.Stats()
	assert.Equal(t, 2, stats.Categories)
	assert.Equal(t, 2, stats.ErrorCodes)
	assert.Equal(t, 1, stats.QuickFixes)
	assert.Equal(t, 1, stats.Resources)
}
