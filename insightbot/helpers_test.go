package insightbot

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	// Rune-aware, not byte-aware
	assert.Equal(t, "héll", truncate("héllo", 4))
}

func TestShortenString(t *testing.T) {
	assert.Equal(t, "short", shortenString("short", 10))

	// Collapsing double newlines can be enough on its own
	s := strings.Repeat("a\n\n", 10)
	shortened := shortenString(s, 25)
	assert.LessOrEqual(t, len(shortened), 25)
	assert.NotContains(t, shortened, "\n\n")

	long := strings.Repeat("x", 500)
	shortened = shortenString(long, 100)
	assert.LessOrEqual(t, len([]rune(shortened)), 100)
	assert.Contains(t, shortened, "(output limit reached)")
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	log, ok := ContextLogger(ctx)
	assert.False(t, ok)
	assert.Nil(t, log)

	logger := slog.Default().With("test", true)
	ctx = WithLogger(ctx, logger)
	log, ok = ContextLogger(ctx)
	assert.True(t, ok)
	assert.Same(t, logger, log)

	// nil falls back to the default logger
	ctx = WithLogger(context.Background(), nil)
	log, ok = ContextLogger(ctx)
	assert.True(t, ok)
	require.NotNil(t, log)
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type outer struct {
		Visible  string  `json:"visible"`
		Secret   string  `json:"secret" log:"[redacted]"`
		Empty    string  `json:"empty"`
		NilPtr   *inner  `json:"nil_ptr"`
		Child    *inner  `json:"child"`
		Untagged int     ``
		Skipped  []int   `json:"skipped"`
		Values   []int   `json:"values"`
		Ratio    float64 `json:"ratio"`
	}

	v := structToSlogValue(
		&outer{
			Visible: "hello",
			Secret:  "hunter2",
			Child:   &inner{Name: "nested"},
			Values:  []int{1, 2},
			Ratio:   0.5,
		},
	)
	rendered := v.String()

	assert.Contains(t, rendered, "visible=hello")
	assert.Contains(t, rendered, "secret=[redacted]")
	assert.NotContains(t, rendered, "hunter2")
	assert.NotContains(t, rendered, "empty=")
	assert.NotContains(t, rendered, "nil_ptr")
	assert.Contains(t, rendered, "name=nested")
	assert.Contains(t, rendered, "Untagged=0")

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}
