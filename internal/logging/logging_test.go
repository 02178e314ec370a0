package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryAndLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "warn")
	t.Cleanup(func() { Init("info") })

	Info(CategoryFeed, "hidden %d", 1)
	Warning(CategoryFeed, "dropped payload size=%d", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "Feed", entry["category"])
	assert.Equal(t, "dropped payload size=3", entry["message"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "loud")
	t.Cleanup(func() { Init("info") })

	Debug(CategoryApp, "debug")
	Success(CategoryApp, "done")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"success":true`)
}
