package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvent(t *testing.T) {
	got, err := readEvent("", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", got)

	got, err = readEvent(`{"a":1}`, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)

	got, err = readEvent("-", strings.NewReader(`{"stdin":true}`))
	require.NoError(t, err)
	assert.Equal(t, `{"stdin":true}`, got)

	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"file":true}`), 0644))
	got, err = readEvent("@"+path, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"file":true}`, got)

	_, err = readEvent("@/does/not/exist.json", nil)
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name    string
		typ     string
		payload string
		want    []string
	}{
		{"completed", "invocation.completed", `{"requestId":"0123456789ab","outcome":"handlerError","durationMs":1500,"rebuilt":true,"error":{"errorMessage":"boom"}}`, []string{"handlerError", "01234567", "1.5s", "rebuilt", "boom"}},
		{"step", "invocation.step", `{"requestId":"r1","state":"building","message":"source changed"}`, []string{"building", "source changed"}},
		{"build failed", "build.failed", `{"fingerprint":"abc","error":"line1\nline2"}`, []string{"build failed", "line1", "line2"}},
		{"bridge", "bridge.connected", `{"peer":"p1","peers":2}`, []string{"bridge.connected", "2 stub(s)"}},
		{"unknown", "something.else", `{}`, []string{"something.else"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatEvent(liveEvent{Type: tt.typ, FunctionID: "fn-a", Time: at, Payload: json.RawMessage(tt.payload)})
			for _, w := range tt.want {
				assert.Contains(t, line, w)
			}
		})
	}
}

func TestFormatMillis(t *testing.T) {
	assert.Equal(t, "250ms", formatMillis(250))
	assert.Equal(t, "2.5s", formatMillis(2500))
}

func TestFirstLines(t *testing.T) {
	assert.Equal(t, "a\nb\n…", firstLines("a\nb\nc\nd", 2))
	assert.Equal(t, "a", firstLines("a\n", 3))
}

func TestPadRendered(t *testing.T) {
	assert.Equal(t, "ab   ", padRendered("ab", 5))
	assert.Equal(t, "abcdef", padRendered("abcdef", 3))
}
