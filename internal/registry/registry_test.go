package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Futs/kuroibara-sub003/internal/ratecontrol"
)

func writeConfig(t *testing.T, dir, id, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(body), 0o644))
}

func TestLoadMergesBuiltinAndCommunityPreferringCommunity(t *testing.T) {
	builtinDir := t.TempDir()
	communityDir := t.TempDir()

	writeConfig(t, builtinDir, "src-a", sprintfConfig("src-a", "Builtin"))
	writeConfig(t, communityDir, "src-a", sprintfConfig("src-a", "Community"))

	reg := New(&Dispatcher{RateController: ratecontrol.NewController()}, nil)
	require.NoError(t, reg.Load(builtinDir, communityDir))

	src, ok := reg.Get("src-a")
	require.True(t, ok)
	require.Equal(t, "Community", src.Descriptor().Name)
}

func sprintfConfig(id, name string) string {
	return `{
  "id": "` + id + `",
  "name": "` + name + `",
  "base_origin": "https://example.test",
  "tier": "primary",
  "capabilities": ["search"],
  "kind": "generic",
  "response_format": "html",
  "search_url": "/search?q={query}",
  "selectors": {
    "search_items": ["div.item"],
    "title": ["a.title"],
    "link": ["a.title@href"]
  }
}`
}

func TestLoadSkipsInvalidEntries(t *testing.T) {
	builtinDir := t.TempDir()
	writeConfig(t, builtinDir, "bad", `{"id": "bad"}`)

	reg := New(&Dispatcher{RateController: ratecontrol.NewController()}, nil)
	require.NoError(t, reg.Load(builtinDir, t.TempDir()))

	_, ok := reg.Get("bad")
	require.False(t, ok)
}

func TestAllOrdersByPriorityAscending(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "low", withPriority(sprintfConfig("low", "Low"), 10))
	writeConfig(t, dir, "high", withPriority(sprintfConfig("high", "High"), 1))

	reg := New(&Dispatcher{RateController: ratecontrol.NewController()}, nil)
	require.NoError(t, reg.Load(dir, t.TempDir()))

	all := reg.All()
	require.Len(t, all, 2)
	require.Equal(t, "high", all[0].ID)
	require.Equal(t, "low", all[1].ID)
}

func withPriority(body string, priority int) string {
	return body[:len(body)-1] + `,"priority":` + itoa(priority) + "}"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
