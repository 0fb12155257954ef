package httpcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ttl(v uint64) *uint64 { return &v }

func TestPolicyStoreMatchForKeyFirstMatchWins(t *testing.T) {
	s := NewPolicyStore()
	s.Set(Policy{Name: "specific", KeyPattern: "img:thumb:*", TTL: ttl(60)})
	s.Set(Policy{Name: "general", KeyPattern: "img:*", TTL: ttl(600)})

	p, ok := s.MatchForKey("img:thumb:42")
	require.True(t, ok)
	require.Equal(t, "specific", p.Name)

	p, ok = s.MatchForKey("img:banner:1")
	require.True(t, ok)
	require.Equal(t, "general", p.Name)

	_, ok = s.MatchForKey("video:1")
	require.False(t, ok)
}

func TestPolicyStoreSetReplacesByName(t *testing.T) {
	s := NewPolicyStore()
	s.Set(Policy{Name: "p", KeyPattern: "a:*", TTL: ttl(1)})
	s.Set(Policy{Name: "p", KeyPattern: "b:*", TTL: ttl(2)})
	require.Equal(t, []string{"p"}, s.List())
	got, _ := s.Get("p")
	require.Equal(t, "b:*", got.KeyPattern)
}

func TestPolicyStorePrunesPrewarmKeysWhenPolicyStopsPrewarming(t *testing.T) {
	s := NewPolicyStore()
	s.Set(Policy{Name: "p", KeyPattern: "a:*", Prewarm: true})
	s.TrackPrewarmKey("a:1")
	require.Equal(t, []string{"a:1"}, s.PrewarmKeys())

	s.Set(Policy{Name: "p", KeyPattern: "a:*", Prewarm: false})
	require.Empty(t, s.PrewarmKeys())
}

func TestPolicyStorePrunesPrewarmKeysOnDelete(t *testing.T) {
	s := NewPolicyStore()
	s.Set(Policy{Name: "p", KeyPattern: "a:*", Prewarm: true})
	s.TrackPrewarmKey("a:1")
	require.True(t, s.Del("p"))
	require.Empty(t, s.PrewarmKeys())
}

func TestResolveURLInterpolatesHeaderAndCaptureGroups(t *testing.T) {
	p := Policy{
		Name:        "p",
		KeyPattern:  "img:*:*",
		URLTemplate: "https://origin.example/{1}/{2}?lang={hdr:X-Lang}",
	}
	url := ResolveURL(p, "img:42:thumb", []Header{{Name: "X-Lang", Value: "en us"}})
	require.Equal(t, "https://origin.example/42/thumb?lang=en+us", url)
}

func TestResolveURLMissingHeaderResolvesEmpty(t *testing.T) {
	p := Policy{Name: "p", KeyPattern: "a:*", URLTemplate: "https://origin.example/x?v={hdr:Absent}"}
	url := ResolveURL(p, "a:1", nil)
	require.Equal(t, "https://origin.example/x?v=", url)
}
