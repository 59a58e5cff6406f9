package pattern

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTopic_Exact(t *testing.T) {
	assert.True(t, MatchTopic("order.placed", "order.placed"))
	assert.False(t, MatchTopic("order.placed", "order.cancelled"))
	assert.False(t, MatchTopic("order.placed", "order"))
}

func TestMatchTopic_SingleSegmentWildcard(t *testing.T) {
	assert.True(t, MatchTopic("order.placed", "order.*"))
	assert.True(t, MatchTopic("order.cancelled", "order.*"))
	assert.False(t, MatchTopic("order.items.added", "order.*"))
	assert.False(t, MatchTopic("order", "order.*"))

	// Middle wildcard
	assert.True(t, MatchTopic("order.eu.placed", "order.*.placed"))
	assert.False(t, MatchTopic("order.eu.west.placed", "order.*.placed"))
}

func TestMatchTopic_MultiSegmentWildcard(t *testing.T) {
	assert.True(t, MatchTopic("order.placed", "order.**"))
	assert.True(t, MatchTopic("order.items.added", "order.**"))
	assert.False(t, MatchTopic("order", "order.**"))
	assert.True(t, MatchTopic("a.b.c.d", "**"))
	assert.True(t, MatchTopic("a.b.c.d", "a.**.d"))
	assert.True(t, MatchTopic("a.x.d", "a.**.d"))
	assert.False(t, MatchTopic("a.d", "a.**.d"))
}

func TestMatchKey_ColonSeparator(t *testing.T) {
	assert.True(t, MatchKey("customer:42:tier", "customer:*:tier"))
	assert.False(t, MatchKey("customer:42:region:tier", "customer:*:tier"))
	assert.True(t, MatchKey("customer:42:region:tier", "customer:**:tier"))
	assert.True(t, MatchKey("loyalty:points", "loyalty:points"))

	// Dots are literal characters in key patterns
	assert.True(t, MatchKey("a.b:c", "a.b:*"))
}

func TestMatch_EmbeddedWildcard(t *testing.T) {
	assert.True(t, MatchTopic("login.failed", "login.fail*"))
	assert.True(t, MatchTopic("login.fail", "login.fail*"))
	assert.False(t, MatchTopic("login.ok", "login.fail*"))
}

func TestCompile_CanonicalLaw(t *testing.T) {
	// Match must agree with the canonical compiled regular expression.
	cases := []struct {
		topic, pat string
	}{
		{"order.placed", "order.*"},
		{"order.items.added", "order.**"},
		{"a.b.c", "a.*.c"},
		{"a.b.c", "**"},
		{"order.placed", "order.placed"},
	}
	for _, tc := range cases {
		re := regexp.MustCompile(Compile(tc.pat, TopicSep))
		assert.Equal(t, re.MatchString(tc.topic), Match(tc.topic, tc.pat, TopicSep),
			"pattern %q against %q", tc.pat, tc.topic)
	}
}

func TestPurge(t *testing.T) {
	Purge()
	_, err := Compiled("a.*", TopicSep)
	require.NoError(t, err)
	assert.Equal(t, 1, CacheSize())

	Purge()
	assert.Equal(t, 0, CacheSize())
}
