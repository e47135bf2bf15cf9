// internal/filter/filter_test.go
package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckScoresAndSanitizes(t *testing.T) {
	c, err := New("2:forbidden\n1:shady\n# comment", []string{"darn"})
	require.NoError(t, err)

	score, matches := c.Check("a Forbidden and shady thing")
	assert.Equal(t, 3, score)
	assert.ElementsMatch(t, []string{"Forbidden", "shady"}, matches)

	score, _ = c.Check("cute robots")
	assert.Zero(t, score)

	clean, ok := c.Sanitize("a forbidden robot")
	assert.True(t, ok)
	assert.Equal(t, "a robot", clean)

	_, ok = c.Sanitize("forbidden")
	assert.False(t, ok)

	assert.True(t, c.IsProfane("my DARN worker"))
	assert.False(t, c.IsProfane("darnation"))
}

func TestNewRejectsMalformedRules(t *testing.T) {
	_, err := New("no-score-here", nil)
	assert.Error(t, err)

	_, err = New("x:abc", nil)
	assert.Error(t, err)
}
