package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcluded(t *testing.T) {
	assert.False(t, excluded(nil, []string{"embedded"}))
	assert.False(t, excluded([]string{"embedded"}, nil))
	assert.False(t, excluded([]string{"embedded"}, []string{"desktop"}))
	assert.True(t, excluded([]string{"embedded"}, []string{"embedded"}))
	assert.True(t, excluded([]string{"gpu", "embedded"}, []string{"desktop", "embedded"}))
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "1234567", shortSHA("1234567890abcdef"))
	assert.Equal(t, "abc", shortSHA("abc"))
}
