package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenMatches(t *testing.T) {
	assert.True(t, TokenMatches("s3cret", "s3cret"))
	assert.False(t, TokenMatches("s3cret", "s3cre"))
	assert.False(t, TokenMatches("s3cret", ""))
	assert.False(t, TokenMatches("", ""))
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer  abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
	_, ok = BearerToken("")
	assert.False(t, ok)
}
