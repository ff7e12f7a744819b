package eventlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventKeysSortByPosition(t *testing.T) {
	k1 := KeyEvent("general", 1)
	k2 := KeyEvent("general", 256)
	k3 := KeyEvent("general", 1<<40)
	assert.Negative(t, bytes.Compare(k1, k2))
	assert.Negative(t, bytes.Compare(k2, k3))
	assert.True(t, bytes.HasPrefix(k1, KeyEventPrefix("general")))
	assert.False(t, bytes.HasPrefix(KeyEvent("general2", 1), KeyEventPrefix("general")))
}

func TestOriginKeysAreIsolatedPerOrigin(t *testing.T) {
	a := KeyOrigin("general", "alpha", 3)
	assert.True(t, bytes.HasPrefix(a, KeyOriginPrefix("general", "alpha")))
	assert.False(t, bytes.HasPrefix(KeyOrigin("general", "alpha2", 3), KeyOriginPrefix("general", "alpha")))
	pos, ok := positionFromKey(a)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), pos)
}

func TestValidName(t *testing.T) {
	assert.NoError(t, ValidName("general"))
	assert.NoError(t, ValidName("beta.example:8448"))
	assert.Error(t, ValidName(""))
	assert.Error(t, ValidName("a/b"))
}
