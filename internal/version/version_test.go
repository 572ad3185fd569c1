package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	assert.Equal(t, "dev (commit: unknown)", Full())
	assert.Contains(t, FullWithPlatform(), GOOS+"/"+GOARCH)
	assert.Equal(t, "torrentstats/dev", UserAgent())
}
