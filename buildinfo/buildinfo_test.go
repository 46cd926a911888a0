package buildinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullVersion(t *testing.T) {
	version, commit := Version, Commit
	t.Cleanup(func() { Version, Commit = version, commit })

	Version, Commit = "1.2.0", ""
	assert.Equal(t, "1.2.0", FullVersion())
	assert.False(t, IsDev())

	Commit = "abc1234"
	assert.Equal(t, "1.2.0 (abc1234)", FullVersion())
	assert.Equal(t, "davi-pay-agent/1.2.0", UserAgent())
	assert.True(t, strings.HasPrefix(BuildInfo(), "davi-pay-agent 1.2.0 (abc1234)\n"))
}
