package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringAppendsShortCommitWhenKnown(t *testing.T) {
	old := GitCommit
	defer func() { GitCommit = old }()

	Version = "1.2.3"
	GitCommit = "abcdef1234567890"
	assert.Equal(t, "1.2.3-abcdef12", String())
}

func TestStringOmitsCommitWhenUnknown(t *testing.T) {
	old := GitCommit
	defer func() { GitCommit = old }()

	Version = "1.2.3"
	GitCommit = "unknown"
	assert.Equal(t, "1.2.3", String())
}

func TestFullIncludesAllFields(t *testing.T) {
	Version = "1.2.3"
	GitCommit = "deadbeef"
	BuildTime = "2026-01-01T00:00:00Z"
	full := Full()
	assert.Contains(t, full, "1.2.3")
	assert.Contains(t, full, "deadbeef")
	assert.Contains(t, full, "2026-01-01T00:00:00Z")
}
