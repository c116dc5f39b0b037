package llmtool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/taskforge/internal/errs"
)

func TestParseOutputHappyPath(t *testing.T) {
	raw := `{"tokens_used":42,"created_files":["a.go"],"modified_files":["b.go"]}
Here is what I did.
Second line.`
	out, err := ParseOutput(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 42, out.TokensUsed)
	assert.Equal(t, []string{"a.go"}, out.CreatedFiles)
	assert.Equal(t, []string{"b.go"}, out.ModifiedFiles)
	assert.Contains(t, out.Text, "Here is what I did.")
}

func TestParseOutputMalformedHeader(t *testing.T) {
	_, err := ParseOutput("not json\nbody")
	require.Error(t, err)
	assert.Equal(t, errs.ProtocolError, errs.KindOf(err))
}

func TestParseOutputEmpty(t *testing.T) {
	_, err := ParseOutput("")
	assert.Error(t, err)
}

func TestParseOutputNegativeTokens(t *testing.T) {
	_, err := ParseOutput(`{"tokens_used":-1}` + "\nbody")
	assert.Error(t, err)
}

func TestParseOutputNoBody(t *testing.T) {
	out, err := ParseOutput(`{"tokens_used":1,"created_files":[],"modified_files":[]}`)
	require.NoError(t, err)
	assert.Empty(t, out.Text)
}
