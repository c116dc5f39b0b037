package llmtool

import (
	"encoding/json"
	"strings"

	"github.com/hrygo/taskforge/internal/errs"
)

// header is the machine-readable metadata line the tool emits before its
// free-form explanation (§6: "A leading structured header delimits
// machine-readable metadata").
type header struct {
	TokensUsed    int64    `json:"tokens_used"`
	CreatedFiles  []string `json:"created_files"`
	ModifiedFiles []string `json:"modified_files"`
}

// ParseOutput splits raw tool stdout into its structured header and
// free-form body. The header is the first line, a JSON object; the body is
// everything after that line, minus one leading blank separator line if
// present. A missing, malformed, or
// non-object header is a ProtocolError — per §9's Open Question, this
// engine defines a single structured contract and rejects anything else
// rather than heuristically parsing free text.
func ParseOutput(raw string) (*Output, error) {
	firstNL := strings.IndexByte(raw, '\n')
	var headerLine, rest string
	if firstNL < 0 {
		headerLine, rest = raw, ""
	} else {
		headerLine, rest = raw[:firstNL], raw[firstNL+1:]
	}
	headerLine = strings.TrimSpace(headerLine)
	if headerLine == "" {
		return nil, errs.New(errs.ProtocolError, "empty output header", nil)
	}

	var h header
	if err := json.Unmarshal([]byte(headerLine), &h); err != nil {
		return nil, errs.New(errs.ProtocolError, "malformed output header", err)
	}
	if h.TokensUsed < 0 {
		return nil, errs.New(errs.ProtocolError, "negative tokens_used in output header", nil)
	}

	// The body may itself start with a blank separator line; trim exactly
	// one leading newline left over from the split, preserving the rest
	// of the text verbatim.
	rest = strings.TrimPrefix(rest, "\n")

	return &Output{
		Text:          rest,
		CreatedFiles:  h.CreatedFiles,
		ModifiedFiles: h.ModifiedFiles,
		TokensUsed:    h.TokensUsed,
	}, nil
}
