package shadow

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type normalizedStep struct {
	Tool   string
	Args   string
	OK     bool
	Result string
	Error  string
}

type normalizedOutcome struct {
	Text    string
	Results []normalizedStep
}

// Match reports whether two outcomes are structurally equal. Both sides must
// have succeeded. Text is compared with whitespace folded, tool results are
// compared as a multiset with JSON in canonical form, and Plan is ignored.
func Match(v1 *Outcome, v1Err error, v2 *Outcome, v2Err error) bool {
	if v1Err != nil || v2Err != nil || v1 == nil || v2 == nil {
		return false
	}
	return cmp.Equal(normalize(v1), normalize(v2),
		cmpopts.EquateEmpty(),
		cmpopts.SortSlices(lessStep),
	)
}

func normalize(o *Outcome) normalizedOutcome {
	n := normalizedOutcome{Text: strings.Join(strings.Fields(o.Text), " ")}
	for _, s := range o.Results {
		n.Results = append(n.Results, normalizedStep{
			Tool:   s.Tool,
			Args:   canonicalJSON(s.Args),
			OK:     s.OK,
			Result: canonicalJSON(s.Result),
			Error:  s.Error,
		})
	}
	return n
}

func lessStep(a, b normalizedStep) bool {
	if a.Tool != b.Tool {
		return a.Tool < b.Tool
	}
	if a.Args != b.Args {
		return a.Args < b.Args
	}
	if a.OK != b.OK {
		return !a.OK
	}
	if a.Error != b.Error {
		return a.Error < b.Error
	}
	return a.Result < b.Result
}

// canonicalJSON re-encodes raw with sorted object keys; invalid JSON is compared as trimmed text.
func canonicalJSON(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(trimmed)
	}
	return string(out)
}
