package script

import (
	"strconv"
	"strings"
)

// MatchChoice resolves raw user text against a node's choices. Matching is
// deterministic and total: the input is trimmed and lower-cased, compared
// case-insensitively against each label in list order (first exact match
// wins), and finally interpreted as a 1-based ordinal into the choice list if
// it is a bare positive integer. Returns the matched index, or ok=false when
// nothing matches.
func MatchChoice(input string, choices []Choice) (int, bool) {
	text := strings.ToLower(strings.TrimSpace(input))
	if text == "" || len(choices) == 0 {
		return 0, false
	}

	for i, c := range choices {
		if strings.ToLower(strings.TrimSpace(c.Label)) == text {
			return i, true
		}
	}

	if ord, err := strconv.Atoi(text); err == nil {
		if ord >= 1 && ord <= len(choices) {
			return ord - 1, true
		}
	}

	return 0, false
}
