package phase

import "strings"

// playgroundTriggers are the fragments that reveal the code playground.
var playgroundTriggers = []string{
	`show_playground": true`,
	"[NEAR-SOLUTION]",
	"[NEAR_SOLUTION]",
}

// RevealsPlayground reports whether content carries a playground trigger.
// It is meant to run against partial content on every chunk.
func RevealsPlayground(content string) bool {
	for _, trigger := range playgroundTriggers {
		if strings.Contains(content, trigger) {
			return true
		}
	}
	return false
}
