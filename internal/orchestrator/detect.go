package orchestrator

import "strings"

// Some models leak their internal role/channel framing as literal text
// instead of clean prose. These signatures mark such output.
var malformedMarkers = []string{
	"<|start|>",
	"<|channel|>",
	"<|message|>",
	"<|end|>",
	"<|return|>",
}

const (
	sternCleanupInstruction = "Your previous answer contained internal formatting markers. Respond again with plain natural-language text only. Do not emit any <|...|> tokens or role/channel markers."
	malformedFallback       = "I was unable to produce a clean answer for this request. Please try rephrasing it."
)

func containsMalformedMarkers(s string) bool {
	for _, marker := range malformedMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
