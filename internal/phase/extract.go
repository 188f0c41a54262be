package phase

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel lines delimiting an embedded payload block.
const (
	StartMarker = "<!--JSON_START-->"
	EndMarker   = "<!--JSON_END-->"
)

// Result is the outcome of Extract.
type Result struct {
	// Phase is nil when no complete, valid block was found.
	Phase Data
	// Text is the narrative to show next to the structured rendering.
	Text string
	// Malformed is set when a complete block was found but its payload did
	// not classify.
	Malformed bool
}

// lineSpan locates a line inside the content; end excludes the newline.
type lineSpan struct {
	start, end int
}

// Extract separates an embedded phase block from the narrative. Without a
// complete start/end marker pair the content is returned unchanged, which
// covers messages still streaming their payload.
func Extract(content string) Result {
	start, ok := findMarkerLine(content, StartMarker, 0)
	if !ok {
		return Result{Text: content}
	}
	end, ok := findMarkerLine(content, EndMarker, nextLine(content, start.end))
	if !ok {
		return Result{Text: content}
	}

	payloadFrom := nextLine(content, start.end)
	payload := ""
	if payloadFrom < end.start {
		payload = content[payloadFrom:end.start]
	}

	data, ok := Classify([]byte(payload))
	if !ok {
		return Result{Text: content, Malformed: true}
	}

	blockEnd := nextLine(content, end.end)
	if blank, ok := blankLineAt(content, blockEnd); ok {
		blockEnd = blank
	}
	return Result{Phase: data, Text: content[:start.start] + content[blockEnd:]}
}

// Wrap renders data as a sentinel-delimited block followed by one blank line.
func Wrap(data Data) (string, error) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", data.Kind(), err)
	}
	return StartMarker + "\n" + string(raw) + "\n" + EndMarker + "\n\n", nil
}

// findMarkerLine finds the first line at or after from whose content, minus
// surrounding whitespace, equals marker.
func findMarkerLine(content, marker string, from int) (lineSpan, bool) {
	for pos := from; pos <= len(content); {
		idx := strings.Index(content[pos:], marker)
		if idx < 0 {
			return lineSpan{}, false
		}
		at := pos + idx
		lineStart := at
		for lineStart > 0 && content[lineStart-1] != '\n' {
			lineStart--
		}
		lineEnd := len(content)
		if nl := strings.IndexByte(content[at:], '\n'); nl >= 0 {
			lineEnd = at + nl
		}
		if strings.TrimSpace(content[lineStart:lineEnd]) == marker {
			return lineSpan{start: lineStart, end: lineEnd}, true
		}
		pos = at + len(marker)
	}
	return lineSpan{}, false
}

// nextLine returns the offset just past the newline ending at lineEnd.
func nextLine(content string, lineEnd int) int {
	if lineEnd < len(content) {
		return lineEnd + 1
	}
	return lineEnd
}

// blankLineAt reports whether a whitespace-only line starts at pos and
// returns the offset after it.
func blankLineAt(content string, pos int) (int, bool) {
	if pos >= len(content) {
		return pos, false
	}
	nl := strings.IndexByte(content[pos:], '\n')
	if nl < 0 {
		return pos, false
	}
	if strings.TrimSpace(content[pos:pos+nl]) != "" {
		return pos, false
	}
	return pos + nl + 1, true
}
