package text

import "regexp"

var senderBoundaryPattern = regexp.MustCompile(`(?m)^From: `)

// SplitMessages cuts a document into its messages at every line starting with
// the sender header and returns them normalized, oldest first. Source files
// quote the most recent message on top, so the fragment order is reversed.
func SplitMessages(raw string) []string {
	bounds := senderBoundaryPattern.FindAllStringIndex(raw, -1)

	fragments := make([]string, 0, len(bounds)+1)
	start := 0
	for _, bound := range bounds {
		if bound[0] > start {
			fragments = append(fragments, raw[start:bound[0]])
		}
		start = bound[0]
	}
	if start < len(raw) {
		fragments = append(fragments, raw[start:])
	}

	messages := make([]string, len(fragments))
	for i, fragment := range fragments {
		messages[len(fragments)-1-i] = Normalize(fragment)
	}
	return messages
}
