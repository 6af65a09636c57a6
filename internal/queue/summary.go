package queue

import "strings"

const maxStoredErrorLen = 1024

// summarizeError bounds what lands in the tasks.error column. Handler
// errors can embed whole HTML bodies or scraper dumps; the first line,
// capped, is enough for triage and the full text stays in the logs.
func summarizeError(msg string) string {
	msg = strings.TrimSpace(msg)
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = strings.TrimSpace(msg[:idx])
	}
	return truncateString(msg, maxStoredErrorLen)
}

func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen]
}
