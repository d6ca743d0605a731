package tui

import "strings"

// humanError keeps the innermost message of a wrapped error string and
// capitalizes it: "step step2: summarize: connection refused" becomes
// "Connection refused".
func humanError(msg string) string {
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return ""
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
