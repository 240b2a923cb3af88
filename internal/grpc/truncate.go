package grpc

import "fmt"

// maxLogBodyLen caps request and response bodies written to debug logs.
const maxLogBodyLen = 2048

// truncateForLog shortens s to maxLogBodyLen bytes, noting the full size.
func truncateForLog(s string) string {
	if len(s) <= maxLogBodyLen {
		return s
	}
	return s[:maxLogBodyLen] + fmt.Sprintf("... (%d bytes total)", len(s))
}
