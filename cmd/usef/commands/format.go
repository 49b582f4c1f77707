package commands

import (
	"fmt"
	"io"
	"time"
)

// ═══════════════════════════════════════════════════════════
// Common Formatting Utilities
// 모든 커맨드가 동일한 출력 포맷을 사용하도록 통일
// ═══════════════════════════════════════════════════════════

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════"
	ruleLight = "───────────────────────────────────────────────────────────"
)

// printHeader prints a titled block of key/value lines
func printHeader(w io.Writer, title string, rows [][2]string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, ruleHeavy)
	fmt.Fprintf(w, "  %s\n", title)
	fmt.Fprintln(w, ruleLight)
	for _, r := range rows {
		fmt.Fprintf(w, "  %-12s: %s\n", r[0], r[1])
	}
	fmt.Fprintln(w, ruleLight)
}

// printDone prints a completion line with the elapsed time
func printDone(w io.Writer, what string, start time.Time) {
	fmt.Fprintf(w, "✅ %s in %.2fs\n", what, time.Since(start).Seconds())
}

// formatTime formats an optional timestamp
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
