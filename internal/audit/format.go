package audit

import (
	"encoding/json"
	"fmt"
	"strings"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTable renders receipts as a human-readable listing, newest first.
func FormatTable(receipts []Receipt) string {
	if len(receipts) == 0 {
		return "No receipts found.\n"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-19s %-8s %-36s %-14s %s\n", "TIME (UTC)", "EVENT", "RECEIPT", "USER", "SQL"))
	b.WriteString(separator + "\n")

	executed, denied := 0, 0
	for _, r := range receipts {
		switch r.EventType {
		case EventExecuted:
			executed++
		case EventDenied:
			denied++
		}
		b.WriteString(fmt.Sprintf("%-19s %-8s %-36s %-14s %s\n",
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			r.EventType,
			r.ReceiptID,
			truncate(r.UserID, 14),
			truncate(oneLine(r.SQL), 60),
		))
	}

	b.WriteString(separator + "\n")
	b.WriteString(fmt.Sprintf("Summary: %d receipts | %d executed, %d denied\n", len(receipts), executed, denied))
	return b.String()
}

// FormatJSON renders receipts as indented JSON with a count, the shape the
// MCP audit tool also returns.
func FormatJSON(receipts []Receipt) (string, error) {
	if receipts == nil {
		receipts = []Receipt{}
	}
	data, err := json.MarshalIndent(struct {
		Count int       `json:"count"`
		Rows  []Receipt `json:"rows"`
	}{len(receipts), receipts}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal receipts: %w", err)
	}
	return string(data), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
