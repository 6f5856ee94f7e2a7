package dispatch

import "strings"

// Normalize validates and deduplicates a batch before enqueue. It is a pure
// stage: no store access, no side effects.
//
// Dedup policy: when the same normalized recipient appears multiple times,
// the last occurrence's content wins (a corrected later entry supersedes an
// earlier one), while the item keeps the first occurrence's position so the
// batch order stays stable. Superseded and invalid entries are returned in
// the rejected list with a reason.
func Normalize(entries []Entry) (accepted []Entry, rejected []Rejection) {
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		r, ok := normalizeRecipient(e.Recipient)
		if !ok {
			rejected = append(rejected, Rejection{Recipient: e.Recipient, Reason: "invalid recipient"})
			continue
		}
		if i, dup := index[r]; dup {
			rejected = append(rejected, Rejection{Recipient: r, Reason: "duplicate: superseded by later entry"})
			accepted[i].Content = e.Content
			continue
		}
		index[r] = len(accepted)
		accepted = append(accepted, Entry{Recipient: r, Content: e.Content})
	}
	return accepted, rejected
}

// normalizeRecipient is deliberately thin: recipients arrive already
// normalized from upstream. We only strip decoration and refuse entries that
// cannot be an identifier at all.
func normalizeRecipient(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	if s == "" {
		return "", false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return s, true
}
