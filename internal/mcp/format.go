package mcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const labelWidth = 20

// report builds the markdown text a tool returns.
type report struct {
	b strings.Builder
}

func newReport(title string) *report {
	r := &report{}
	r.heading(title)
	return r
}

// heading starts a "##" section, separated from earlier content by a
// blank line.
func (r *report) heading(title string) {
	if r.b.Len() > 0 {
		r.b.WriteString("\n")
	}
	r.b.WriteString("## " + title + "\n")
}

func (r *report) subheading(title string) {
	r.b.WriteString("\n### " + title + "\n")
}

func (r *report) row(label string, value any) {
	fmt.Fprintf(&r.b, "%-*s %v\n", labelWidth, label+":", value)
}

func (r *report) line(format string, args ...any) {
	fmt.Fprintf(&r.b, format, args...)
	r.b.WriteString("\n")
}

func (r *report) lines(items []string) {
	for _, it := range items {
		r.line("%s", it)
	}
}

func (r *report) String() string {
	return strings.TrimRight(r.b.String(), "\n")
}

// amount groups the digits of a decimal integer. Token amounts arrive as
// strings because they overflow float64; anything else is printed as is.
func amount(v any) string {
	switch n := v.(type) {
	case string:
		if isInteger(n) {
			return groupDigits(n)
		}
		return n
	case float64:
		if n == float64(int64(n)) {
			return groupDigits(strconv.FormatInt(int64(n), 10))
		}
		return strconv.FormatFloat(n, 'f', 1, 64)
	case int:
		return groupDigits(strconv.Itoa(n))
	case int64:
		return groupDigits(strconv.FormatInt(n, 10))
	case uint64:
		return groupDigits(strconv.FormatUint(n, 10))
	case nil:
		return "-"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isInteger(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func groupDigits(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}

	var b strings.Builder
	b.WriteString(sign)
	head := len(s) % 3
	if head == 0 {
		head = 3
	}
	b.WriteString(s[:head])
	for i := head; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func millis(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "ms"
}

// timestamp renders t in UTC, or "-" when unset.
func timestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}

// shortHash abbreviates a transaction hash for step listings.
func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:10] + "..." + h[len(h)-6:]
}
