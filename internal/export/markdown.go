package export

import (
	"strconv"
	"strings"

	"quire/api/internal/block"
)

// Markdown renders the visible blocks of snap in document order. Block
// text is escaped so it reads back as the same plain text.
func Markdown(snap block.Snapshot) string {
	var b strings.Builder
	if snap.Title != "" {
		b.WriteString("# ")
		b.WriteString(escapeLine(snap.Title))
		b.WriteString("\n\n")
	}

	number := 0
	for i, v := range snap.Blocks {
		if v.Kind == block.KindNumberedItem {
			number++
		} else {
			number = 0
		}
		if i > 0 && !(listKind(v.Kind) && snap.Blocks[i-1].Kind == v.Kind) {
			b.WriteString("\n")
		}
		writeBlock(&b, v, number)
	}
	return b.String()
}

func listKind(k block.Kind) bool {
	return k == block.KindBulletItem || k == block.KindNumberedItem || k == block.KindTodoItem
}

func writeBlock(b *strings.Builder, v block.View, number int) {
	switch v.Kind {
	case block.KindHeading1:
		b.WriteString("## " + escapeLine(v.Content) + "\n")
	case block.KindHeading2:
		b.WriteString("### " + escapeLine(v.Content) + "\n")
	case block.KindHeading3:
		b.WriteString("#### " + escapeLine(v.Content) + "\n")
	case block.KindBulletItem:
		b.WriteString("- " + escapeLine(v.Content) + "\n")
	case block.KindNumberedItem:
		b.WriteString(strconv.Itoa(number) + ". " + escapeLine(v.Content) + "\n")
	case block.KindTodoItem:
		box := "[ ] "
		if v.Checked != nil && *v.Checked {
			box = "[x] "
		}
		b.WriteString("- " + box + escapeLine(v.Content) + "\n")
	case block.KindQuote:
		for _, line := range strings.Split(v.Content, "\n") {
			b.WriteString("> " + escapeText(line) + "\n")
		}
	case block.KindCode:
		lang := ""
		if v.Language != nil {
			lang = *v.Language
		}
		fence := codeFence(v.Content)
		b.WriteString(fence + lang + "\n" + v.Content)
		if !strings.HasSuffix(v.Content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(fence + "\n")
	default:
		lines := strings.Split(v.Content, "\n")
		for i, line := range lines {
			b.WriteString(escapeText(line))
			if i < len(lines)-1 {
				b.WriteString("  ")
			}
			b.WriteString("\n")
		}
	}
}

// codeFence returns a backtick fence longer than any run inside content.
func codeFence(content string) string {
	longest, run := 0, 0
	for _, r := range content {
		if r == '`' {
			run++
			longest = max(longest, run)
			continue
		}
		run = 0
	}
	return strings.Repeat("`", max(3, longest+1))
}

// escapeLine flattens newlines for single-line constructs.
func escapeLine(s string) string {
	return escapeText(strings.ReplaceAll(s, "\n", " "))
}

func escapeText(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch r {
		case '\\', '`', '*', '_', '[', ']', '<', '>', '#', '|', '~':
			b.WriteByte('\\')
		case '-', '+', '=':
			if strings.TrimSpace(s[:i]) == "" {
				b.WriteByte('\\')
			}
		case '.', ')':
			if isDigits(strings.TrimSpace(s[:i])) {
				b.WriteByte('\\')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
