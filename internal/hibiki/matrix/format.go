package matrix

import "strings"

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// markdownToHTML converts the small Markdown subset models commonly emit
// (fenced code, inline code, bold) to Matrix HTML. Everything else is
// escaped and passed through.
func markdownToHTML(md string) string {
	// Fenced blocks first so their content is not touched by inline passes.
	var out strings.Builder
	lines := strings.Split(strings.TrimRight(md, "\n"), "\n")
	inCode := false
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			if !inCode {
				out.WriteString("<pre><code>")
			} else {
				out.WriteString("</code></pre>")
			}
			inCode = !inCode
			continue
		}
		out.WriteString(htmlEscaper.Replace(line))
		if i < len(lines)-1 {
			out.WriteString("\n")
		}
	}
	if inCode {
		// Streaming partials often stop inside a block.
		out.WriteString("</code></pre>")
	}

	var b strings.Builder
	for i, part := range splitPre(out.String()) {
		if i%2 == 1 {
			b.WriteString(part)
			continue
		}
		part = replaceDelimited(part, "`", "<code>", "</code>")
		part = replaceDelimited(part, "**", "<strong>", "</strong>")
		b.WriteString(strings.ReplaceAll(part, "\n", "<br/>"))
	}
	return b.String()
}

// splitPre splits s into alternating outside/inside <pre> segments.
func splitPre(s string) []string {
	var parts []string
	for {
		start := strings.Index(s, "<pre><code>")
		if start < 0 {
			return append(parts, s)
		}
		end := strings.Index(s[start:], "</code></pre>")
		if end < 0 {
			return append(parts, s)
		}
		end += start + len("</code></pre>")
		parts = append(parts, s[:start], s[start:end])
		s = s[end:]
	}
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim)
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
