package dispatch

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ChatType distinguishes one-to-one chats from group rooms.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
)

// Update is a platform-neutral inbound text message.
type Update struct {
	ChatID   string
	UserID   string
	Username string
	ChatType ChatType
	Text     string
	// Command is the normalized command name without the leading slash, or
	// empty for plain text. Args is the text following the command.
	Command string
	Args    string
	// Mentioned is set by the adapter when the bot is addressed explicitly.
	Mentioned bool
}

// Private reports whether the update comes from a one-to-one chat.
func (u Update) Private() bool { return u.ChatType == ChatPrivate }

// ParseCommand splits a "/name@bot args" message. ok is false for text that
// is not a command. target is the "@bot" suffix without the "@", if any.
func ParseCommand(text string) (name, target, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", "", false
	}
	head, rest := text, ""
	if i := strings.IndexAny(text, " \n\t"); i >= 0 {
		head, rest = text[:i], strings.TrimSpace(text[i:])
	}
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head, target = head[:at], head[at+1:]
	}
	if head == "" {
		return "", "", "", false
	}
	return strings.ToLower(head), target, rest, true
}

// StripMentions removes the given names from text, matched case-insensitively
// on word boundaries, along with a trailing ":" or "," used as an address
// marker. Names starting with "@" are removed wherever they appear; bare names
// only when they open the text or are followed by ":" or ",". Longer names are
// tried first so "@bot:server" is not cut down to "@bot".
func StripMentions(text string, names ...string) string {
	sorted := append([]string(nil), names...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, name := range sorted {
		if name != "" {
			text = stripName(text, name)
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

func stripName(text, name string) string {
	anywhere := strings.HasPrefix(name, "@")
	for i := 0; i < len(text); {
		if n := foldPrefix(text[i:], name); n > 0 && wordStart(text, i) {
			end := i + n
			next, _ := utf8.DecodeRuneInString(text[end:])
			addressed := next == ':' || next == ','
			if !isWordRune(next) && (anywhere || addressed || strings.TrimSpace(text[:i]) == "") {
				text = text[:i] + strings.TrimLeft(text[end:], ":,")
				continue
			}
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return text
}

// foldPrefix reports how many bytes of s match name under simple case
// folding, or 0 when s does not start with name. Folded runes may differ in
// encoded length, so the walk is rune by rune over both strings.
func foldPrefix(s, name string) int {
	consumed := 0
	for name != "" {
		if s == "" {
			return 0
		}
		r1, n1 := utf8.DecodeRuneInString(s)
		r2, n2 := utf8.DecodeRuneInString(name)
		if r1 != r2 && !strings.EqualFold(s[:n1], name[:n2]) {
			return 0
		}
		s, name = s[n1:], name[n2:]
		consumed += n1
	}
	return consumed
}

func wordStart(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(prev)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
