package matrix

import (
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Hibiki/internal/hibiki/dispatch"
)

// Identity is how the bot can be addressed in a room.
type Identity struct {
	UserID      string
	DisplayName string
}

// Names returns the strings that count as a mention of the bot.
func (i Identity) Names() []string {
	var names []string
	if i.UserID != "" {
		names = append(names, i.UserID)
		if local := localpart(i.UserID); local != "" {
			names = append(names, "@"+local)
		}
	}
	if i.DisplayName != "" {
		names = append(names, i.DisplayName)
	}
	return names
}

func localpart(userID string) string {
	s := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// ToUpdate converts a room message into a dispatch.Update. Only m.text
// messages are accepted; edits of earlier messages are skipped.
func ToUpdate(evt *event.Event, private bool, bot Identity) (dispatch.Update, bool) {
	if evt == nil {
		return dispatch.Update{}, false
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText || strings.TrimSpace(msg.Body) == "" {
		return dispatch.Update{}, false
	}
	if msg.RelatesTo != nil && msg.RelatesTo.Type == event.RelReplace {
		return dispatch.Update{}, false
	}

	u := dispatch.Update{
		ChatID:   evt.RoomID.String(),
		UserID:   evt.Sender.String(),
		Username: localpart(evt.Sender.String()),
		ChatType: dispatch.ChatGroup,
		Text:     msg.Body,
	}
	if private {
		u.ChatType = dispatch.ChatPrivate
	}
	u.Mentioned = mentioned(msg, bot)
	return u, true
}

func mentioned(msg *event.MessageEventContent, bot Identity) bool {
	if msg.Mentions != nil {
		for _, uid := range msg.Mentions.UserIDs {
			if uid == id.UserID(bot.UserID) {
				return true
			}
		}
	}
	body := strings.ToLower(msg.Body)
	for _, name := range bot.Names() {
		if strings.Contains(body, strings.ToLower(name)) {
			return true
		}
	}
	return false
}
