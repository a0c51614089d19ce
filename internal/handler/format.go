package handler

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"number-hunt-bot/internal/model"
)

// claimPattern matches captions such as "17!" or "17! found it near the bridge".
var claimPattern = regexp.MustCompile(`^(\d+)!`)

// channelUsernamePattern matches public Telegram usernames.
var channelUsernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

// ParseClaim extracts the claimed number from a media caption.
func ParseClaim(caption string) (int64, bool) {
	m := claimPattern.FindStringSubmatch(strings.TrimSpace(caption))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SubmissionID identifies a chat message across redeliveries.
func SubmissionID(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// NormalizeChannel turns "@name", "name", "t.me/name" or a numeric chat id
// into the form stored in the session.
func NormalizeChannel(arg string) (string, bool) {
	s := strings.TrimSpace(arg)
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimPrefix(s, "t.me/")
	s = strings.TrimSuffix(s, "/")

	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id >= 0 {
			return "", false
		}
		return strconv.FormatInt(id, 10), true
	}

	s = strings.TrimPrefix(s, "@")
	if !channelUsernamePattern.MatchString(s) {
		return "", false
	}
	return "@" + s, true
}

// channelRecipient addresses a channel by its stored id or @username.
type channelRecipient string

// Recipient implements tele.Recipient.
func (r channelRecipient) Recipient() string {
	return string(r)
}

// MessageLink returns the public link of a message in a chat identified by
// @username or numeric id. Basic groups have no links.
func MessageLink(chat string, messageID int) string {
	if messageID == 0 || chat == "" {
		return ""
	}
	if strings.HasPrefix(chat, "@") {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(chat, "@"), messageID)
	}
	if strings.HasPrefix(chat, "-100") {
		return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(chat, "-100"), messageID)
	}
	return ""
}

// displayName returns the name shown in replies and on the leaderboard.
func displayName(u *tele.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return fmt.Sprintf("User %d", u.ID)
	}
	return name
}

// mediaReference returns the file id of the photo or video of msg.
func mediaReference(msg *tele.Message) string {
	switch {
	case msg.Photo != nil:
		return msg.Photo.FileID
	case msg.Video != nil:
		return msg.Video.FileID
	}
	return ""
}

// RejectionText renders the reply to a rejected claim.
func RejectionText(res *model.SubmissionResult, claimed int64) string {
	switch res.Reason {
	case model.ReasonNotStarted:
		return "⏸ Охота ещё не началась. Администратор запускает её командой /hunt @канал"
	case model.ReasonAlreadySubmitted:
		return fmt.Sprintf("🔁 Номер %d уже найден! Ищем %d.", claimed, res.Expected)
	case model.ReasonOutOfOrder:
		return fmt.Sprintf("❌ Неправильный номер! Ищем %d, не %d.", res.Expected, claimed)
	}
	return "❌ Номер не принят"
}

// InfoText renders the session snapshot.
func InfoText(info *model.Info) string {
	if info.Status != model.StatusActive {
		return "⏸ Охота не запущена\n\nЗапуск: /hunt @канал"
	}
	return fmt.Sprintf(
		"💎 Последний найденный номер: %d\n"+
			"🔎 Ищем: %d\n"+
			"📢 Канал: %s",
		info.CurrentNumber-1, info.CurrentNumber, info.ChannelID,
	)
}

// StatsText renders the leaderboard as HTML. Each user's numbers link to the
// channel copy of the message when known, otherwise to the group message.
func StatsText(groupID int64, info *model.Info, entries []model.StatsEntry, history []model.HistoryEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "💎 Последний найденный номер: %d\n", info.CurrentNumber-1)

	if len(entries) == 0 {
		sb.WriteString("\nПока никто ничего не нашёл")
		return sb.String()
	}

	numbers := make(map[int64][]model.HistoryEntry, len(entries))
	for _, h := range history {
		numbers[h.UserID] = append(numbers[h.UserID], h)
	}

	groupChat := strconv.FormatInt(groupID, 10)
	sb.WriteString("\n")
	for _, e := range entries {
		name := e.Username
		if name == "" {
			name = fmt.Sprintf("User %d", e.UserID)
		}
		fmt.Fprintf(&sb, "⭐️ %s    %d", html.EscapeString(name), e.AcceptedCount)

		found := numbers[e.UserID]
		if len(found) > 0 {
			links := make([]string, 0, len(found))
			for _, h := range found {
				link := MessageLink(info.ChannelID, h.ChannelMessageID)
				if link == "" {
					link = MessageLink(groupChat, h.MessageID)
				}
				if link == "" {
					links = append(links, strconv.FormatInt(h.Number, 10))
					continue
				}
				links = append(links, fmt.Sprintf(`<a href="%s">%d</a>`, link, h.Number))
			}
			fmt.Fprintf(&sb, " (%s)", strings.Join(links, ", "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// HelpText is the reply to /start and /help.
const HelpText = "👋 Привет! Я бот для поиска номеров.\n\n" +
	"Отправь в группу фото или видео с подписью вида <code>17!</code>, " +
	"где 17 это номер, который следует за последним найденным.\n\n" +
	"📋 Команды:\n" +
	"/info - текущий номер и канал\n" +
	"/stats - кто сколько нашёл\n" +
	"/hunt @канал - запустить охоту (админы)\n" +
	"/reset - сбросить охоту (админы)"
