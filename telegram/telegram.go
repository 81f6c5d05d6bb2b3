package telegram

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func EscapeMessage(message string) string {
	r := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"`", "\\`",
	)
	return r.Replace(message)
}

// AlertBot posts operational alerts to the admin chat. A nil inner bot
// (missing token) turns every send into a log line, so callers never need to
// check configuration themselves.
type AlertBot struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewAlertBot() *AlertBot {
	token := os.Getenv("TG_TOKEN")
	if token == "" {
		log.Println("TG_TOKEN not set, telegram alerts disabled")
		return &AlertBot{}
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Println("Error tg bot init:", err)
		return &AlertBot{}
	}
	log.Printf("Authorized on account %s", bot.Self.UserName)

	chatID, err := strconv.ParseInt(os.Getenv("TG_ADMIN_CHAT_ID"), 10, 64)
	if err != nil {
		log.Println("TG_ADMIN_CHAT_ID not set, telegram alerts disabled")
		return &AlertBot{}
	}
	return &AlertBot{bot: bot, chatID: chatID}
}

// SendAlert is fire and forget, a failed alert only logs.
func (a *AlertBot) SendAlert(message string) {
	if a == nil || a.bot == nil {
		log.Println("[Alert]", message)
		return
	}
	msg := tgbotapi.NewMessage(a.chatID, fmt.Sprintf("⚠️ %s", EscapeMessage(message)))
	msg.ParseMode = "markdown"
	if _, err := a.bot.Send(msg); err != nil {
		log.Println("Failed to send telegram alert:", err)
	}
}
