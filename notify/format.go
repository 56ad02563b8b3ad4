package notify

import (
	"strconv"
	"strings"

	"carwatch/pkg/carwatch"
)

// FormatBody renders the notification text for a matched listing.
func FormatBody(l *carwatch.Listing, filterName string) string {
	var b strings.Builder

	b.WriteString("🚗 <b>Новое объявление по вашему фильтру: " + escapeHTML(filterName) + "</b>\n\n")

	switch {
	case l.Brand != "" && l.Model != "":
		b.WriteString("🔹 <b>" + escapeHTML(l.Brand+" "+l.Model) + "</b>\n")
	case l.Title != "":
		b.WriteString("🔹 <b>" + escapeHTML(l.Title) + "</b>\n")
	}

	if l.Year != nil {
		b.WriteString("📅 Год: " + strconv.Itoa(*l.Year) + "\n")
	}
	if l.Price != nil {
		b.WriteString("💰 Цена: " + groupDigits(*l.Price) + " ₽\n")
	}
	if l.Mileage != nil {
		b.WriteString("🛣️ Пробег: " + groupDigits(*l.Mileage) + " км\n")
	}
	if l.Region != "" {
		b.WriteString("📍 Регион: " + escapeHTML(l.Region) + "\n")
	}

	b.WriteString("\n🔗 <a href=\"" + escapeHTML(l.URL) + "\">Посмотреть объявление</a>")
	return b.String()
}

func subject(l *carwatch.Listing, filterName string) string {
	name := l.Title
	if l.Brand != "" && l.Model != "" {
		name = l.Brand + " " + l.Model
	}
	return filterName + ": " + name
}

// groupDigits formats n with spaces between thousands: 550000 -> "550 000".
func groupDigits(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}

// htmlDocument wraps a chat-formatted body for email clients.
func htmlDocument(msg *Message) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n</head>\n<body style=\"font-family: sans-serif; line-height: 1.5;\">\n")
	if msg.PhotoURL != "" {
		b.WriteString("<p><img src=\"" + escapeHTML(msg.PhotoURL) + "\" alt=\"\" style=\"max-width: 100%;\"></p>\n")
	}
	b.WriteString("<p>" + strings.ReplaceAll(msg.Body, "\n", "<br>\n") + "</p>\n")
	b.WriteString("</body>\n</html>\n")
	return b.String()
}
