package shield

import (
	"fmt"
	"strings"
)

// User-facing texts. Reminder and digest texts use Telegram Markdown.
const (
	textStart         = "Halo! Saya *Bot_ShieldDuration* - pengingat shield Lords Mobile.\nGunakan /setshield untuk mulai."
	textHelpHeader    = "🛡️ *Perintah Bot Shield*"
	textSetUsage      = "Gunakan: /setshield <nama_akun> <durasi> <jam>\nContoh: /setshield NalaWuxin 7days 02:45"
	textBadDuration   = "Format durasi salah. Contoh format yang benar: 7days"
	textBadTime       = "Format jam salah. Contoh: 02:45"
	textRemoveUsage   = "Gunakan: /removeshield <nama_akun>"
	textEmptyList     = "Belum ada shield yang diset."
	textListHeader    = "🛡️ Daftar Shield Akun:"
	textDigestHeader  = "📋 *Ringkasan Shield Hari Ini*"
	textStorageFailed = "Gagal menyimpan data shield. Coba lagi nanti."
)

// ReminderText is the notification for one reminder kind.
func ReminderText(k Kind, account string) string {
	name := boldMarkdown(account)
	switch k {
	case KindOneHour:
		return "⚠️ Shield akun " + name + " sisa 1 jam!"
	case KindFiveMin:
		return "⏰ Shield akun " + name + " sisa 5 menit!"
	default:
		return "💥 Shield akun " + name + " sudah HABIS! Segera aktifkan lagi."
	}
}

func quotaText(limit int) string {
	return fmt.Sprintf("⚠️ Batas maksimal %d akun tercapai.", limit)
}

func setOKText(account string, days int) string {
	return fmt.Sprintf("✅ Shield %s diset selama %d hari. Aku akan ingatkan 1 jam, 5 menit sebelumnya, dan saat habis.", boldMarkdown(account), days)
}

func removedText(account string) string {
	return fmt.Sprintf("❌ Shield %s dihapus dari daftar pengingat.", boldMarkdown(account))
}

// ListText renders a plain-text listing.
func ListText(items []Listing) string {
	if len(items) == 0 {
		return textEmptyList
	}
	var b strings.Builder
	b.WriteString(textListHeader)
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(&b, "• %s: %s tersisa\n", it.AccountName, it.Remaining)
	}
	return b.String()
}

// DigestText renders the Markdown daily summary for one destination.
func DigestText(items []Listing) string {
	var b strings.Builder
	b.WriteString(textDigestHeader)
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(&b, "• %s: %s\n", escapeMarkdown(it.AccountName), it.Remaining)
	}
	return b.String()
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// escapeMarkdown escapes legacy Markdown markers outside an entity.
func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }

// boldMarkdown wraps s in a bold entity. Legacy Markdown has no escapes
// inside entities, so a literal '*' closes the entity, is escaped, and
// reopens it.
func boldMarkdown(s string) string {
	return "*" + strings.ReplaceAll(s, "*", `*\**`) + "*"
}
