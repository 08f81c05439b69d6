package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	logx "shieldbot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"short"}, splitTelegramText("short", 10))

	lines := strings.Repeat("• akun: 6 hari 23 jam 59 menit\n", 300)
	chunks := splitTelegramText(lines, telegramTextLimit)
	assert.Greater(t, len(chunks), 1)
	var total int
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), telegramTextLimit)
		assert.True(t, strings.HasSuffix(c, "menit"), "chunk should end on a line boundary")
		total += strings.Count(c, "•")
	}
	assert.Equal(t, 300, total)

	// No newline at all: hard cut on rune boundaries.
	long := strings.Repeat("🛡", 25)
	chunks = splitTelegramText(long, 10)
	assert.Equal(t, []string{strings.Repeat("🛡", 10), strings.Repeat("🛡", 10), strings.Repeat("🛡", 5)}, chunks)
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}
