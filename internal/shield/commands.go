package shield

import (
	"context"
	"errors"
	"strconv"

	kit "shieldbot/internal/transport"
	"shieldbot/internal/transport/telegram/router"
	logx "shieldbot/pkg/logx"
)

var markdown = &kit.SendOptions{ParseMode: "Markdown"}

// Commands returns the bot commands backed by m. help renders the command
// list and is resolved at call time.
func Commands(m *Manager, help func() string) []router.Command {
	return []router.Command{
		{
			Name:   "start",
			Hidden: true,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, textStart, markdown)
			},
		},
		{
			Name:        "help",
			Description: "Daftar perintah",
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, help(), markdown)
			},
		},
		{
			Name:        "setshield",
			Usage:       "/setshield <nama_akun> <durasi> <jam>",
			Description: "Set shield, contoh 7days 02:45",
			Handle:      setShieldHandler(m),
		},
		{
			Name:        "listshield",
			Description: "Daftar shield dan sisa waktunya",
			Handle:      listShieldHandler(m),
		},
		{
			Name:        "removeshield",
			Usage:       "/removeshield <nama_akun>",
			Description: "Hapus shield dan pengingatnya",
			Handle:      removeShieldHandler(m),
		},
	}
}

// HelpHeader is the title of the /help listing.
func HelpHeader() string { return textHelpHeader }

func setShieldHandler(m *Manager) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) < 3 {
			return req.Reply(ctx, textSetUsage, nil)
		}
		days, err := ParseDurationDays(req.Args[1])
		if err != nil {
			return req.Reply(ctx, textBadDuration, nil)
		}
		hour, minute, err := ParseTimeOfDay(req.Args[2])
		if err != nil {
			return req.Reply(ctx, textBadTime, nil)
		}

		res, err := m.SetShield(ctx, SetRequest{
			OwnerID:       strconv.FormatInt(req.FromID, 10),
			DestinationID: req.Chat.String(),
			AccountName:   req.Args[0],
			DurationDays:  days,
			Hour:          hour,
			Minute:        minute,
		})
		if err != nil {
			return req.Reply(ctx, setErrorText(err, m.MaxPerOwner()), nil)
		}
		return req.Reply(ctx, setOKText(res.Record.AccountName, res.Days), markdown)
	}
}

func setErrorText(err error, limit int) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve) && ve.Field == "duration":
		return textBadDuration
	case errors.As(err, &ve) && ve.Field == "time":
		return textBadTime
	case errors.Is(err, ErrValidation):
		return textSetUsage
	case errors.Is(err, ErrQuotaExceeded):
		return quotaText(limit)
	default:
		return textStorageFailed
	}
}

func listShieldHandler(m *Manager) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		items, err := m.ListShields(ctx, strconv.FormatInt(req.FromID, 10))
		if err != nil {
			req.Logger.Warn("list shields failed", logx.Err(err))
			return req.Reply(ctx, textStorageFailed, nil)
		}
		return req.Reply(ctx, ListText(items), nil)
	}
}

func removeShieldHandler(m *Manager) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) < 1 {
			return req.Reply(ctx, textRemoveUsage, nil)
		}
		account := req.Args[0]
		if err := m.RemoveShield(ctx, strconv.FormatInt(req.FromID, 10), account); err != nil {
			req.Logger.Warn("remove shield failed", logx.Err(err))
			return req.Reply(ctx, textStorageFailed, nil)
		}
		return req.Reply(ctx, removedText(account), markdown)
	}
}
