package router

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	rtsup "shieldbot/internal/runtime/supervisor"
	kit "shieldbot/internal/transport"
	logx "shieldbot/pkg/logx"
)

// DispatchLoop routes updates until ctx is done or updates is closed.
// Handlers run on a bounded worker pool; when the pool queue is full the
// sender gets BusyText.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.log.Info("command dispatcher started", logx.Int("workers", m.opt.Workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.opt.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					m.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, ok := m.lookup(word)
	if !ok {
		if m.opt.UnknownText != "" {
			_, _ = m.sender.SendText(ctx, chat, m.opt.UnknownText, nil)
		}
		return
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         parts[1:],
		ReqID:        rid,
		Sender:       m.sender,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.opt.DefaultTimeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	select {
	case m.jobs <- func() { _ = final(ctx, req) }:
	default:
		m.log.Warn("command queue full", logx.String("cmd", cmd.Name), logx.Int64("chat_id", msg.ChatID))
		if m.opt.BusyText != "" {
			_, _ = m.sender.SendText(ctx, chat, m.opt.BusyText, nil)
		}
	}
}

// tokenizeCommandLine splits command text on whitespace; quotes group words.
//
//	/setshield "Nala Wuxin" 7days 02:45
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case inQ && ch == qChar:
			inQ = false
		case inQ:
			buf.WriteRune(ch)
		case ch == '"':
			inQ = true
			qChar = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}
