package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kit "shieldbot/internal/transport"
	logx "shieldbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string   // without leading slash, e.g. "setshield"
	Aliases     []string // e.g. ["ss"]
	Description string
	Usage       string
	Hidden      bool          // kept out of /help and the Telegram menu
	Timeout     time.Duration // 0 uses Options.DefaultTimeout
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, opt)
	return err
}

type Options struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	// UnknownText is replied to unregistered commands; empty stays silent.
	UnknownText string
	BusyText    string
}

type CommandManager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command // name and aliases
	order []*Command

	log    logx.Logger
	sender kit.Sender
	opt    Options

	jobs chan func()
}

func NewCommandManager(log logx.Logger, sender kit.Sender, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.DefaultTimeout <= 0 {
		opt.DefaultTimeout = 30 * time.Second
	}
	return &CommandManager{
		cmds:   map[string]*Command{},
		log:    log,
		sender: sender,
		opt:    opt,
		jobs:   make(chan func(), opt.QueueSize),
	}
}

// SetRegistry replaces the command set. Names and aliases are matched
// case-insensitively.
func (m *CommandManager) SetRegistry(cmds []Command) {
	byName := map[string]*Command{}
	order := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := normalizeName(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		cp := &c
		byName[name] = cp
		order = append(order, cp)
		for _, a := range c.Aliases {
			if a = normalizeName(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = cp
				}
			}
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.order = order
	m.mu.Unlock()
}

// Commands returns the registered commands in registration order.
func (m *CommandManager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.order))
	for _, c := range m.order {
		out = append(out, *c)
	}
	return out
}

func (m *CommandManager) lookup(name string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cmds[normalizeName(name)]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
}

func newReqID() string {
	return uuid.NewString()[:8]
}
