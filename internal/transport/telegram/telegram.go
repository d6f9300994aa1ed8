// Package telegram implements transport.Sender on top of telebot.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"positionbot/internal/transport"
	"positionbot/pkg/logx"
)

const (
	textLimit         = 4000
	defaultHTTPTimeout = 15 * time.Second
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot API server).
	APIURL      string
	HTTPTimeout time.Duration
	// Offline skips the getMe handshake in New.
	Offline bool
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

var _ transport.Sender = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{bot: b, log: log}, nil
}

// Send posts text to recipientID, splitting it when it exceeds the
// platform limit. Chunks already sent stay sent when a later one fails.
func (a *Adapter) Send(ctx context.Context, recipientID int64, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: recipientID}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}

	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.send(ctx, chat, chunk, sendOpt); err != nil {
			if i > 0 {
				a.log.Warn("partial send", logx.Int64("recipient_id", recipientID), logx.Int("chunk", i), logx.Err(err))
			}
			return classify(err)
		}
	}
	return nil
}

// send runs one Bot API call and returns early when ctx ends. The HTTP client
// timeout bounds the abandoned call.
func (a *Adapter) send(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) error {
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(chat, text, opt)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// classify maps Bot API failures onto the transport error helpers.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrUserIsDeactivated) {
		return transport.Permanent(err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		return transport.Permanent(err)
	}

	msg := err.Error()
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		if secs, convErr := strconv.Atoi(m[1]); convErr == nil {
			return transport.RetryAfter(err, time.Duration(secs)*time.Second)
		}
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "chat not found") ||
		strings.Contains(lower, "bot was blocked") ||
		strings.Contains(lower, "user is deactivated") {
		return transport.Permanent(err)
	}
	return err
}

// splitText splits s into chunks of at most limit runes. It prefers newline
// boundaries. In MarkdownV2 a chunk never ends inside an entity or between
// an escape and its character, unless a single entity is longer than limit.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	markdown := strings.HasPrefix(strings.ToLower(parseMode), "markdown")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = cutPoint(rs, start, end, limit, markdown)
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// cutPoint picks the end of the chunk that starts at start, no later than
// stop: a newline in the last two thirds of the window, else the latest
// point outside any entity, else stop itself.
func cutPoint(rs []rune, start, stop, limit int, markdown bool) int {
	var clean []bool
	if markdown {
		clean = entityCuts(rs, start, stop)
	}
	safe := func(p int) bool { return clean == nil || clean[p-start] }

	for i := stop - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= limit/3 && safe(i+1) {
			return i + 1
		}
	}
	if !markdown {
		return stop
	}
	for p := stop; p > start; p-- {
		if safe(p) {
			return p
		}
	}

	// An entity wider than the window: cut it, but keep an escape whole.
	n := 0
	for i := stop - 1; i >= start && rs[i] == '\\'; i-- {
		n++
	}
	if n%2 == 1 && stop-1 > start {
		return stop - 1
	}
	return stop
}

var toggleMarks = []string{"__", "||", "*", "_", "~"}

// entityCuts scans rs[start:stop] as MarkdownV2 and reports for each p in
// [start, stop] whether a chunk may end right before rs[p].
func entityCuts(rs []rune, start, stop int) []bool {
	clean := make([]bool, stop-start+1)
	var (
		pre, code, text, url bool
		open                 uint8
	)
	i := start
	for i < stop {
		clean[i-start] = !pre && !code && !text && !url && open == 0
		n := 1
		switch {
		case rs[i] == '\\':
			n = 2
		case pre:
			if hasToken(rs, i, "```") {
				pre, n = false, 3
			}
		case code:
			code = rs[i] != '`'
		case url:
			url = rs[i] != ')'
		case hasToken(rs, i, "```"):
			pre, n = true, 3
		case rs[i] == '`':
			code = true
		case rs[i] == '[':
			text = true
		case rs[i] == ']' && text:
			text = false
			if hasToken(rs, i+1, "(") {
				url, n = true, 2
			}
		default:
			for k, m := range toggleMarks {
				if hasToken(rs, i, m) {
					open ^= 1 << k
					n = len(m)
					break
				}
			}
		}
		i += n
	}
	if i == stop {
		clean[stop-start] = !pre && !code && !text && !url && open == 0
	}
	return clean
}

func hasToken(rs []rune, i int, tok string) bool {
	for _, r := range tok {
		if i >= len(rs) || rs[i] != r {
			return false
		}
		i++
	}
	return true
}
