package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"positionbot/internal/transport"
	"positionbot/pkg/logx"
)

type botAPI struct {
	mu     sync.Mutex
	calls  []string
	status int
	body   string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.calls = append(b.calls, r.URL.Path+" "+string(raw))
	status, body := b.status, b.body
	b.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
		body = `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (b *botAPI) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func newTestAdapter(t *testing.T, api *botAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "test-token", APIURL: srv.URL, Offline: true, HTTPTimeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestSendPostsMessage(t *testing.T) {
	api := &botAPI{}
	a := newTestAdapter(t, api)

	err := a.Send(context.Background(), 42, "hello", &transport.SendOptions{ParseMode: "MarkdownV2", DisablePreview: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	calls := api.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if !strings.Contains(calls[0], "/bottest-token/sendMessage") {
		t.Fatalf("unexpected path: %s", calls[0])
	}
	if !strings.Contains(calls[0], "hello") || !strings.Contains(calls[0], "MarkdownV2") {
		t.Fatalf("unexpected body: %s", calls[0])
	}
}

func TestSendSplitsLongText(t *testing.T) {
	api := &botAPI{}
	a := newTestAdapter(t, api)

	text := strings.Repeat("a", textLimit+10)
	if err := a.Send(context.Background(), 42, text, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := len(api.Calls()); n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
		retry     time.Duration
	}{
		{
			name:   "flood",
			status: http.StatusTooManyRequests,
			body:   `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`,
			retry:  7 * time.Second,
		},
		{
			name:      "blocked",
			status:    http.StatusForbidden,
			body:      `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			permanent: true,
		},
		{
			name:      "chat not found",
			status:    http.StatusBadRequest,
			body:      `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			permanent: true,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &botAPI{status: tc.status, body: tc.body}
			a := newTestAdapter(t, api)

			err := a.Send(context.Background(), 42, "hi", nil)
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := transport.IsPermanent(err); got != tc.permanent {
				t.Fatalf("permanent: got %v want %v (%v)", got, tc.permanent, err)
			}
			d, ok := transport.RetryAfterHint(err)
			if tc.retry > 0 && (!ok || d != tc.retry) {
				t.Fatalf("retry hint: got %v,%v want %v (%v)", d, ok, tc.retry, err)
			}
			if tc.retry == 0 && ok {
				t.Fatalf("unexpected retry hint %v", d)
			}
		})
	}
}

func TestSendHonorsCanceledContext(t *testing.T) {
	api := &botAPI{}
	a := newTestAdapter(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Send(ctx, 42, "hi", nil); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(api.Calls()); n != 0 {
		t.Fatalf("expected no calls, got %d", n)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected: %q", got)
	}

	// Prefers the newline near the end of the window.
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("unexpected newline split: %q", got)
	}

	// Keeps an escape together with the character it escapes.
	s = "abcd\\.efgh"
	got = splitText(s, 5, "MarkdownV2")
	if len(got) != 3 || got[0] != "abcd" || got[1] != "\\.efg" || got[2] != "h" {
		t.Fatalf("unexpected markdown split: %q", got)
	}

	// Counts runes, not bytes.
	s = strings.Repeat("é", 12)
	got = splitText(s, 5, "")
	if len(got) != 3 || got[0] != strings.Repeat("é", 5) || got[2] != "éé" {
		t.Fatalf("unexpected rune split: %q", got)
	}
}

func TestSplitTextKeepsEntitiesWhole(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  []string
	}{
		{name: "bold", in: "aaaa *bold text*", limit: 12, mode: "MarkdownV2", want: []string{"aaaa ", "*bold text*"}},
		{name: "code", in: "say `x := y + z`", limit: 12, mode: "MarkdownV2", want: []string{"say ", "`x := y + z`"}},
		{name: "link", in: "go [here](https://t.me/x) now", limit: 22, mode: "MarkdownV2", want: []string{"go ", "[here](https://t.me/x)", " now"}},
		{name: "escaped marker is text", in: "aaaa \\*bbbbbbb", limit: 8, mode: "MarkdownV2", want: []string{"aaaa \\*b", "bbbbbb"}},
		{name: "newline inside bold skipped", in: "ab *cd\nef* g", limit: 9, mode: "MarkdownV2", want: []string{"ab ", "*cd\nef* g"}},
		{name: "plain text ignores markup", in: "aaaa *bold text*", limit: 12, mode: "", want: []string{"aaaa *bold t", "ext*"}},
	}
	for _, tc := range cases {
		got := splitText(tc.in, tc.limit, tc.mode)
		if strings.Join(got, "|") != strings.Join(tc.want, "|") || len(got) != len(tc.want) {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
