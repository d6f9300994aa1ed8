package markup

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain punctuation", "Price: 1.5 (up!)", `Price: 1\.5 \(up\!\)`},
		{"bold", "**out of range**", "*out of range*"},
		{"underscore bold", "__alert__", "*alert*"},
		{"italic", "*soon*", "_soon_"},
		{"code", "`0xabc_def`", "`0xabc_def`"},
		{"code with backtick escape", "`a\\b`", "`a\\\\b`"},
		{"link", "[pool](https://app.example/p?id=1)", "[pool](https://app.example/p?id=1)"},
		{"link text escaped", "[v1.2](https://x.io/a)", `[v1\.2](https://x.io/a)`},
		{"non ascii", "Ünï 🚀 ok.", `Ünï 🚀 ok\.`},
		{"unbalanced star", "2 * 3 = 6", `2 \* 3 \= 6`},
		{"heading", "# Summary", "*Summary*"},
		{"bullet", "- fee: 0.3%", `• fee: 0\.3%`},
		{"explicit escape", `\*not italic\*`, `\*not italic\*`},
		{"nested", "**bold _and italic_**", "*bold _and italic_*"},
		{"multi line", "a.\nb!", "a\\.\nb\\!"},
		{"adjacent italics", "*a*_b_", "_a_**_b_"},
		{"spaced italics", "*a* _b_", "_a_ _b_"},
		{"italic after bold", "**a***b*", "*a*_b_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Fatalf("Sanitize(%q)=%q want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeTextCoversSpecials(t *testing.T) {
	got := EscapeText("_*[]()~`>#+-=|{}.!")
	want := `\_\*\[\]\(\)\~\` + "`" + `\>\#\+\-\=\|\{\}\.\!`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
