package news

import "testing"

func TestStripMarkup(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "Fed holds rates steady", "Fed holds rates steady"},
		{"tags removed", "<p>Fed holds <b>rates</b> steady</p>", "Fed holds rates steady"},
		{"entities unescaped", "S&amp;P 500 &gt; 6000", "S&P 500 > 6000"},
		{"whitespace collapsed", "one\n\n  two\t three", "one two three"},
		{"tags and entities together", "<div>AT&amp;T beats &ldquo;estimates&rdquo;</div>", "AT&T beats “estimates”"},
		{"empty input", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripMarkup(tt.in); got != tt.want {
				t.Errorf("StripMarkup(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
