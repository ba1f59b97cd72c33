package telegram

import "testing"

func TestEscapeMarkdownUnderscores(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain_identifier",
			in:   "new_york",
			want: "new\\_york",
		},
		{
			name: "no_underscores",
			in:   "hello world",
			want: "hello world",
		},
		{
			name: "inline_code_untouched",
			in:   "see `snake_case` here_",
			want: "see `snake_case` here\\_",
		},
		{
			name: "fenced_block_untouched",
			in:   "```\nmy_var = 1\n```\ntail_",
			want: "```\nmy_var = 1\n```\ntail\\_",
		},
		{
			name: "already_escaped",
			in:   "a\\_b",
			want: "a\\_b",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EscapeMarkdownUnderscores(tt.in); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		u    *User
		want string
	}{
		{"nil", nil, ""},
		{"first_last", &User{FirstName: "Ada", LastName: "L"}, "Ada L"},
		{"first_only", &User{FirstName: "Ada"}, "Ada"},
		{"username_only", &User{Username: "ada"}, "@ada"},
		{"empty", &User{}, ""},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.u); got != tt.want {
			t.Fatalf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestIsNotResolvable(t *testing.T) {
	if !isNotResolvable(400, "Bad Request: message to be replied not found") {
		t.Fatalf("reply target not detected")
	}
	if !isNotResolvable(400, "Bad Request: message to forward not found") {
		t.Fatalf("forward target not detected")
	}
	if isNotResolvable(403, "Forbidden: bot was blocked by the user") {
		t.Fatalf("unrelated failure misclassified")
	}
	if isNotResolvable(400, "Bad Request: message is too long") {
		t.Fatalf("unrelated bad request misclassified")
	}
}
