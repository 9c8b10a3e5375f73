package budget

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func Test_Estimate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input string
		want  int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tc := range cases {
		if got := Estimate(tc.input); got != tc.want {
			t.Errorf("Estimate(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}
}

func Test_EstimateMessages_IncludesOverhead(t *testing.T) {
	t.Parallel()
	msgs := []*schema.Message{
		schema.UserMessage("hello world"),
		schema.UserMessage("hello world"),
	}
	// Per message: 4 overhead + 1 for the role + 2 for the content.
	if got := EstimateMessages(msgs); got != 14 {
		t.Errorf("EstimateMessages = %d, want 14", got)
	}
}

func Test_TrimChunks_KeepsLeadingWithinBudget(t *testing.T) {
	t.Parallel()
	chunks := []string{
		strings.Repeat("a", 400), // 100 tokens
		strings.Repeat("b", 400),
		strings.Repeat("c", 400),
	}
	got := TrimChunks(chunks, 250)
	if len(got) != 2 {
		t.Fatalf("chunks after trim = %d, want 2", len(got))
	}
	if got[0][0] != 'a' || got[1][0] != 'b' {
		t.Fatal("trim dropped leading chunks instead of trailing")
	}
}

func Test_TrimChunks_AlwaysKeepsFirst(t *testing.T) {
	t.Parallel()
	got := TrimChunks([]string{strings.Repeat("a", 4000)}, 10)
	if len(got) != 1 {
		t.Fatalf("chunks after trim = %d, want 1", len(got))
	}
}

func Test_TrimChunks_Empty(t *testing.T) {
	t.Parallel()
	if got := TrimChunks(nil, 100); len(got) != 0 {
		t.Errorf("want empty, got %d chunks", len(got))
	}
}
