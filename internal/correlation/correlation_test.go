package correlation_test

import (
	"context"
	"strings"
	"testing"

	"pkt.systems/changed/internal/correlation"
)

func TestEnsureGeneratesWhenAbsent(t *testing.T) {
	t.Parallel()

	ctx := correlation.Ensure(context.Background())
	if !correlation.Has(ctx) {
		t.Fatal("Ensure did not attach an ID")
	}
	again := correlation.Ensure(ctx)
	if correlation.ID(again) != correlation.ID(ctx) {
		t.Fatal("Ensure replaced an existing ID")
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []string{"", "  ", "has space", "semi;colon", strings.Repeat("x", correlation.MaxIDLength+1)}
	for _, in := range cases {
		if _, ok := correlation.Normalize(in); ok {
			t.Fatalf("Normalize accepted %q", in)
		}
	}
	if got, ok := correlation.Normalize("  req-1.a:b_c  "); !ok || got != "req-1.a:b_c" {
		t.Fatalf("Normalize rejected valid ID, got %q ok=%v", got, ok)
	}
}
