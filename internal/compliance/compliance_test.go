package compliance

import (
	"context"
	"errors"
	"strings"
	"testing"

	logx "postflow/pkg/logx"
)

func TestRuleScanVerdicts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		verdict Verdict
	}{
		{name: "clean content", body: "Nifty closed flat today amid mixed global cues.", verdict: VerdictAccept},
		{name: "guaranteed returns", body: "Join now for GUARANTEED RETURNS on every trade!", verdict: VerdictReject},
		{name: "sure shot", body: "Sure shot tip for tomorrow", verdict: VerdictReject},
		{name: "double your money", body: "Double your money in a week", verdict: VerdictReject},
		{name: "advisory without disclaimer", body: "Buy RELIANCE at 2800, target price 2950.", verdict: VerdictAmend},
		{name: "stop loss without disclaimer", body: "Keep a stop loss at 480.", verdict: VerdictAmend},
		{name: "advisory with disclaimer", body: "Buy on dips. This is for educational purposes only.", verdict: VerdictAccept},
	}
	scan := NewRuleScan()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rev, err := scan.Review(context.Background(), tt.body)
			if err != nil {
				t.Fatalf("Review error: %v", err)
			}
			if rev.Verdict != tt.verdict {
				t.Fatalf("verdict = %v, want %v", rev.Verdict, tt.verdict)
			}
		})
	}
}

func TestRuleScanAmendAppendsDisclaimer(t *testing.T) {
	t.Parallel()
	rev, err := NewRuleScan().Review(context.Background(), "Buy TCS at entry point 4100")
	if err != nil {
		t.Fatalf("Review error: %v", err)
	}
	if rev.Verdict != VerdictAmend {
		t.Fatalf("verdict = %v, want amend", rev.Verdict)
	}
	if !strings.HasPrefix(rev.Body, "Buy TCS") {
		t.Fatalf("amended body lost original content: %q", rev.Body)
	}
	if !strings.Contains(strings.ToLower(rev.Body), "educational purposes") {
		t.Fatalf("amended body missing disclaimer: %q", rev.Body)
	}
}

type erroringChecker struct{}

func (erroringChecker) Review(context.Context, string) (Review, error) {
	return Review{}, errors.New("checker down")
}

func TestFilterFailsClosed(t *testing.T) {
	t.Parallel()
	f := NewFilter(erroringChecker{}, logx.Nop())
	rev, err := f.Review(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Review error: %v", err)
	}
	if rev.Verdict != VerdictReject {
		t.Fatalf("verdict = %v, want reject when the checker is unavailable", rev.Verdict)
	}
}

type emptyAmendChecker struct{}

func (emptyAmendChecker) Review(context.Context, string) (Review, error) {
	return Review{Verdict: VerdictAmend}, nil
}

func TestFilterEmptyAmendmentKeepsOriginal(t *testing.T) {
	t.Parallel()
	f := NewFilter(emptyAmendChecker{}, logx.Nop())
	rev, err := f.Review(context.Background(), "original body")
	if err != nil {
		t.Fatalf("Review error: %v", err)
	}
	if rev.Verdict != VerdictAccept || rev.Body != "original body" {
		t.Fatalf("rev = %+v, want accept of the original", rev)
	}
}

func TestFilterDefaultsToRuleScan(t *testing.T) {
	t.Parallel()
	f := NewFilter(nil, logx.Nop())
	rev, err := f.Review(context.Background(), "guaranteed profit scheme")
	if err != nil {
		t.Fatalf("Review error: %v", err)
	}
	if rev.Verdict != VerdictReject {
		t.Fatalf("verdict = %v, want reject from builtin rules", rev.Verdict)
	}
}
