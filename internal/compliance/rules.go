package compliance

import (
	"context"
	"strings"
)

// Local risk-term rules for financial content. Claims of assured profit are
// rejected outright; advisory language gets the standard disclaimer appended.
var (
	rejectTerms = []string{
		"guaranteed returns",
		"guaranteed profit",
		"assured returns",
		"risk-free returns",
		"risk free returns",
		"sure shot",
		"no loss",
		"double your money",
	}

	advisoryTerms = []string{
		"buy ",
		"sell ",
		"target price",
		"stop loss",
		"stoploss",
		"recommend",
		"entry point",
		"book profit",
	}

	disclaimerMarkers = []string{
		"not financial advice",
		"not investment advice",
		"educational purposes",
	}
)

const advisoryDisclaimer = "\n\nDisclaimer: This information is for educational purposes only and " +
	"should not be considered as financial advice. Please consult with a qualified financial " +
	"advisor before making investment decisions."

// RuleScan is the builtin Checker. It is deliberately simple: the heavier
// regulatory rule sets live in the external checker this one stands in for.
type RuleScan struct {
	disclaimer string
}

func NewRuleScan() *RuleScan {
	return &RuleScan{disclaimer: advisoryDisclaimer}
}

func (r *RuleScan) Review(_ context.Context, body string) (Review, error) {
	lower := strings.ToLower(body)

	for _, term := range rejectTerms {
		if strings.Contains(lower, term) {
			return Review{
				Verdict: VerdictReject,
				Reason:  "prohibited claim: " + strings.TrimSpace(term),
			}, nil
		}
	}

	if !containsAny(lower, advisoryTerms) {
		return Review{Verdict: VerdictAccept, Body: body}, nil
	}
	if containsAny(lower, disclaimerMarkers) {
		// Advisory language but the disclaimer is already present.
		return Review{Verdict: VerdictAccept, Body: body}, nil
	}
	return Review{
		Verdict: VerdictAmend,
		Body:    body + r.disclaimer,
		Reason:  "advisory language without disclaimer",
	}, nil
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
