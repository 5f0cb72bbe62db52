package compliance

import (
	"context"
	"fmt"

	logx "postflow/pkg/logx"
)

type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictAmend
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAmend:
		return "amend"
	case VerdictReject:
		return "reject"
	default:
		return "accept"
	}
}

// Review is a rule-checker verdict. Body carries the (possibly amended)
// text; Reason explains a rejection or names the applied amendment.
type Review struct {
	Verdict Verdict
	Body    string
	Reason  string
}

// Checker is the external rule-checker contract. The filter only consumes
// the verdict; rule content lives behind this interface.
type Checker interface {
	Review(ctx context.Context, body string) (Review, error)
}

// Filter runs the rule-checker before dedup commits a slot. A checker error
// fails closed: content that cannot be reviewed is not published.
type Filter struct {
	checker Checker
	log     logx.Logger
}

func NewFilter(checker Checker, log logx.Logger) *Filter {
	if checker == nil {
		checker = NewRuleScan()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Filter{checker: checker, log: log}
}

func (f *Filter) Review(ctx context.Context, body string) (Review, error) {
	rev, err := f.checker.Review(ctx, body)
	if err != nil {
		f.log.Warn("compliance check failed; rejecting", logx.Err(err))
		return Review{Verdict: VerdictReject, Reason: fmt.Sprintf("compliance check unavailable: %v", err)}, nil
	}
	if rev.Verdict == VerdictAmend && rev.Body == "" {
		// An amendment without a body is a checker bug; treat as accept of
		// the original rather than publishing empty content.
		rev = Review{Verdict: VerdictAccept, Body: body}
	}
	if rev.Body == "" {
		rev.Body = body
	}
	if rev.Verdict != VerdictAccept {
		f.log.Debug("compliance verdict", logx.String("verdict", rev.Verdict.String()), logx.String("reason", rev.Reason))
	}
	return rev, nil
}
