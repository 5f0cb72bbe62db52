package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteChecker calls an external rule-checker service over HTTP.
//
// Request:  POST {url} {"body": "..."}
// Response: {"verdict": "accept"|"amend"|"reject", "body": "...", "reason": "..."}
type RemoteChecker struct {
	url    string
	client *resty.Client
}

type remoteReviewRequest struct {
	Body string `json:"body"`
}

type remoteReviewResponse struct {
	Verdict string `json:"verdict"`
	Body    string `json:"body,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func NewRemoteChecker(url string, timeout time.Duration) *RemoteChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteChecker{
		url: url,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("User-Agent", "postflow/1.0"),
	}
}

func (c *RemoteChecker) Review(ctx context.Context, body string) (Review, error) {
	var out remoteReviewResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(remoteReviewRequest{Body: body}).
		SetResult(&out).
		Post(c.url)
	if err != nil {
		return Review{}, err
	}
	if resp.IsError() {
		return Review{}, fmt.Errorf("rule checker returned %d", resp.StatusCode())
	}

	switch out.Verdict {
	case "accept":
		return Review{Verdict: VerdictAccept, Body: body}, nil
	case "amend":
		return Review{Verdict: VerdictAmend, Body: out.Body, Reason: out.Reason}, nil
	case "reject":
		return Review{Verdict: VerdictReject, Reason: out.Reason}, nil
	default:
		return Review{}, fmt.Errorf("rule checker returned unknown verdict %q", out.Verdict)
	}
}
