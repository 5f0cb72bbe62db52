package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	linkedinMaxLen  = 1300
	linkedinBaseURL = "https://api.linkedin.com"
)

type LinkedInConfig struct {
	AccessToken string
	// BaseURL overrides the API host (tests).
	BaseURL string
	Timeout time.Duration
}

// LinkedIn publishes UGC posts on behalf of the token's member.
type LinkedIn struct {
	cfg    LinkedInConfig
	client *resty.Client

	mu     sync.Mutex
	author string // cached "urn:li:person:..." for the token
}

type linkedinUserInfo struct {
	Sub string `json:"sub"`
}

type linkedinShareContent struct {
	ShareCommentary struct {
		Text string `json:"text"`
	} `json:"shareCommentary"`
	ShareMediaCategory string `json:"shareMediaCategory"`
}

type linkedinPostRequest struct {
	Author          string `json:"author"`
	LifecycleState  string `json:"lifecycleState"`
	SpecificContent struct {
		ShareContent linkedinShareContent `json:"com.linkedin.ugc.ShareContent"`
	} `json:"specificContent"`
	Visibility struct {
		MemberNetworkVisibility string `json:"com.linkedin.ugc.MemberNetworkVisibility"`
	} `json:"visibility"`
}

type linkedinPostResponse struct {
	ID string `json:"id"`
}

func NewLinkedIn(cfg LinkedInConfig) *LinkedIn {
	if cfg.BaseURL == "" {
		cfg.BaseURL = linkedinBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &LinkedIn{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", "postflow/1.0").
			SetHeader("X-Restli-Protocol-Version", "2.0.0").
			SetAuthToken(cfg.AccessToken),
	}
}

func (l *LinkedIn) Name() string { return "linkedin" }

func (l *LinkedIn) Ready() error {
	if strings.TrimSpace(l.cfg.AccessToken) == "" {
		return errors.New("linkedin access token not configured")
	}
	return nil
}

func (l *LinkedIn) authorURN(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.author != "" {
		return l.author, nil
	}

	var info linkedinUserInfo
	resp, err := l.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/v2/userinfo")
	if err != nil {
		return "", Transient(fmt.Errorf("linkedin userinfo: %w", err))
	}
	if resp.IsError() {
		return "", classifyHTTP(resp, "linkedin userinfo")
	}
	if info.Sub == "" {
		return "", Permanent(errors.New("linkedin userinfo returned no member id"))
	}
	l.author = "urn:li:person:" + info.Sub
	return l.author, nil
}

func (l *LinkedIn) Publish(ctx context.Context, body string) (string, error) {
	if err := l.Ready(); err != nil {
		return "", Permanent(fmt.Errorf("adapter unavailable: %w", err))
	}

	author, err := l.authorURN(ctx)
	if err != nil {
		return "", err
	}

	body = truncateRunes(body, linkedinMaxLen)
	req := linkedinPostRequest{
		Author:         author,
		LifecycleState: "PUBLISHED",
	}
	req.SpecificContent.ShareContent.ShareCommentary.Text = body
	req.SpecificContent.ShareContent.ShareMediaCategory = "NONE"
	req.Visibility.MemberNetworkVisibility = "PUBLIC"

	var out linkedinPostResponse
	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v2/ugcPosts")
	if err != nil {
		return "", Transient(fmt.Errorf("linkedin post: %w", err))
	}
	if resp.IsError() {
		return "", classifyHTTP(resp, "linkedin post")
	}
	if out.ID == "" {
		out.ID = resp.Header().Get("X-RestLi-Id")
	}
	return out.ID, nil
}

// classifyHTTP maps an HTTP error response onto the adapter error taxonomy:
// 429 carries a retry hint, other 4xx are permanent, 5xx transient.
func classifyHTTP(resp *resty.Response, op string) error {
	code := resp.StatusCode()
	err := fmt.Errorf("%s: status %d", op, code)
	switch {
	case code == http.StatusTooManyRequests:
		return RetryAfter(err, parseRetryAfter(resp.Header().Get("Retry-After")))
	case code >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(secs) * time.Second
}
