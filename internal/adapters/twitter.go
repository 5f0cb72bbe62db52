package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
)

const (
	twitterMaxLen  = 280
	twitterBaseURL = "https://api.twitter.com"
)

type TwitterConfig struct {
	BearerToken string
	BaseURL     string
	Timeout     time.Duration
}

// Twitter publishes tweets through the v2 API.
type Twitter struct {
	cfg    TwitterConfig
	client *resty.Client
}

type tweetRequest struct {
	Text string `json:"text"`
}

type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func NewTwitter(cfg TwitterConfig) *Twitter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twitterBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Twitter{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", "postflow/1.0").
			SetAuthToken(cfg.BearerToken),
	}
}

func (t *Twitter) Name() string { return "twitter" }

func (t *Twitter) Ready() error {
	if strings.TrimSpace(t.cfg.BearerToken) == "" {
		return errors.New("twitter bearer token not configured")
	}
	return nil
}

func (t *Twitter) Publish(ctx context.Context, body string) (string, error) {
	if err := t.Ready(); err != nil {
		return "", Permanent(fmt.Errorf("adapter unavailable: %w", err))
	}

	text := body
	if utf8.RuneCountInString(text) > twitterMaxLen {
		text = truncateRunes(text, twitterMaxLen-3) + "..."
	}

	var out tweetResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(tweetRequest{Text: text}).
		SetResult(&out).
		Post("/2/tweets")
	if err != nil {
		return "", Transient(fmt.Errorf("twitter post: %w", err))
	}
	if resp.IsError() {
		return "", classifyHTTP(resp, "twitter post")
	}
	if out.Data.ID == "" {
		return "", Transient(errors.New("twitter post: empty tweet id in response"))
	}
	return out.Data.ID, nil
}
