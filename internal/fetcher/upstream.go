package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidURL 表示逻辑 key 不是可回源的 http(s) 地址。
	ErrInvalidURL = errors.New("invalid upstream url")
	// ErrUpstreamStatus 表示上游返回了非 2xx 状态码。
	ErrUpstreamStatus = errors.New("unexpected upstream status")
)

// Payload 是一次下载得到的原始字节与内容类型。
type Payload struct {
	Body        []byte
	ContentType string
}

// Upstream 按逻辑 key 下载原始字节。
type Upstream interface {
	Fetch(ctx context.Context, key string) (*Payload, error)
}

// UpstreamFunc 让普通函数满足 Upstream。
type UpstreamFunc func(ctx context.Context, key string) (*Payload, error)

// Fetch 调用 f。
func (f UpstreamFunc) Fetch(ctx context.Context, key string) (*Payload, error) {
	return f(ctx, key)
}

// HTTPUpstream 用共享 http.Client 把逻辑 key 当作 URL 回源。
// 传输错误与 5xx 会按指数退避重试，4xx 立即失败。
type HTTPUpstream struct {
	client       *http.Client
	logger       logrus.FieldLogger
	maxRetries   int
	backoff      time.Duration
	maxBodyBytes int64
}

// HTTPOption 调整 HTTPUpstream。
type HTTPOption func(*HTTPUpstream)

// WithRetry 设置最大重试次数与首次退避时长。
func WithRetry(maxRetries int, initialBackoff time.Duration) HTTPOption {
	return func(u *HTTPUpstream) {
		if maxRetries >= 0 {
			u.maxRetries = maxRetries
		}
		if initialBackoff > 0 {
			u.backoff = initialBackoff
		}
	}
}

// WithMaxBodyBytes 限制单次下载的字节数，<= 0 表示不限制。
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(u *HTTPUpstream) { u.maxBodyBytes = n }
}

// NewHTTPUpstream 创建 HTTPUpstream，client 为 nil 时使用 http.DefaultClient。
func NewHTTPUpstream(client *http.Client, logger logrus.FieldLogger, opts ...HTTPOption) *HTTPUpstream {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	u := &HTTPUpstream{
		client:     client,
		logger:     logger,
		maxRetries: 2,
		backoff:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Fetch 实现 Upstream。
func (u *HTTPUpstream) Fetch(ctx context.Context, key string) (*Payload, error) {
	target, err := url.Parse(key)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, key)
	}

	delay := u.backoff
	var lastErr error
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if attempt > 0 {
			u.logger.WithError(lastErr).WithFields(logrus.Fields{
				"action":   "upstream_retry",
				"upstream": key,
				"attempt":  attempt,
				"backoff":  delay.String(),
			}).Warn("回源失败，准备重试")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
			case <-timer.C:
			}
			delay *= 2
		}

		payload, retryable, err := u.fetchOnce(ctx, target.String())
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("upstream failed after %d attempts: %w", u.maxRetries+1, lastErr)
}

func (u *HTTPUpstream) fetchOnce(ctx context.Context, rawURL string) (*Payload, bool, error) {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, false, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	fields := logrus.Fields{
		"action":          "upstream",
		"upstream":        rawURL,
		"upstream_status": resp.StatusCode,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		u.logger.WithFields(fields).Debug("upstream_non_2xx")
		return nil, resp.StatusCode >= 500, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if u.maxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, u.maxBodyBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, true, err
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" && len(data) > 0 {
		contentType = http.DetectContentType(data)
	}
	fields["bytes"] = len(data)
	u.logger.WithFields(fields).Debug("upstream_complete")
	return &Payload{Body: data, ContentType: contentType}, false, nil
}
