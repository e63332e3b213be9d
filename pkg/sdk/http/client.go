package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/betbot/whaleconfirm/pkg/ratelimit"
)

// Credentials OpenAPI 凭证
type Credentials struct {
	AppKey      string
	AppSecret   string
	AccessToken string
}

// Options 客户端配置
type Options struct {
	BaseURL     string
	Credentials Credentials
	Language    string        // accept-language，例如 en / zh-CN
	Timeout     time.Duration // 单次请求超时
	RetryCount  int           // 只对幂等请求（GET）生效
	ProxyURL    string
	UserAgent   string
	Limiter     *ratelimit.Manager // 按 "METHOD path" 限流，nil 表示不限流
}

// Response 同步请求的结构化响应
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON 把响应体解析到 out
func (r *Response) JSON(out any) error {
	if r == nil {
		return errors.New("nil response")
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return errors.Wrap(err, "decode response body")
	}
	return nil
}

// StatusError 非 2xx 响应
type StatusError struct {
	StatusCode int
	Status     string
	Body       any
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http non-2xx: status=%d body=%v", e.StatusCode, e.Body)
}

type Client struct {
	client *resty.Client
	opts   Options
	now    func() time.Time
}

func NewClient(opts Options) *Client {
	host := strings.TrimSuffix(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "whaleconfirm/1.0"
	}

	// 下单等非幂等请求不在这里重试：重复提交会产生两笔订单，重试策略交给调用方
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	if opts.ProxyURL != "" {
		client.SetProxy(opts.ProxyURL)
	}

	return &Client{client: client, opts: opts, now: time.Now}
}

// Send 发送一次同步请求。
// GET/DELETE 的 body 只接受 map[string]string 或 url.Values，作为 query 参数；
// 其他方法的 body 以 JSON 发送。
func (c *Client) Send(ctx context.Context, method, path string, headers map[string]string, body any) (*Response, error) {
	method = strings.ToUpper(method)
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.opts.Limiter.Wait(ctx, Endpoint(method, path)); err != nil {
		return nil, errors.Wrapf(err, "rate limit %s %s", method, path)
	}
	rc := c.client.R().SetContext(ctx)
	rc.SetHeader("Accept", "application/json")
	rc.SetHeader("User-Agent", c.opts.UserAgent)
	if c.opts.Language != "" {
		rc.SetHeader("Accept-Language", c.opts.Language)
	}
	rc.SetHeader("X-Request-Id", uuid.NewString())

	var query url.Values
	var payload []byte
	switch method {
	case http.MethodGet, http.MethodDelete:
		q, err := toValues(body)
		if err != nil {
			return nil, err
		}
		query = q
		rc.SetQueryParamsFromValues(query)
	case http.MethodPost, http.MethodPut:
		if body != nil {
			b, err := encodeBody(body)
			if err != nil {
				return nil, err
			}
			payload = b
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(payload)
		}
	default:
		return nil, errors.Errorf("unsupported method: %s", method)
	}

	for k, v := range c.signHeaders(method, path, query, payload) {
		rc.SetHeader(k, v)
	}
	// 调用方传入的 header 优先
	for k, v := range headers {
		rc.SetHeader(k, v)
	}

	resp, err := rc.Execute(method, path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	out := &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}
	if !resp.IsSuccess() {
		return out, ParseHTTPError(resp)
	}
	return out, nil
}

// Endpoint 限流使用的端点名
func Endpoint(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

func (c *Client) signHeaders(method, path string, query url.Values, body []byte) map[string]string {
	ts := c.now().Unix()
	creds := c.opts.Credentials
	return map[string]string{
		"X-Api-Key":       creds.AppKey,
		"Authorization":   creds.AccessToken,
		"X-Timestamp":     fmt.Sprintf("%d", ts),
		"X-Api-Signature": Sign(creds.AppSecret, ts, method, path, canonicalQuery(query), body),
	}
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request body")
		}
		return data, nil
	}
}

func toValues(body any) (url.Values, error) {
	switch t := body.(type) {
	case nil:
		return nil, nil
	case url.Values:
		return t, nil
	case map[string]string:
		v := make(url.Values, len(t))
		for k, val := range t {
			v.Set(k, val)
		}
		return v, nil
	default:
		return nil, errors.Errorf("query params must be map[string]string or url.Values, got %T", body)
	}
}

func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range q[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// ParseHTTPError 把非 2xx 响应转换成 *StatusError
func ParseHTTPError(resp *resty.Response) error {
	var body any
	b := resp.Body()
	_ = json.Unmarshal(b, &body)
	if body == nil {
		body = string(b)
	}
	return &StatusError{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Body:       body,
	}
}
