// client.go — 生成管线 HTTP 客户端 (提交 / 状态轮询 / 历史分页)。
//
// 非 2xx 统一映射为 AppError 哨兵: 401/403 → ErrUnauthorized,
// 404 → ErrNotFound, 传输超时 → ErrTimeout。错误响应体截断读取,
// 防止异常上游把错误信息拖成超大 body。
package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pixelmuse/go-studio/internal/genevent"
	"github.com/pixelmuse/go-studio/internal/timeline"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
	"github.com/pixelmuse/go-studio/pkg/util"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrBodyBytes = 8 << 10
)

// TokenSource 返回当前有效的 API 令牌, 空串表示匿名访问。
type TokenSource func() string

// Client 管线客户端。
type Client struct {
	baseURL string
	httpCli *http.Client
	token   TokenSource
}

// Option 客户端可选配置。
type Option func(*Client)

// WithHTTPClient 注入自定义 http.Client (超时策略、测试桩)。
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpCli = h }
}

// WithToken 注入令牌源。
func WithToken(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// New 创建管线客户端。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCli: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ========================================
// 公开接口
// ========================================

// SubmitGeneration 提交一次生成请求, 返回追踪用的 requestId。
func (c *Client) SubmitGeneration(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	const op = "Client.SubmitGeneration"
	var out SubmitResponse
	if err := c.postJSON(ctx, op, "/generations", req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.RequestID) == "" {
		return nil, apperrors.New(op, "upstream response missing requestId")
	}
	return &out, nil
}

// JobStatus 查询单个任务的状态并归一化。
//
// 响应体不带任务 id, 归一化时注入 jobID 兜底。无法识别的响应体
// 返回 (nil, nil), 丢弃策略由调用方决定。实现 poll.StatusClient。
func (c *Client) JobStatus(ctx context.Context, jobID string) (*genevent.StatusEvent, error) {
	const op = "Client.JobStatus"
	raw, err := c.getRaw(ctx, op, "/status/"+url.PathEscape(jobID))
	if err != nil {
		return nil, err
	}
	return genevent.NormalizeForJob(jobID, raw), nil
}

// JobStatusRaw 返回状态接口的原始响应体, 不做归一化。
// 网关透传 /status/{jobId} 时使用, 下游拿到与直连管线一致的载荷。
func (c *Client) JobStatusRaw(ctx context.Context, jobID string) ([]byte, error) {
	return c.getRaw(ctx, "Client.JobStatusRaw", "/status/"+url.PathEscape(jobID))
}

// FeedPage 拉取历史分页, 条目新到旧。beforeID 为空取最新一页。
func (c *Client) FeedPage(ctx context.Context, limit int, beforeID string) ([]timeline.Entry, error) {
	const op = "Client.FeedPage"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	var out feedResponse
	if err := c.getJSON(ctx, op, "/feed?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Feed 返回实现 timeline.Fetcher 的适配器。
func (c *Client) Feed() timeline.Fetcher { return feedFetcher{c} }

type feedFetcher struct{ c *Client }

func (f feedFetcher) Page(ctx context.Context, limit int, beforeID string) ([]timeline.Entry, error) {
	return f.c.FeedPage(ctx, limit, beforeID)
}

// ========================================
// 请求底座
// ========================================

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return apperrors.Wrap(err, op, "marshal request")
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrapf(err, op, "build POST %s", path)
	}
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return transportErr(op, "POST "+path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrapf(err, op, "decode POST %s response", path)
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	raw, err := c.getRaw(ctx, op, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Wrapf(err, op, "decode GET %s response", path)
	}
	return nil
}

func (c *Client) getRaw(ctx context.Context, op, path string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, apperrors.Wrapf(err, op, "build GET %s", path)
	}
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, transportErr(op, "GET "+path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrapf(err, op, "read GET %s response", path)
	}
	return raw, nil
}

// transportErr 传输层错误归类。超时类错误挂到 ErrTimeout 哨兵上。
func transportErr(op, what string, err error) error {
	if isTimeout(err) {
		return apperrors.Wrapf(apperrors.ErrTimeout, op, "%s: %v", what, err)
	}
	return apperrors.Wrap(err, op, what)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// checkStatus 非 2xx 映射为 AppError。
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readErrBody(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.Wrapf(apperrors.ErrUnauthorized, op, "status %d: %s", resp.StatusCode, msg)
	case http.StatusNotFound:
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "status %d: %s", resp.StatusCode, msg)
	}
	return apperrors.Newf(op, "status %d: %s", resp.StatusCode, msg)
}

// readErrBody 截断读取错误响应体。上游惯用 {"error": "..."} 包裹,
// 能解出来就只留里面的文案。
func readErrBody(r io.Reader) string {
	var buf bytes.Buffer
	lw := util.NewLimitedWriter(&buf, maxErrBodyBytes)
	_, _ = io.Copy(lw, r)

	var eb errorBody
	if json.Unmarshal(buf.Bytes(), &eb) == nil && strings.TrimSpace(eb.Error) != "" {
		return strings.TrimSpace(eb.Error)
	}
	s := strings.TrimSpace(buf.String())
	if lw.Overflow() {
		s += " ...(truncated)"
	}
	return s
}
