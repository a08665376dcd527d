// Package fetch downloads remote settings, catalogs and rules texts with
// bounded size, time and redirect depth.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/model"
)

type Kind int

const (
	KindSettings Kind = iota
	KindCatalog
	KindRules
)

func (k Kind) String() string {
	switch k {
	case KindSettings:
		return "settings"
	case KindCatalog:
		return "catalog"
	case KindRules:
		return "rules"
	default:
		return "unknown"
	}
}

func (k Kind) stage() string {
	switch k {
	case KindSettings, KindCatalog, KindRules:
		return "fetch_" + k.String()
	default:
		return "fetch"
	}
}

func (k Kind) defaultMaxBytes() int64 {
	switch k {
	case KindCatalog:
		return 4 * 1024 * 1024
	case KindRules:
		return 2 * 1024 * 1024
	default:
		return 1 * 1024 * 1024
	}
}

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxRedirects = 5
	userAgent           = "boxpilot"
)

type Options struct {
	Timeout      time.Duration
	MaxBytes     int64 // 0 means the per-kind default
	MaxRedirects int
}

func (o Options) withDefaults(k Kind) Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = DefaultMaxRedirects
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = k.defaultMaxBytes()
	}
	return o
}

// FetchError carries the HTTP status the API layer should answer with.
type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

// Fetcher downloads UTF-8 text documents.
type Fetcher struct {
	opt Options
	log logrus.FieldLogger
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

func New(opt Options, log logrus.FieldLogger) *Fetcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fetcher{opt: opt, log: log}
}

// FetchText downloads rawURL with default options.
func FetchText(ctx context.Context, kind Kind, rawURL string) (string, error) {
	return New(Options{}, nil).Text(ctx, kind, rawURL)
}

// Text downloads rawURL and returns its body. Every failure is a *FetchError.
func (f *Fetcher) Text(ctx context.Context, kind Kind, rawURL string) (string, error) {
	opt := f.opt.withDefaults(kind)
	fail := func(status int, code, msg string, cause error) error {
		return &FetchError{
			Status: status,
			AppError: model.AppError{
				Code:    code,
				Message: msg,
				Stage:   kind.stage(),
				URL:     rawURL,
			},
			Cause: cause,
		}
	}

	if opt.MaxBytes <= 0 {
		return "", fail(http.StatusBadRequest, "INVALID_ARGUMENT", "响应大小上限必须大于 0", nil)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fail(http.StatusBadRequest, "INVALID_ARGUMENT", "仅允许 http/https URL", errors.Join(errInvalidURLOrScheme, err))
	}

	rt := f.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client := &http.Client{
		Timeout:   opt.Timeout,
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// len(via) is the number of redirects already followed.
			if len(via) > opt.MaxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fail(http.StatusBadRequest, "INVALID_ARGUMENT", "请求 URL 不合法", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		switch {
		case errors.Is(err, errTooManyRedirects):
			return "", fail(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("重定向次数超过上限（>%d）", opt.MaxRedirects), err)
		case errors.Is(err, errRedirectBadScheme):
			return "", fail(http.StatusBadRequest, "INVALID_ARGUMENT", "重定向目标仅允许 http/https", err)
		case isTimeout(err):
			return "", fail(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", err)
		default:
			return "", fail(http.StatusBadGateway, "FETCH_FAILED", "拉取远程资源失败", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fail(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), nil)
	}

	// Read one byte past the limit to detect overflow.
	body, err := io.ReadAll(io.LimitReader(resp.Body, opt.MaxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return "", fail(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", err)
		}
		return "", fail(http.StatusBadGateway, "FETCH_FAILED", "读取上游响应失败", err)
	}
	if int64(len(body)) > opt.MaxBytes {
		return "", fail(http.StatusUnprocessableEntity, "TOO_LARGE", fmt.Sprintf("远程资源过大（>%d bytes）", opt.MaxBytes), nil)
	}
	if !utf8.Valid(body) {
		return "", fail(http.StatusUnprocessableEntity, "FETCH_INVALID_UTF8", "远程资源不是合法 UTF-8 文本", nil)
	}

	f.log.WithFields(logrus.Fields{
		"kind":  kind.String(),
		"host":  u.Host,
		"bytes": len(body),
		"ms":    time.Since(start).Milliseconds(),
	}).Debug("fetched remote document")
	return string(body), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
