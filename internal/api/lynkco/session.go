package lynkco

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// Session 一次登录尝试使用的 HTTP 客户端和 Cookie
// B2C 的 trans/csrf 绑定在 Cookie 上，凭据提交和 OTP 提交必须使用同一个 Session
type Session struct {
	id     string
	jar    *cookiejar.Jar
	client *http.Client

	mu     sync.Mutex
	closed bool
}

// NewSession 创建新的会话
func NewSession(timeout time.Duration) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Session{
		id:  uuid.NewString(),
		jar: jar,
		client: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
	}, nil
}

// ID 会话标识
func (s *Session) ID() string {
	return s.id
}

// Jar 返回会话的 Cookie 容器
func (s *Session) Jar() http.CookieJar {
	return s.jar
}

// Cookie 读取指定 URL 下的 Cookie 值
func (s *Session) Cookie(u *url.URL, name string) string {
	for _, c := range s.jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Do 发送请求，会话关闭后返回 ErrSessionClosed
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	client, err := s.httpClient()
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// DoNoRedirect 发送请求但不跟随重定向，Cookie 仍写入同一个容器
func (s *Session) DoNoRedirect(req *http.Request) (*http.Response, error) {
	client, err := s.httpClient()
	if err != nil {
		return nil, err
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return noRedirect.Do(req)
}

func (s *Session) httpClient() (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.client, nil
}

// Closed 会话是否已关闭
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 关闭会话，重复关闭返回 ErrSessionClosed
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	s.client.CloseIdleConnections()
	return nil
}
