package session

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// CookieName 为会话 Cookie 的名称，需与服务器侧约定一致。
	CookieName = "ws_session_id"

	// cookieMaxAge 为会话 Cookie 的有效期，单位秒（1 天）。
	cookieMaxAge = 86400
)

// Store 抽象了会话标识的持久化策略。
//
// 约定：
//   - 同一进程（对应浏览器中的同一标签页）内，会话标识在重连之间保持不变；
//   - Clear 之后 Load 不再返回旧标识；
//   - 实现必须是并发安全的。
type Store interface {
	// Load 返回当前保存的会话标识；不存在时第二个返回值为 false。
	Load() (string, bool)

	// Save 保存会话标识。
	Save(id string)

	// Clear 清除已保存的会话标识。
	Clear()
}

// NewID 生成一个新的会话标识。
//
// 格式沿用服务器侧已有约定：session-<毫秒时间戳>-<随机后缀>。
func NewID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("session-%d-%s", time.Now().UnixMilli(), suffix)
}

// MemoryStore 为纯内存实现，主要用于测试与非浏览器宿主。
type MemoryStore struct {
	mu sync.Mutex
	id string
}

// 编译期断言：确保 MemoryStore 实现了 Store 接口。
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建一个空的内存会话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.id != ""
}

func (s *MemoryStore) Save(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = ""
}

// CookieJarStore 将会话标识写入 http.CookieJar。
//
// 说明：
//   - Jar 与 WebSocket 拨号器共享，因此握手请求会自动携带会话 Cookie，
//     服务器可以在连接升级时完成会话关联，无需显式登录消息；
//   - Cookie 属性与服务器约定一致：SameSite=Lax，有效期 1 天。
type CookieJarStore struct {
	jar    http.CookieJar
	origin *url.URL
}

// 编译期断言：确保 CookieJarStore 实现了 Store 接口。
var _ Store = (*CookieJarStore)(nil)

// NewCookieJarStore 基于给定 Jar 和站点源创建会话存储。
//
// origin 为服务器的 HTTP 源（例如 https://example.com），
// 会话 Cookie 以该源为作用域写入。
func NewCookieJarStore(jar http.CookieJar, origin *url.URL) *CookieJarStore {
	return &CookieJarStore{
		jar:    jar,
		origin: origin,
	}
}

func (s *CookieJarStore) Load() (string, bool) {
	for _, c := range s.jar.Cookies(s.origin) {
		if c.Name == CookieName && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

func (s *CookieJarStore) Save(id string) {
	s.jar.SetCookies(s.origin, []*http.Cookie{{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		SameSite: http.SameSiteLaxMode,
	}})
}

func (s *CookieJarStore) Clear() {
	s.jar.SetCookies(s.origin, []*http.Cookie{{
		Name:   CookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
}
