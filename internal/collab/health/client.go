package health

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/blang/semver/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lk2023060901/flowsync-go/internal/json"
	"github.com/lk2023060901/flowsync-go/pkg/log"
	"github.com/lk2023060901/flowsync-go/pkg/metrics"
	"github.com/lk2023060901/flowsync-go/pkg/util/merr"
	"github.com/lk2023060901/flowsync-go/pkg/util/retry"
)

// State 为服务器健康状态分级。
type State string

const (
	StateHealthy  State = "healthy"
	StateWarning  State = "warning"
	StateCritical State = "critical"
)

// Status 为健康检查接口的响应。
type Status struct {
	Status            State   `json:"status"`
	Utilization       float64 `json:"utilization"`
	ActiveConnections int     `json:"activeConnections"`
	MaxConnections    int     `json:"maxConnections"`

	// ServerVersion 为服务器版本号，旧版本服务器可能不下发。
	ServerVersion string `json:"serverVersion,omitempty"`
}

// Config 描述健康检查客户端的行为参数。
type Config struct {
	// Endpoint 为健康检查接口地址。
	Endpoint string

	// RequestTimeout 为单次请求超时时间。
	RequestTimeout time.Duration

	// SupportedRange 为客户端兼容的服务器版本范围表达式，
	// 留空表示跳过版本检查。
	SupportedRange string
}

func (c *Config) fillDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// Client 为健康检查客户端。
//
// 并发的 Check 调用会被合并为一次 HTTP 请求，避免重连风暴放大探测压力。
type Client struct {
	cfg  Config
	http *http.Client
	sf   singleflight.Group

	supportedRange semver.Range
}

// NewClient 创建一个健康检查客户端。
func NewClient(cfg Config) (*Client, error) {
	cfg.fillDefaults()

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}

	if cfg.SupportedRange != "" {
		r, err := semver.ParseRange(cfg.SupportedRange)
		if err != nil {
			return nil, err
		}
		c.supportedRange = r
	}

	return c, nil
}

// Check 查询服务器健康状态。
//
// 网络错误会做有限次重试；全部失败时返回 ErrHealthUnavailable，
// 由调用方决定是放行还是阻断本次连接。
func (c *Client) Check(ctx context.Context) (*Status, error) {
	v, err, _ := c.sf.Do("check", func() (any, error) {
		return c.doCheck(ctx)
	})
	if err != nil {
		return nil, err
	}

	status := v.(*Status)
	metrics.HealthChecks.WithLabelValues(string(status.Status)).Inc()
	return status, nil
}

func (c *Client) doCheck(ctx context.Context) (*Status, error) {
	var status *Status

	err := retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return merr.WrapErrHealthUnavailable(c.cfg.Endpoint,
				"unexpected status "+resp.Status)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		parsed := &Status{}
		if err := json.Unmarshal(body, parsed); err != nil {
			return merr.WrapErrMessageMalformed(err.Error(), "decode health response")
		}
		status = parsed
		return nil
	}, retry.Attempts(2), retry.InitialInterval(200*time.Millisecond))
	if err != nil {
		if merr.IsCollabError(err) {
			return nil, err
		}
		return nil, merr.WrapErrHealthUnavailable(c.cfg.Endpoint, err.Error())
	}

	return status, nil
}

// CheckVersion 校验服务器版本是否落在客户端支持范围内。
//
// 版本缺失或未配置范围时视为兼容；不兼容只返回错误，不中断连接，
// 由调用方决定如何向用户呈现。
func (c *Client) CheckVersion(status *Status) error {
	if c.supportedRange == nil || status == nil || status.ServerVersion == "" {
		return nil
	}

	v, err := semver.ParseTolerant(status.ServerVersion)
	if err != nil {
		log.Warn("unparsable server version", zap.String("version", status.ServerVersion))
		return nil
	}

	if !c.supportedRange(v) {
		return merr.WrapErrVersionMismatch(status.ServerVersion, c.cfg.SupportedRange)
	}
	return nil
}
