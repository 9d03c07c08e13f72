package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// Origin 角色：self 是看板页面自身的 origin，cdn/api 是映射到 edge 的第三方 origin。
const (
	RoleSelf = "self"
	RoleCDN  = "cdn"
	RoleAPI  = "api"
)

// GlobalConfig 描述进程级运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	// TraceEndpoint 为空时不启用 OpenTelemetry 导出。
	TraceEndpoint string `mapstructure:"TraceEndpoint"`
}

// WorkerConfig 控制缓存代名称、拦截规则与后台任务。
type WorkerConfig struct {
	StaticCache       string   `mapstructure:"StaticCache"`
	VideoCache        string   `mapstructure:"VideoCache"`
	MaxCachedVideos   int      `mapstructure:"MaxCachedVideos"`
	ConfigTimeout     Duration `mapstructure:"ConfigTimeout"`
	BackgroundTimeout Duration `mapstructure:"BackgroundTimeout"`
	CleanupInterval   Duration `mapstructure:"CleanupInterval"`
	SkipWaiting       bool     `mapstructure:"SkipWaiting"`
	OfflinePages      []string `mapstructure:"OfflinePages"`
	ConfigFiles       []string `mapstructure:"ConfigFiles"`
	PassthroughHosts  []string `mapstructure:"PassthroughHosts"`
	VideoExtensions   []string `mapstructure:"VideoExtensions"`
	Precache          []string `mapstructure:"Precache"`
	PrecacheCDN       []string `mapstructure:"PrecacheCDN"`
}

// OriginConfig 声明一个由 edge 代为服务的公开 origin。
type OriginConfig struct {
	Name string `mapstructure:"Name"`
	Role string `mapstructure:"Role"`
	// URL 是页面看到的公开地址（scheme://host），Host 头据此路由。
	URL string `mapstructure:"URL"`
	// Upstream 为实际回源地址，留空时与 URL 相同。
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Worker  WorkerConfig   `mapstructure:"Worker"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// EffectiveUpstream 返回回源地址，未配置时退回公开 URL。
func (o OriginConfig) EffectiveUpstream() string {
	if strings.TrimSpace(o.Upstream) != "" {
		return o.Upstream
	}
	return o.URL
}

// SelfOrigin 返回 Role=self 的 origin。
func (c *Config) SelfOrigin() (OriginConfig, bool) {
	if c == nil {
		return OriginConfig{}, false
	}
	for _, origin := range c.Origins {
		if origin.Role == RoleSelf {
			return origin, true
		}
	}
	return OriginConfig{}, false
}

// OriginSummaries 返回 name:role 摘要，供启动日志使用。
func OriginSummaries(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.Role)
	}
	return result
}
