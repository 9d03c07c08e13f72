package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tvboard/tvboard-edge/internal/config"
	"github.com/tvboard/tvboard-edge/internal/fetch"
)

// Options 描述一个 Worker 实例；缓存代名称在构造时确定，运行期间不变。
type Options struct {
	// SelfOrigin 是看板页面自身的 origin（scheme://host），决定同源判断与预缓存基准地址。
	SelfOrigin string

	StaticCache     string
	VideoCache      string
	MaxCachedVideos int

	ConfigTimeout     time.Duration
	BackgroundTimeout time.Duration
	SkipWaiting       bool

	OfflinePages     []string
	ConfigFiles      []string
	PassthroughHosts []string
	VideoExtensions  []string
	Precache         []string
	PrecacheCDN      []string
}

// DefaultVideoExtensions 是识别视频请求的默认扩展名。
var DefaultVideoExtensions = []string{".mp4", ".webm", ".ogg", ".mov", ".avi"}

// OptionsFromConfig 将配置文件中的 Worker/Origin 段转换为运行参数。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, errors.New("config is nil")
	}
	self, ok := cfg.SelfOrigin()
	if !ok {
		return Options{}, errors.New("self origin is not configured")
	}
	w := cfg.Worker
	return Options{
		SelfOrigin:        self.URL,
		StaticCache:       w.StaticCache,
		VideoCache:        w.VideoCache,
		MaxCachedVideos:   w.MaxCachedVideos,
		ConfigTimeout:     w.ConfigTimeout.DurationValue(),
		BackgroundTimeout: w.BackgroundTimeout.DurationValue(),
		SkipWaiting:       w.SkipWaiting,
		OfflinePages:      append([]string(nil), w.OfflinePages...),
		ConfigFiles:       append([]string(nil), w.ConfigFiles...),
		PassthroughHosts:  append([]string(nil), w.PassthroughHosts...),
		VideoExtensions:   append([]string(nil), w.VideoExtensions...),
		Precache:          append([]string(nil), w.Precache...),
		PrecacheCDN:       append([]string(nil), w.PrecacheCDN...),
	}, nil
}

func (o *Options) normalize() error {
	parsed, err := url.Parse(strings.TrimSpace(o.SelfOrigin))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid self origin: %q", o.SelfOrigin)
	}
	o.SelfOrigin = fetch.OriginOf(parsed)

	if o.StaticCache == "" || o.VideoCache == "" {
		return errors.New("cache generation names required")
	}
	if o.StaticCache == o.VideoCache {
		return errors.New("static and video generations must differ")
	}
	if o.MaxCachedVideos <= 0 {
		o.MaxCachedVideos = 10
	}
	if o.ConfigTimeout <= 0 {
		o.ConfigTimeout = 5 * time.Second
	}
	if o.BackgroundTimeout <= 0 {
		o.BackgroundTimeout = 10 * time.Minute
	}
	if len(o.VideoExtensions) == 0 {
		o.VideoExtensions = DefaultVideoExtensions
	}
	return nil
}
