package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 TVBOARD_LISTENPORT。
const EnvPrefix = "TVBOARD"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

// loadDotEnv 加载配置文件旁的 .env，已存在的环境变量优先。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("解析 .env 失败: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TraceEndpoint", "")

	v.SetDefault("Worker.StaticCache", "tvboard-v2")
	v.SetDefault("Worker.VideoCache", "tvboard-videos-v1")
	v.SetDefault("Worker.MaxCachedVideos", 10)
	v.SetDefault("Worker.ConfigTimeout", "5s")
	v.SetDefault("Worker.BackgroundTimeout", "10m")
	v.SetDefault("Worker.CleanupInterval", "1h")
	v.SetDefault("Worker.SkipWaiting", true)
	v.SetDefault("Worker.OfflinePages", []string{"/index.html", "/"})
	v.SetDefault("Worker.ConfigFiles", []string{
		"config.js", "firebase-config.js", "config-service.js", "messages-service.js", "app.js",
	})
	v.SetDefault("Worker.PassthroughHosts", []string{
		"firebaseio.com", "googleapis.com", "openweathermap.org", "rss2json.com",
	})
	v.SetDefault("Worker.VideoExtensions", []string{".mp4", ".webm", ".ogg", ".mov", ".avi"})
	v.SetDefault("Worker.Precache", []string{
		"/", "/index.html", "/styles.css", "/app.js", "/config.js", "/firebase-config.js",
		"/config-service.js", "/messages-service.js", "/manifest.json",
	})
	v.SetDefault("Worker.PrecacheCDN", []string{
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
		"https://fonts.googleapis.com/css2?family=Heebo:wght@300;400;500;600;700&display=swap",
		"https://www.gstatic.com/firebasejs/10.7.1/firebase-app-compat.js",
		"https://www.gstatic.com/firebasejs/10.7.1/firebase-database-compat.js",
	})
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.StaticCache = strings.TrimSpace(w.StaticCache)
	w.VideoCache = strings.TrimSpace(w.VideoCache)
	if w.ConfigTimeout.DurationValue() == 0 {
		w.ConfigTimeout = Duration(5 * time.Second)
	}
	if w.BackgroundTimeout.DurationValue() == 0 {
		w.BackgroundTimeout = Duration(10 * time.Minute)
	}
	for i, ext := range w.VideoExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		w.VideoExtensions[i] = ext
	}
	for i, host := range w.PassthroughHosts {
		w.PassthroughHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Role = strings.ToLower(strings.TrimSpace(o.Role))
	if o.Role == "" {
		o.Role = RoleCDN
	}
	o.URL = strings.TrimSuffix(strings.TrimSpace(o.URL), "/")
	o.Upstream = strings.TrimSuffix(strings.TrimSpace(o.Upstream), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
