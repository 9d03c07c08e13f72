package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.TraceEndpoint != "" {
		if err := validateHTTPURL(g.TraceEndpoint); err != nil {
			return fmt.Errorf("Global.TraceEndpoint: %w", err)
		}
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenHosts := map[string]struct{}{}
	selfCount := 0
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		switch origin.Role {
		case RoleSelf:
			selfCount++
		case RoleCDN, RoleAPI:
		default:
			return newFieldError(originField(origin.Name, "Role"), "仅支持 self|cdn|api")
		}

		if err := validateOriginURL(origin.URL); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "URL"), err)
		}
		host := strings.ToLower(mustHost(origin.URL))
		if _, exists := seenHosts[host]; exists {
			return newFieldError(originField(origin.Name, "URL"), "Host 重复: "+host)
		}
		seenHosts[host] = struct{}{}

		if origin.Upstream != "" {
			if err := validateHTTPURL(origin.Upstream); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
			}
		}
		if origin.Proxy != "" {
			if err := validateHTTPURL(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Proxy"), err)
			}
		}
	}

	if selfCount != 1 {
		return newFieldError("Origin[].Role", "必须且只能有一个 self origin")
	}

	return nil
}

func (w WorkerConfig) validate() error {
	if err := validateCacheName(w.StaticCache); err != nil {
		return fmt.Errorf("Worker.StaticCache: %w", err)
	}
	if err := validateCacheName(w.VideoCache); err != nil {
		return fmt.Errorf("Worker.VideoCache: %w", err)
	}
	if w.StaticCache == w.VideoCache {
		return newFieldError("Worker.VideoCache", "不能与 StaticCache 相同")
	}
	if w.MaxCachedVideos <= 0 {
		return newFieldError("Worker.MaxCachedVideos", "必须大于 0")
	}
	if w.ConfigTimeout.DurationValue() <= 0 {
		return newFieldError("Worker.ConfigTimeout", "必须大于 0")
	}
	if w.BackgroundTimeout.DurationValue() <= 0 {
		return newFieldError("Worker.BackgroundTimeout", "必须大于 0")
	}
	if w.CleanupInterval.DurationValue() < 0 {
		return newFieldError("Worker.CleanupInterval", "不能为负数")
	}
	for _, ext := range w.VideoExtensions {
		if ext == "" || ext == "." {
			return newFieldError("Worker.VideoExtensions", "不能包含空扩展名")
		}
	}
	for _, page := range w.OfflinePages {
		if !strings.HasPrefix(page, "/") {
			return newFieldError("Worker.OfflinePages", "必须以 / 开头: "+page)
		}
	}
	for _, raw := range w.PrecacheCDN {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("Worker.PrecacheCDN: %w", err)
		}
	}
	return nil
}

func validateCacheName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\ `) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("非法缓存名称: %s", name)
	}
	return nil
}

func validateOriginURL(raw string) error {
	if err := validateHTTPURL(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return errors.New("URL 不允许包含路径")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}

func mustHost(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Host
}
