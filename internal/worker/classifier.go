package worker

import (
	"path"
	"strings"

	"github.com/tvboard/tvboard-edge/internal/fetch"
)

// Classification 是对单个请求的分类结果，不产生任何副作用。
type Classification struct {
	IsVideo bool
	// Interceptable 只对同源或 file: 视频为真，跨域视频不做缓存。
	Interceptable bool
	SameOrigin    bool
	Extension     string
	Destination   fetch.Destination
	Accept        string
}

// Classifier 根据扩展名、destination 与 Accept 判断视频请求。
type Classifier struct {
	selfOrigin string
	extensions []string
}

// NewClassifier 构造分类器，extensions 需为小写且带点。
func NewClassifier(selfOrigin string, extensions []string) Classifier {
	if len(extensions) == 0 {
		extensions = DefaultVideoExtensions
	}
	return Classifier{
		selfOrigin: strings.ToLower(strings.TrimSuffix(selfOrigin, "/")),
		extensions: extensions,
	}
}

// Classify 对所有请求都有定义，无法识别时视为非视频。
func (c Classifier) Classify(req *fetch.Request) Classification {
	if req == nil || req.URL == nil {
		return Classification{}
	}

	result := Classification{
		Destination: req.Destination,
		Accept:      req.Header.Get("Accept"),
		SameOrigin:  req.Origin() == c.selfOrigin,
	}

	lowerPath := strings.ToLower(req.URL.Path)
	for _, ext := range c.extensions {
		if strings.HasSuffix(lowerPath, ext) {
			result.Extension = ext
			break
		}
	}

	result.IsVideo = result.Extension != "" ||
		req.Destination == fetch.DestinationVideo ||
		strings.Contains(result.Accept, "video/")
	result.Interceptable = result.IsVideo && (result.SameOrigin || req.URL.Scheme == "file")
	return result
}

// matchesConfigFile 以文件名匹配配置/启动脚本。
func matchesConfigFile(req *fetch.Request, names []string) bool {
	base := path.Base(req.URL.Path)
	for _, name := range names {
		if name != "" && base == name {
			return true
		}
	}
	return false
}

// matchesPassthroughHost 判断请求是否指向实时数据类第三方 API。
func matchesPassthroughHost(req *fetch.Request, hosts []string) bool {
	host := strings.ToLower(req.URL.Hostname())
	for _, candidate := range hosts {
		if candidate != "" && strings.Contains(host, candidate) {
			return true
		}
	}
	return false
}
