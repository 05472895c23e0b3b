// prefs.go — UI 偏好解析: 枚举口径 → 具体请求参数。
package orchestrator

import (
	"strings"

	"github.com/pixelmuse/go-studio/pkg/util"
)

const (
	defaultImageCount = 4
	maxImageCount     = 8
)

// Preferences UI 侧生成偏好 (枚举口径)。
type Preferences struct {
	ImageCount  int    // <= 0 时取默认值
	AspectRatio string // square / portrait / landscape, 或具体比例如 "16:9"
	StyleID     string // 风格模板 id, 可空
}

// ResolvedPrefs 解析后的请求参数。
type ResolvedPrefs struct {
	NumImages       int
	AspectRatio     string
	StyleTemplateID string
}

// PreferenceResolver 纯函数: UI 偏好 → 请求参数。
type PreferenceResolver func(Preferences) ResolvedPrefs

// ResolvePreferences 默认解析。图数裁剪到 [1, 8]，比例枚举映射为
// 具体宽高比，已是具体比例的原样透传。
func ResolvePreferences(p Preferences) ResolvedPrefs {
	n := p.ImageCount
	if n <= 0 {
		n = defaultImageCount
	}

	ar := strings.TrimSpace(p.AspectRatio)
	switch strings.ToLower(ar) {
	case "", "square":
		ar = "1:1"
	case "portrait":
		ar = "3:4"
	case "landscape":
		ar = "4:3"
	}

	return ResolvedPrefs{
		NumImages:       util.ClampInt(n, 1, maxImageCount),
		AspectRatio:     ar,
		StyleTemplateID: strings.TrimSpace(p.StyleID),
	}
}
