package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pixelmuse/go-studio/pkg/logger"
)

// stylesMu 保护 styles.json 的并发读写。
var stylesMu sync.Mutex

// StyleTemplate 单个风格模板的定义。
type StyleTemplate struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	AspectRatios []string `json:"aspect_ratios,omitempty"`
	PreviewURL   string   `json:"preview_url,omitempty"`
}

// StylesRaw styles.json 的顶层结构。
type StylesRaw struct {
	Styles []StyleTemplate `json:"styles"`
}

// StylesSnapshot 风格目录快照，含哈希和时间戳。
type StylesSnapshot struct {
	Raw       *StylesRaw `json:"raw"`
	Hash      string     `json:"hash"`
	CreatedAt string     `json:"created_at"`
}

// LoadStylesRaw 加载原始 styles.json。文件不存在视为空目录。
func LoadStylesRaw(path string) (*StylesRaw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &StylesRaw{}, nil
		}
		return nil, err
	}

	var raw StylesRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Warn("styles.json parse failed", logger.FieldError, err)
		return &StylesRaw{}, nil
	}
	return &raw, nil
}

// SaveStyles 原子写入 styles.json (tmp + rename)。
func SaveStyles(path string, data *StylesRaw) error {
	stylesMu.Lock()
	defer stylesMu.Unlock()

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadStylesSnapshot 加载风格目录快照，哈希用于前端缓存判断。
func LoadStylesSnapshot(path string) (*StylesSnapshot, error) {
	raw, err := LoadStylesRaw(path)
	if err != nil {
		return nil, err
	}

	normalized, _ := json.Marshal(raw)
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(normalized))

	return &StylesSnapshot{
		Raw:       raw,
		Hash:      hash,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
