// Package gallery 维护图库视图状态: 渲染占位与按位替换。
//
// 提交生成请求时先插入 rendering 占位，生成完成后按占位顺序逐个
// 替换为成品图。任何失败路径都必须撤下该请求的全部占位，
// 图库里不允许残留 rendering 状态的条目。
package gallery

import (
	"fmt"
	"sync"
)

// Status 图片状态。
type Status string

const (
	StatusRendering Status = "rendering"
	StatusComplete  Status = "complete"
)

// Image 图库条目。
type Image struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId,omitempty"`
	URL       string `json:"url,omitempty"`
	Status    Status `json:"status"`
}

// Gallery 图库存储。并发安全。
type Gallery struct {
	mu     sync.Mutex
	images []Image
	seq    int
}

// New 创建空图库。
func New() *Gallery {
	return &Gallery{}
}

// AddPlaceholders 为一次生成请求追加 n 个渲染占位，返回创建的占位副本。
func (g *Gallery) AddPlaceholders(requestID string, n int) []Image {
	g.mu.Lock()
	defer g.mu.Unlock()
	created := make([]Image, 0, n)
	for i := 0; i < n; i++ {
		g.seq++
		img := Image{
			ID:        fmt.Sprintf("img-%s-%d", requestID, g.seq),
			RequestID: requestID,
			Status:    StatusRendering,
		}
		g.images = append(g.images, img)
		created = append(created, img)
	}
	return created
}

// ReplaceByPosition 按占位顺序替换为成品图。
//
// 第 i 个占位填入 urls[i] 并转为 complete; 成品数少于占位数时
// 多余占位撤下，成品数多于占位数时多出的图紧随其后插入。
// 返回 (填入成品数, 撤下占位数)。
func (g *Gallery) ReplaceByPosition(requestID string, urls []string) (completed, removed int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := 0
	lastFilled := -1
	out := g.images[:0]
	for _, img := range g.images {
		if img.RequestID == requestID && img.Status == StatusRendering {
			if next >= len(urls) {
				removed++
				continue
			}
			img.URL = urls[next]
			img.Status = StatusComplete
			next++
			completed++
			out = append(out, img)
			lastFilled = len(out) - 1
			continue
		}
		out = append(out, img)
	}

	if next < len(urls) {
		extras := make([]Image, 0, len(urls)-next)
		for ; next < len(urls); next++ {
			g.seq++
			extras = append(extras, Image{
				ID:        fmt.Sprintf("img-%s-%d", requestID, g.seq),
				RequestID: requestID,
				URL:       urls[next],
				Status:    StatusComplete,
			})
			completed++
		}
		at := lastFilled + 1
		if lastFilled < 0 {
			at = len(out)
		}
		out = append(out[:at], append(extras, out[at:]...)...)
	}

	g.images = out
	return completed, removed
}

// Rekey 把一批图挂到新的请求 id 上，返回改绑数量。
//
// 占位在拿到服务端 requestId 之前先用客户端批次键登记，
// 提交成功后统一换绑，事件才能按 id 找到这批占位。
func (g *Gallery) Rekey(fromRequestID, toRequestID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for i := range g.images {
		if g.images[i].RequestID == fromRequestID {
			g.images[i].RequestID = toRequestID
			n++
		}
	}
	return n
}

// RemovePlaceholders 撤下该请求的全部渲染占位，已完成的图不受影响。
// 返回撤下数量。
func (g *Gallery) RemovePlaceholders(requestID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	out := g.images[:0]
	for _, img := range g.images {
		if img.RequestID == requestID && img.Status == StatusRendering {
			removed++
			continue
		}
		out = append(out, img)
	}
	g.images = out
	return removed
}

// Images 返回全部条目的快照副本。
func (g *Gallery) Images() []Image {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Image, len(g.images))
	copy(out, g.images)
	return out
}

// Len 返回条目数。
func (g *Gallery) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.images)
}

// CountByStatus 返回指定状态的条目数。
func (g *Gallery) CountByStatus(st Status) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for i := range g.images {
		if g.images[i].Status == st {
			n++
		}
	}
	return n
}
