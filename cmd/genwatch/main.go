// genwatch — 命令行提交一次生成并跟踪到终态。
//
// 对着网关 (或直连管线) 提交, 经推流订阅或 -poll 轮询跟踪, 终态后
// 打印成品图地址。用于联调与冒烟验证。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pixelmuse/go-studio/internal/gallery"
	"github.com/pixelmuse/go-studio/internal/genapi"
	"github.com/pixelmuse/go-studio/internal/orchestrator"
	"github.com/pixelmuse/go-studio/internal/poll"
	"github.com/pixelmuse/go-studio/internal/stream"
	"github.com/pixelmuse/go-studio/internal/timeline"
	apperrors "github.com/pixelmuse/go-studio/pkg/errors"
)

// imageList 可重复的 -image 参数。
type imageList []string

func (l *imageList) String() string { return strings.Join(*l, ",") }

func (l *imageList) Set(v string) error {
	if v = strings.TrimSpace(v); v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var (
		server  = flag.String("server", "http://127.0.0.1:8080", "gateway base URL")
		token   = flag.String("token", os.Getenv("GATEWAY_API_TOKEN"), "bearer token")
		prompt  = flag.String("prompt", "", "generation prompt")
		count   = flag.Int("count", 1, "number of images")
		aspect  = flag.String("aspect", "square", "aspect ratio (square/portrait/landscape or explicit like 16:9)")
		style   = flag.String("style", "", "style template id")
		album   = flag.String("album", "", "album id")
		usePoll = flag.Bool("poll", false, "track via status polling instead of the event stream")
		wait    = flag.Duration("wait", 5*time.Minute, "how long to wait for a terminal state")
	)
	var images imageList
	flag.Var(&images, "image", "input image URL (repeatable)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client := genapi.New(*server, genapi.WithToken(func() string { return *token }))
	tl := timeline.NewStore(client.Feed(), 20)
	gal := gallery.New()

	mux := stream.New(&stream.WSDialer{URL: wsURL(*server), Token: *token})
	defer mux.Disconnect()

	coord := orchestrator.New(orchestrator.Deps{
		API:      client,
		Timeline: tl,
		Gallery:  gal,
		Streams:  mux,
		Pollers: func(jobID string, h stream.Handlers) orchestrator.Poller {
			return poll.NewWatcher(client, jobID, h)
		},
	})

	if err := tl.FetchInitial(ctx); err != nil {
		log.Printf("feed fetch failed (continuing): %v", err)
	}

	res, err := coord.Submit(ctx, orchestrator.SubmitRequest{
		Prompt:      *prompt,
		InputImages: images,
		Prefs: orchestrator.Preferences{
			ImageCount:  *count,
			AspectRatio: *aspect,
			StyleID:     *style,
		},
		AlbumID:    *album,
		ViaPolling: *usePoll,
	})
	if err != nil {
		log.Fatalf("submit: %v", err)
	}

	log.Printf("submitted: requestId=%s entryId=%s placeholders=%d",
		res.RequestID, res.EntryID, len(res.PlaceholderIDs))
	if res.AlbumName != "" {
		log.Printf("album: %s", res.AlbumName)
	}
	if res.SystemMessage != "" {
		log.Printf("system: %s", res.SystemMessage)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, *wait)
	defer cancelWait()
	_, err = orchestrator.WaitTerminal(waitCtx, tl, res.EntryID, orchestrator.WaitOptions{
		OnProgress: func(pct float64) {
			// 进度原样透传, 0-1 刻度只在展示时换算
			if pct <= 1 {
				pct *= 100
			}
			log.Printf("progress: %.0f%%", pct)
		},
	})
	switch {
	case err == nil:
		fmt.Println("complete:")
		for _, img := range gal.Images() {
			if img.RequestID == res.RequestID && img.Status == gallery.StatusComplete {
				fmt.Println("  " + img.URL)
			}
		}
	case errors.Is(err, apperrors.ErrTimeout):
		log.Fatalf("gave up after %s: entry %s never reached a terminal state", *wait, res.EntryID)
	case errors.Is(err, apperrors.ErrConnectionLost):
		log.Fatalf("event stream lost before a terminal state: %v", err)
	case errors.Is(err, apperrors.ErrJobFailed):
		log.Fatalf("generation failed: %v", err)
	case ctx.Err() != nil:
		log.Println("interrupted")
	default:
		log.Fatalf("wait: %v", err)
	}
}

// wsURL 由 http(s) base URL 派生推流地址。
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/stream"
}

