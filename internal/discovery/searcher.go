// Package discovery 通过外部图片搜索为作用域补充候选图片
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Query 搜索条件
type Query struct {
	Name       string
	Brand      string
	Model      string
	MaxResults int
}

// Text 拼接搜索词：优先品牌 + 型号，缺失时使用名称
func (q Query) Text() string {
	parts := make([]string, 0, 3)
	if b := strings.TrimSpace(q.Brand); b != "" {
		parts = append(parts, b)
	}
	if m := strings.TrimSpace(q.Model); m != "" {
		parts = append(parts, m)
	}
	if len(parts) == 0 {
		if n := strings.TrimSpace(q.Name); n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, " ")
}

// Searcher 外部图片搜索
type Searcher interface {
	Search(ctx context.Context, q Query) ([]string, error)
}

// HTMLSearcher 抓取搜索结果页并提取图片地址
type HTMLSearcher struct {
	client    *http.Client
	searchURL string
	limiter   *rate.Limiter
	userAgent string
}

// NewHTMLSearcher 创建搜索器；searchURL 中的 %s 会被替换为转义后的搜索词
func NewHTMLSearcher(client *http.Client, searchURL string, rps float64) *HTMLSearcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HTMLSearcher{
		client:    client,
		searchURL: searchURL,
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: "Mozilla/5.0 (compatible; product-images/1.0)",
	}
}

var scriptImagePattern = regexp.MustCompile(`"(https?://[^"\s]+\.(?:jpg|jpeg|png|webp)[^"\s]*)"`)

// Search 执行一次搜索
func (s *HTMLSearcher) Search(ctx context.Context, q Query) ([]string, error) {
	text := q.Text()
	if text == "" {
		return nil, fmt.Errorf("empty search query")
	}
	max := q.MaxResults
	if max <= 0 {
		max = 6
	}
	if max > 20 {
		max = 20
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	searchURL := fmt.Sprintf(s.searchURL, url.QueryEscape(text))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search %q: status code %d", text, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}

	c := newCollector(max)

	// 结果链接上的元数据：{"murl": "..."}
	doc.Find("a[m]").Each(func(_ int, sel *goquery.Selection) {
		raw, _ := sel.Attr("m")
		var meta struct {
			MURL string `json:"murl"`
		}
		if json.Unmarshal([]byte(raw), &meta) == nil {
			c.add(meta.MURL)
		}
	})

	doc.Find("img[data-src], img[src]").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("data-src"); ok && strings.HasPrefix(src, "http") {
			c.add(src)
			return
		}
		if src, ok := sel.Attr("src"); ok {
			c.add(src)
		}
	})

	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		for _, m := range scriptImagePattern.FindAllStringSubmatch(sel.Text(), -1) {
			c.add(m[1])
		}
	})

	log.Debug().Str("query", text).Int("found", len(c.urls)).Msg("Image search finished")
	return c.urls, nil
}

// collector 过滤并去重候选地址
type collector struct {
	max  int
	seen map[string]struct{}
	urls []string
}

func newCollector(max int) *collector {
	return &collector{max: max, seen: make(map[string]struct{}), urls: []string{}}
}

func (c *collector) add(raw string) {
	if len(c.urls) >= c.max {
		return
	}
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return
	}
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "logo") || strings.Contains(lower, "icon") || strings.Contains(lower, "sprite") {
		return
	}
	if _, ok := c.seen[raw]; ok {
		return
	}
	c.seen[raw] = struct{}{}
	c.urls = append(c.urls, raw)
}
