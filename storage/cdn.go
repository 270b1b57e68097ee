package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// CDN 把存储路径映射为对外的 CDN 地址
type CDN struct {
	provider Provider
	baseURL  string
	host     string
	prefix   string
}

// NewCDN 创建 CDN 映射；baseURL 形如 https://cdn.example.com/images
func NewCDN(provider Provider, baseURL string) (*CDN, error) {
	if provider == nil {
		return nil, fmt.Errorf("storage provider is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid cdn base url: %q", baseURL)
	}

	prefix := strings.TrimRight(parsed.Path, "/") + "/"
	return &CDN{
		provider: provider,
		baseURL:  parsed.Scheme + "://" + parsed.Host + strings.TrimRight(parsed.Path, "/"),
		host:     strings.ToLower(parsed.Host),
		prefix:   prefix,
	}, nil
}

// Provider 返回底层存储
func (c *CDN) Provider() Provider {
	return c.provider
}

// Put 写入存储并返回 CDN 地址
func (c *CDN) Put(ctx context.Context, storagePath string, r io.Reader) (string, error) {
	if err := c.provider.SaveWithContext(ctx, storagePath, r); err != nil {
		return "", err
	}
	return c.URLFor(storagePath), nil
}

// URLFor 存储路径对应的 CDN 地址
func (c *CDN) URLFor(storagePath string) string {
	return c.baseURL + "/" + strings.TrimLeft(storagePath, "/")
}

// IsCDNURL 判断地址是否由本系统的 CDN 提供
func (c *CDN) IsCDNURL(raw string) bool {
	_, ok := c.PathFromURL(raw)
	return ok
}

// PathFromURL 从 CDN 地址反解存储路径
func (c *CDN) PathFromURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	if strings.ToLower(u.Host) != c.host {
		return "", false
	}
	if !strings.HasPrefix(u.Path, c.prefix) {
		return "", false
	}
	p := strings.TrimPrefix(u.Path, c.prefix)
	if !IsValidStoragePath(p) {
		return "", false
	}
	return p, true
}

// Remove 删除 CDN 地址对应的对象，非本系统地址直接忽略
func (c *CDN) Remove(ctx context.Context, raw string) error {
	p, ok := c.PathFromURL(raw)
	if !ok {
		return nil
	}
	return c.provider.DeleteWithContext(ctx, p)
}
