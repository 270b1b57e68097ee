package storage

import (
	"context"
	"testing"
	"time"
)

// TestWebDAVConfig 测试 WebDAV 配置结构
func TestWebDAVConfig(t *testing.T) {
	cfg := WebDAVConfig{
		URL:      "https://dav.example.com",
		Username: "user",
		Password: "pass",
		RootPath: "/images",
		Timeout:  30 * time.Second,
	}

	if cfg.URL != "https://dav.example.com" {
		t.Errorf("expected URL to be https://dav.example.com, got %s", cfg.URL)
	}
	if cfg.Username != "user" {
		t.Errorf("expected Username to be user, got %s", cfg.Username)
	}
	if cfg.RootPath != "/images" {
		t.Errorf("expected RootPath to be /images, got %s", cfg.RootPath)
	}
}

// TestWebDAVStorageValidation 测试 WebDAV 存储配置验证
func TestWebDAVStorageValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     WebDAVConfig
		wantErr bool
	}{
		{
			name:    "empty URL",
			cfg:     WebDAVConfig{URL: ""},
			wantErr: true,
		},
		{
			name: "valid URL only",
			cfg: WebDAVConfig{
				URL: "https://dav.example.com",
			},
			wantErr: true, // 会连接失败
		},
		{
			name: "with credentials",
			cfg: WebDAVConfig{
				URL:      "https://dav.example.com",
				Username: "user",
				Password: "pass",
			},
			wantErr: true, // 会连接失败
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWebDAVStorage(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewWebDAVStorage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestWebDAVStorageFullPath 测试路径生成逻辑
func TestWebDAVStorageFullPath(t *testing.T) {
	tests := []struct {
		name        string
		rootPath    string
		storagePath string
		want        string
	}{
		{
			name:        "empty root path",
			rootPath:    "",
			storagePath: "products/abc/original.jpg",
			want:        "/products/abc/original.jpg",
		},
		{
			name:        "with root path",
			rootPath:    "/images",
			storagePath: "products/abc/original.jpg",
			want:        "/images/products/abc/original.jpg",
		},
		{
			name:        "root path without leading slash",
			rootPath:    "/images",
			storagePath: "test.jpg",
			want:        "/images/test.jpg",
		},
		{
			name:        "storage path with leading slash",
			rootPath:    "",
			storagePath: "/test.jpg",
			want:        "/test.jpg",
		},
		{
			name:        "variant path",
			rootPath:    "/uploads",
			storagePath: "products/abc/thumbnail.jpg",
			want:        "/uploads/products/abc/thumbnail.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &WebDAVStorage{
				rootPath: tt.rootPath,
			}
			got := s.fullPath(tt.storagePath)
			if got != tt.want {
				t.Errorf("fullPath() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestWebDAVStorageContextCancellation 测试上下文取消处理
func TestWebDAVStorageContextCancellation(t *testing.T) {
	s := &WebDAVStorage{
		client:   nil, // 模拟状态，不会实际调用
		rootPath: "",
		baseURL:  "https://example.com",
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // 立即取消

	t.Run("SaveWithContext", func(t *testing.T) {
		err := s.SaveWithContext(ctx, "test.jpg", nil)
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("GetWithContext", func(t *testing.T) {
		_, err := s.GetWithContext(ctx, "test.jpg")
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("DeleteWithContext", func(t *testing.T) {
		err := s.DeleteWithContext(ctx, "test.jpg")
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		_, err := s.Exists(ctx, "test.jpg")
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("Health", func(t *testing.T) {
		err := s.Health(ctx)
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

// TestWebDAVStorageName 测试存储名称
func TestWebDAVStorageName(t *testing.T) {
	s := &WebDAVStorage{}
	if got := s.Name(); got != "webdav" {
		t.Errorf("Name() = %v, want webdav", got)
	}
}

// TestWebDAVStoragePathVariations 测试各种路径格式
func TestWebDAVStoragePathVariations(t *testing.T) {
	s := &WebDAVStorage{
		rootPath: "/data",
		baseURL:  "https://dav.example.com",
	}

	paths := []struct {
		input string
		want  string
	}{
		{"products/abc/original.jpg", "/data/products/abc/original.jpg"},
		{"products/abc/gallery.jpg", "/data/products/abc/gallery.jpg"},
		{"products/abc/detail.jpg", "/data/products/abc/detail.jpg"},
		{"test.png", "/data/test.png"},
	}

	for _, p := range paths {
		got := s.fullPath(p.input)
		if got != p.want {
			t.Errorf("fullPath(%s) = %s, want %s", p.input, got, p.want)
		}
	}
}
