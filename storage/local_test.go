package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLocalStorage_PathTraversal_Prevention 测试路径遍历防护
func TestLocalStorage_PathTraversal_Prevention(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	traversalAttempts := []string{
		"../../../etc/passwd",
		"..\\..\\..\\windows\\system32\\config\\sam",
		"../../.env",
		"..",
		".",
		"",
		"products/../../../etc/passwd",
		"/products/abc/card.jpg",
	}

	for _, attempt := range traversalAttempts {
		t.Run("save_"+attempt, func(t *testing.T) {
			err := storage.SaveWithContext(ctx, attempt, strings.NewReader("test content"))
			assert.Error(t, err, "Path traversal attempt should be rejected: %s", attempt)
			assert.Contains(t, err.Error(), "invalid", "Error should mention invalid path")
		})
	}

	_, err = storage.GetWithContext(ctx, "../../../etc/passwd")
	assert.ErrorContains(t, err, "invalid")

	err = storage.DeleteWithContext(ctx, "../../../etc/passwd")
	assert.ErrorContains(t, err, "invalid")
}

// TestLocalStorage_SaveNested 变体路径包含多级目录
func TestLocalStorage_SaveNested(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewLocalStorage(dir)
	require.NoError(t, err)

	ctx := context.Background()
	path := "products/3f1c9a/card.jpg"

	require.NoError(t, storage.SaveWithContext(ctx, path, strings.NewReader("jpeg-bytes")))

	exists, err := storage.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := storage.GetWithContext(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}

	entries, err := os.ReadDir(filepath.Join(dir, "products", "3f1c9a"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")

	// 覆盖写
	require.NoError(t, storage.SaveWithContext(ctx, path, strings.NewReader("v2")))
	r, err = storage.GetWithContext(ctx, path)
	require.NoError(t, err)
	data, _ = io.ReadAll(r)
	assert.Equal(t, "v2", string(data))
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}

	require.NoError(t, storage.DeleteWithContext(ctx, path))
	exists, err = storage.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, storage.DeleteWithContext(ctx, path))
	_, err = storage.GetWithContext(ctx, path)
	assert.ErrorContains(t, err, "not found")
}

// TestLocalStorage_CanceledContext 取消的上下文不写入
func TestLocalStorage_CanceledContext(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = storage.SaveWithContext(ctx, "products/a/original.jpg", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStorage_HealthAndName(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, storage.Health(context.Background()))
	assert.Equal(t, "local", storage.Name())
	assert.True(t, strings.HasSuffix(storage.BasePath(), string(os.PathSeparator)))
}

// TestIsValidStoragePath 测试路径验证函数
func TestIsValidStoragePath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantValid bool
	}{
		{"simple", "file.jpg", true},
		{"nested", "products/abc-123/card.jpg", true},
		{"empty", "", false},
		{"dotdot", "..", false},
		{"absolute_unix", "/etc/passwd", false},
		{"absolute_windows", "C:\\file.txt", false},
		{"traversal", "../file.txt", false},
		{"null_byte", "file\x00.txt", false},
		{"newline", "file\n.txt", false},
		{"shell", "file;rm -rf.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantValid, IsValidStoragePath(tt.path), "path: %q", tt.path)
		})
	}
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeFor("products/a/card.jpg"))
	assert.Equal(t, "image/jpeg", ContentTypeFor("x.JPEG"))
	assert.Equal(t, "image/png", ContentTypeFor("x.png"))
	assert.Equal(t, "image/webp", ContentTypeFor("x.webp"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("x"))
}

// BenchmarkIsValidStoragePath 基准测试
func BenchmarkIsValidStoragePath(b *testing.B) {
	paths := []string{
		"products/abc/card.jpg",
		"../../../etc/passwd",
		"",
	}

	for i := 0; i < b.N; i++ {
		for _, p := range paths {
			IsValidStoragePath(p)
		}
	}
}
