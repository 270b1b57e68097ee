// Package lock 作用域级互斥，保证同一作用域的审核与同步不会交错执行
package lock

import (
	"context"
	"sort"
)

// Locker 按键加锁；多个键按字典序获取，避免死锁
// 锁不可重入：持有者不得对同一键再次加锁
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// normalizeKeys 去重、去空并排序
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
