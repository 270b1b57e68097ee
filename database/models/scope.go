package models

import (
	"fmt"
	"strings"
)

// ScopeKind 作用域类型
type ScopeKind string

const (
	ScopeProduct   ScopeKind = "product"
	ScopeCanonical ScopeKind = "canonical"
)

// MaxApprovedPerScope 每个作用域允许的最大已通过图片数
const MaxApprovedPerScope = 5

// Scope 图片记录的归属：具体商品或规范商品分组
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// ParseScope 从 kind/id 构造作用域
func ParseScope(kind, id string) (Scope, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Scope{}, fmt.Errorf("scope id is required")
	}
	switch ScopeKind(kind) {
	case ScopeProduct, ScopeCanonical:
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	default:
		return Scope{}, fmt.Errorf("unknown scope kind %q", kind)
	}
}

// Key 作用域锁 / 日志使用的键
func (s Scope) Key() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Scope) String() string {
	return s.Key()
}

// ScopeIDs 作用域实际匹配的列值；商品本身为规范条目时两列都会设置
type ScopeIDs struct {
	ProductID   string
	CanonicalID string
}

// Empty 是否没有任何可匹配的列
func (s ScopeIDs) Empty() bool {
	return s.ProductID == "" && s.CanonicalID == ""
}

// Stamp 将作用域写入新记录
func (s ScopeIDs) Stamp(r *ImageRecord) {
	r.ProductScopeID = s.ProductID
	r.CanonicalScopeID = s.CanonicalID
}

// Contains 记录是否属于该作用域
func (s ScopeIDs) Contains(r *ImageRecord) bool {
	if s.ProductID != "" && r.ProductScopeID == s.ProductID {
		return true
	}
	return s.CanonicalID != "" && r.CanonicalScopeID == s.CanonicalID
}

// LockKeys 作用域锁的键，覆盖两列
func (s ScopeIDs) LockKeys() []string {
	keys := make([]string, 0, 2)
	if s.ProductID != "" {
		keys = append(keys, Scope{Kind: ScopeProduct, ID: s.ProductID}.Key())
	}
	if s.CanonicalID != "" {
		keys = append(keys, Scope{Kind: ScopeCanonical, ID: s.CanonicalID}.Key())
	}
	return keys
}
