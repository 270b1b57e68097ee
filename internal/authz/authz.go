// Package authz 调用方能力模型
package authz

import (
	"context"
	"strings"

	"github.com/anoixa/product-images/internal/errs"
)

// Capability 操作所需的能力
type Capability string

const (
	// CapReview 单条审核：approve / reject / restore / setPrimary / setHero / 新增图片 / 手动下载
	CapReview Capability = "review"
	// CapBulk 批量操作：rejectAll / finalize
	CapBulk Capability = "bulk"
	// CapDiscover 触发外部搜索
	CapDiscover Capability = "discover"
	// CapOperate 运维操作：删除、回填、同步、刷新缓存字段
	CapOperate Capability = "operate"
)

// 角色
const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleAgent    = "agent"
)

var roleCapabilities = map[string][]Capability{
	RoleAdmin:    {CapReview, CapBulk, CapDiscover, CapOperate},
	RoleReviewer: {CapReview},
	RoleAgent:    {CapReview, CapDiscover},
}

// CapabilitiesForRole 角色对应的能力，未知角色没有任何能力
func CapabilitiesForRole(role string) []Capability {
	caps := roleCapabilities[strings.ToLower(strings.TrimSpace(role))]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// Actor 发起操作的调用方
type Actor struct {
	Subject      string
	Role         string
	Capabilities []Capability
}

// NewActor 按角色创建调用方
func NewActor(subject, role string) Actor {
	return Actor{Subject: subject, Role: role, Capabilities: CapabilitiesForRole(role)}
}

// System 内部调用方（命令行、后台任务），拥有全部能力
func System() Actor {
	return NewActor("system", RoleAdmin)
}

// Has 是否具有某能力
func (a Actor) Has(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

type actorKey struct{}

// WithActor 把调用方放入 context
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// FromContext 取出调用方
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Require 校验 context 中的调用方具有能力 c
func Require(ctx context.Context, c Capability) error {
	a, ok := FromContext(ctx)
	if !ok || !a.Has(c) {
		return &errs.ForbiddenError{Capability: string(c)}
	}
	return nil
}
