package models

import (
	"time"
)

// Outcome 决策结果（闭集，所有组件边界上只允许这四种值）
type Outcome string

const (
	OutcomeAllow       Outcome = "allow"        // 允许执行
	OutcomeDeny        Outcome = "deny"         // 拒绝执行
	OutcomeNeedConfirm Outcome = "need_confirm" // 需要用户确认
	OutcomeEscalate    Outcome = "escalate"     // 触发紧急升级
)

// RiskLevel 风险等级桶
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// ConfirmationPrompt 需要确认时的提示（规则ID + 面向用户的提示语）
type ConfirmationPrompt struct {
	RuleID string `json:"rule_id"`
	Prompt string `json:"prompt"`
}

// RiskAssessment 风险评估结果
type RiskAssessment struct {
	Score   float64  `json:"score"`   // 0-1
	Level   string   `json:"level"`   // low, medium, high, critical
	Factors []string `json:"factors"` // 参与评分的因素（设备风险、确认要求等）
}

// AuditSummary 脱敏审计摘要
// 只允许包含设备/区域标识，严禁包含原始语音文本或其他个人信息
type AuditSummary struct {
	Timestamp   time.Time `json:"timestamp"`
	Category    string    `json:"category"`
	Decision    Outcome   `json:"decision"`
	RiskLevel   string    `json:"risk_level"`
	Zone        string    `json:"zone,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	NeedConfirm bool      `json:"need_confirm"`
	Source      string    `json:"source"` // "local", "remote", "fused"
}

// Decision 决策结果（每次请求生成一次，返回后不可变）
type Decision struct {
	Outcome               Outcome              `json:"decision"`
	Confidence            float64              `json:"confidence"`
	ViolatedRules         []string             `json:"violated_rules,omitempty"`
	RequiredConfirmations []ConfirmationPrompt `json:"required_confirmations,omitempty"`
	Risk                  RiskAssessment       `json:"risk"`
	Audit                 AuditSummary         `json:"audit"`

	// Emergency 升级决策携带的紧急信号详情（关键词/类别），用于融合时选择更丰富的一侧
	Emergency *SignalEvent `json:"emergency,omitempty"`
}

// IsRestrictive 是否为限制性结果（DENY / NEED_CONFIRM）
func (d *Decision) IsRestrictive() bool {
	return d.Outcome == OutcomeDeny || d.Outcome == OutcomeNeedConfirm
}
