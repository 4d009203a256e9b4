package models

import (
	"time"
)

// SignalCategory 求救信号类别
type SignalCategory string

const (
	SignalExplicit  SignalCategory = "explicit"  // 明确求救（救命、help）
	SignalMedical   SignalCategory = "medical"   // 医疗症状（胸口疼、喘不上气）
	SignalFall      SignalCategory = "fall"      // 跌倒（摔倒了、起不来）
	SignalConfusion SignalCategory = "confusion" // 意识混乱（我在哪）
	SignalEmotional SignalCategory = "emotional" // 情绪异常（害怕、孤独）
)

// SignalEvent 求救信号事件（每条语音生成一次，仅保留在审计摘要中）
type SignalEvent struct {
	Timestamp    time.Time      `json:"timestamp"`
	Category     SignalCategory `json:"category"`
	Keyword      string         `json:"keyword"`  // 命中的关键词
	Language     string         `json:"language"` // "zh" 或 "en"
	Confidence   float64        `json:"confidence"`
	Urgency      int            `json:"urgency"`       // 1-4
	AutoDispatch bool           `json:"auto_dispatch"` // true 时无需确认即可升级
}
