package models

import (
	"time"
)

// GeoFence 地理围栏（命名多边形安全区域）
type GeoFence struct {
	ZoneID         string     `json:"zone_id" yaml:"zone_id"`
	Room           string     `json:"room" yaml:"room"`
	Polygon        []Position `json:"polygon" yaml:"polygon"` // 有序顶点，不允许自相交
	AllowedDevices []string   `json:"allowed_devices,omitempty" yaml:"allowed_devices"`
	RiskLevel      int        `json:"risk_level" yaml:"risk_level"` // 1-4
	TimeRules      []TimeRule `json:"time_rules,omitempty" yaml:"time_rules"`
}

// TimeRule 基于时间段的围栏规则覆盖
type TimeRule struct {
	Window  TimeWindow `json:"window" yaml:"window"`
	Outcome Outcome    `json:"outcome" yaml:"outcome"` // 时间段内的默认结果覆盖
	Reason  string     `json:"reason" yaml:"reason"`
}

// ZoneStatus 区域状态
type ZoneStatus string

const (
	ZoneSafe      ZoneStatus = "safe"
	ZoneWarning   ZoneStatus = "warning"
	ZoneViolation ZoneStatus = "violation"
	ZoneEmergency ZoneStatus = "emergency"
)

// GeofenceSample 位置观测样本（追加到有界滚动历史，只用于趋势评分）
type GeofenceSample struct {
	Timestamp    time.Time `json:"timestamp"`
	Position     Position  `json:"position"`
	ZoneID       string    `json:"zone_id,omitempty"` // 空表示在所有围栏之外
	AnomalyScore float64   `json:"anomaly_score"`     // 0-1
	Dwell        time.Duration `json:"dwell"`         // 在当前区域的持续停留时间
}
