// Package geofence 提供地理围栏分类与行为异常评分
//
// 主要功能：
// - 多边形围栏包含判定（射线法）
// - 有界滚动位置历史（固定容量，旧样本淘汰）
// - 三项异常子评分：速度、区域切换频率、停留超时，取平均得到 0-1 异常分
// - 区域状态分级：safe / warning / violation / emergency
package geofence

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// Options 异常评分参数（来自守护规则包）
type Options struct {
	HistorySize    int           // 滚动历史容量
	NormalSpeedMin float64       // 正常速度下限（米/秒）
	NormalSpeedMax float64       // 正常速度上限（米/秒）
	ChurnWindow    int           // 区域切换统计窗口（样本数）
	ChurnThreshold int           // 窗口内切换次数阈值
	MaxDwell       time.Duration // 最长停留时间
}

// Monitor 地理围栏监视器
//
// 滚动历史是内部可变状态，由互斥锁保护；并发 Observe 调用不会观察到部分更新。
// 区域不允许重叠（配置不变量，加载时校验），分类时第一个包含的区域生效。
type Monitor struct {
	zones  []models.GeoFence
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	history   []models.GeofenceSample // 滚动历史，最多 opts.HistorySize 条
	curZone   string                  // 当前区域（空表示在所有围栏之外）
	enteredAt time.Time               // 进入当前区域的时间
}

// NewMonitor 创建地理围栏监视器
func NewMonitor(zones []models.GeoFence, opts Options, logger *zap.Logger) *Monitor {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 120
	}
	return &Monitor{
		zones:   zones,
		opts:    opts,
		logger:  logger,
		history: make([]models.GeofenceSample, 0, opts.HistorySize),
	}
}

// ContainsPoint 射线法判断点是否在多边形内部
// 从点向 +X 方向发射水平射线，统计与多边形边的交点数，奇数为内部
func ContainsPoint(polygon []models.Position, p models.Position) bool {
	if len(polygon) < 3 {
		return false
	}
	inside := false
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		pi, pj := polygon[i], polygon[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			x := (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if p.X < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Classify 将位置归类到区域，返回区域ID；在所有围栏之外时返回 ("", false)
func (m *Monitor) Classify(pos models.Position) (string, bool) {
	for _, zone := range m.zones {
		if ContainsPoint(zone.Polygon, pos) {
			return zone.ZoneID, true
		}
	}
	return "", false
}

// Zone 按ID查找围栏定义
func (m *Monitor) Zone(zoneID string) (*models.GeoFence, bool) {
	for i := range m.zones {
		if m.zones[i].ZoneID == zoneID {
			return &m.zones[i], true
		}
	}
	return nil, false
}

// Observe 记录一次位置观测并计算异常评分
//
// 三项子评分：
// 1. 速度：与上一样本之间的 距离/时间 超出正常速度带
// 2. 区域切换：最近 ChurnWindow 个样本内的区域切换次数超过阈值
// 3. 停留超时：在当前区域连续停留时间超过 MaxDwell
// 三项平均得到 0-1 异常分
func (m *Monitor) Observe(pos models.Position, now time.Time) models.GeofenceSample {
	zoneID, _ := m.Classify(pos)

	m.mu.Lock()
	defer m.mu.Unlock()

	// 维护当前区域与进入时间（区域变化时重置）
	if zoneID != m.curZone {
		m.curZone = zoneID
		m.enteredAt = now
	} else if m.enteredAt.IsZero() {
		m.enteredAt = now
	}
	dwell := now.Sub(m.enteredAt)

	speedScore := m.speedScoreLocked(pos, now)
	churnScore := m.churnScoreLocked(zoneID)
	dwellScore := m.dwellScore(dwell)

	anomaly := (speedScore + churnScore + dwellScore) / 3.0

	sample := models.GeofenceSample{
		Timestamp:    now,
		Position:     pos,
		ZoneID:       zoneID,
		AnomalyScore: anomaly,
		Dwell:        dwell,
	}

	// 追加到滚动历史，超过容量时淘汰最旧样本
	m.history = append(m.history, sample)
	if len(m.history) > m.opts.HistorySize {
		m.history = m.history[len(m.history)-m.opts.HistorySize:]
	}

	if anomaly > 0.6 {
		m.logger.Warn("Geofence anomaly detected",
			zap.String("zone_id", zoneID),
			zap.Float64("anomaly_score", anomaly),
			zap.Float64("speed_score", speedScore),
			zap.Float64("churn_score", churnScore),
			zap.Float64("dwell_score", dwellScore),
		)
	}

	return sample
}

// Status 根据区域与异常分给出区域状态
func Status(zoneID string, anomalyScore float64) models.ZoneStatus {
	if zoneID == "" {
		return models.ZoneViolation
	}
	if anomalyScore > 0.8 {
		return models.ZoneEmergency
	}
	if anomalyScore > 0.6 {
		return models.ZoneWarning
	}
	return models.ZoneSafe
}

// ActiveTimeRule 返回当前时刻区域生效的时间规则（无则 nil）
func (m *Monitor) ActiveTimeRule(zoneID string, now time.Time) *models.TimeRule {
	zone, ok := m.Zone(zoneID)
	if !ok {
		return nil
	}
	hour := now.Hour()
	for i := range zone.TimeRules {
		if zone.TimeRules[i].Window.Contains(hour) {
			return &zone.TimeRules[i]
		}
	}
	return nil
}

// CurrentZone 当前所在区域（空表示在所有围栏之外或尚无观测）
func (m *Monitor) CurrentZone() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curZone
}

// History 返回滚动历史的副本（只用于测试与诊断）
func (m *Monitor) History() []models.GeofenceSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.GeofenceSample, len(m.history))
	copy(out, m.history)
	return out
}

// speedScoreLocked 速度子评分（调用方持锁）
func (m *Monitor) speedScoreLocked(pos models.Position, now time.Time) float64 {
	if len(m.history) == 0 {
		return 0
	}
	last := m.history[len(m.history)-1]
	dt := now.Sub(last.Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	dist := math.Hypot(pos.X-last.Position.X, pos.Y-last.Position.Y)
	speed := dist / dt

	if speed > m.opts.NormalSpeedMax {
		return math.Min(1, (speed-m.opts.NormalSpeedMax)/m.opts.NormalSpeedMax)
	}
	if m.opts.NormalSpeedMin > 0 && speed < m.opts.NormalSpeedMin {
		return math.Min(1, (m.opts.NormalSpeedMin-speed)/m.opts.NormalSpeedMin)
	}
	return 0
}

// churnScoreLocked 区域切换子评分（调用方持锁）
func (m *Monitor) churnScoreLocked(zoneID string) float64 {
	window := m.opts.ChurnWindow
	if window <= 0 || m.opts.ChurnThreshold <= 0 {
		return 0
	}
	start := len(m.history) - window
	if start < 0 {
		start = 0
	}
	transitions := 0
	prev := ""
	first := true
	for _, s := range m.history[start:] {
		if !first && s.ZoneID != prev {
			transitions++
		}
		prev = s.ZoneID
		first = false
	}
	if !first && zoneID != prev {
		transitions++
	}
	return math.Min(1, float64(transitions)/float64(m.opts.ChurnThreshold))
}

// dwellScore 停留超时子评分
func (m *Monitor) dwellScore(dwell time.Duration) float64 {
	if m.opts.MaxDwell <= 0 || dwell <= m.opts.MaxDwell {
		return 0
	}
	excess := dwell - m.opts.MaxDwell
	return math.Min(1, excess.Seconds()/m.opts.MaxDwell.Seconds())
}
