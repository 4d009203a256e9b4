package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"wisefido-guard/internal/geofence"
	"wisefido-guard/internal/models"
)

// GuardPack 守护规则包（版本化的不可变配置，启动时加载）
// 规则、设备围栏、地理围栏、联系人全部作为数据而不是代码
type GuardPack struct {
	Version string `yaml:"version"`

	Rules        []models.PolicyRule       `yaml:"rules"`
	DeviceFences []models.DeviceFence      `yaml:"device_fences"`
	GeoFences    []models.GeoFence         `yaml:"geofences"`
	Contacts     []models.EmergencyContact `yaml:"contacts"`

	// ContactChains 每个紧急类别的联系人类型优先顺序
	// 如 medical: [family_primary, doctor, caregiver, emergency_services]
	ContactChains map[string][]models.ContactType `yaml:"contact_chains"`

	RateLimit struct {
		WindowSeconds int            `yaml:"window_seconds"`
		MaxPerWindow  int            `yaml:"max_per_window"`
		Overrides     map[string]int `yaml:"overrides"` // 按请求类别覆盖
	} `yaml:"rate_limit"`

	Escalation struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"escalation"`

	Fusion struct {
		LocalWeight  float64 `yaml:"local_weight"`
		RemoteWeight float64 `yaml:"remote_weight"`
	} `yaml:"fusion"`

	// Acoustic 声学置信度调整参数（来源常量无推导依据，作为可调配置）
	Acoustic struct {
		EmitThreshold    float64 `yaml:"emit_threshold"`     // 类别发射阈值，默认 0.7
		HighEnergy       float64 `yaml:"high_energy"`        // 高能量阈值
		HighPitchVar     float64 `yaml:"high_pitch_var"`     // 高音高方差阈值
		FastSpeakingRate float64 `yaml:"fast_speaking_rate"` // 语速异常阈值（倍数）
		HighBreathRatio  float64 `yaml:"high_breath_ratio"`  // 呼吸声占比阈值
	} `yaml:"acoustic"`

	Geofence struct {
		HistorySize     int     `yaml:"history_size"`      // 滚动历史容量
		NormalSpeedMin  float64 `yaml:"normal_speed_min"`  // 正常速度下限（米/秒）
		NormalSpeedMax  float64 `yaml:"normal_speed_max"`  // 正常速度上限（米/秒）
		ChurnWindow     int     `yaml:"churn_window"`      // 区域切换统计窗口（样本数）
		ChurnThreshold  int     `yaml:"churn_threshold"`   // 窗口内切换次数阈值
		MaxDwellSeconds int     `yaml:"max_dwell_seconds"` // 最长停留时间
	} `yaml:"geofence"`
}

// LoadPack 从 YAML 文件加载守护规则包并校验
// 校验失败视为致命错误，调用方应终止启动
func LoadPack(path string) (*GuardPack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guard pack: %w", err)
	}

	pack := &GuardPack{}
	if err := yaml.Unmarshal(data, pack); err != nil {
		return nil, fmt.Errorf("failed to parse guard pack: %w", err)
	}

	pack.applyDefaults()

	if err := pack.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guard pack: %w", err)
	}

	return pack, nil
}

// applyDefaults 填充未配置项的默认值
func (p *GuardPack) applyDefaults() {
	if p.RateLimit.WindowSeconds == 0 {
		p.RateLimit.WindowSeconds = 60
	}
	if p.RateLimit.MaxPerWindow == 0 {
		p.RateLimit.MaxPerWindow = 30
	}
	if p.Escalation.TimeoutSeconds == 0 {
		p.Escalation.TimeoutSeconds = 90
	}
	if p.Fusion.LocalWeight == 0 && p.Fusion.RemoteWeight == 0 {
		p.Fusion.LocalWeight = 0.6
		p.Fusion.RemoteWeight = 0.4
	}
	if p.Acoustic.EmitThreshold == 0 {
		p.Acoustic.EmitThreshold = 0.7
	}
	if p.Acoustic.HighEnergy == 0 {
		p.Acoustic.HighEnergy = 0.7
	}
	if p.Acoustic.HighPitchVar == 0 {
		p.Acoustic.HighPitchVar = 0.6
	}
	if p.Acoustic.FastSpeakingRate == 0 {
		p.Acoustic.FastSpeakingRate = 1.5
	}
	if p.Acoustic.HighBreathRatio == 0 {
		p.Acoustic.HighBreathRatio = 0.4
	}
	if p.Geofence.HistorySize == 0 {
		p.Geofence.HistorySize = 120
	}
	if p.Geofence.NormalSpeedMax == 0 {
		p.Geofence.NormalSpeedMax = 2.0
	}
	if p.Geofence.ChurnWindow == 0 {
		p.Geofence.ChurnWindow = 20
	}
	if p.Geofence.ChurnThreshold == 0 {
		p.Geofence.ChurnThreshold = 6
	}
	if p.Geofence.MaxDwellSeconds == 0 {
		p.Geofence.MaxDwellSeconds = 3600
	}
}

// Validate 校验规则包（数值范围、非空联系人、多边形合法性）
func (p *GuardPack) Validate() error {
	validOutcomes := map[models.Outcome]bool{
		models.OutcomeAllow:       true,
		models.OutcomeDeny:        true,
		models.OutcomeNeedConfirm: true,
		models.OutcomeEscalate:    true,
	}

	ruleIDs := make(map[string]bool)
	for i, rule := range p.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule #%d: missing id", i)
		}
		if ruleIDs[rule.ID] {
			return fmt.Errorf("rule %s: duplicate id", rule.ID)
		}
		ruleIDs[rule.ID] = true
		if !validOutcomes[rule.Outcome] {
			return fmt.Errorf("rule %s: invalid outcome %q", rule.ID, rule.Outcome)
		}
	}

	for _, fence := range p.DeviceFences {
		if fence.DeviceID == "" {
			return fmt.Errorf("device fence: missing device_id")
		}
		if fence.RiskLevel < 1 || fence.RiskLevel > 4 {
			return fmt.Errorf("device fence %s: risk_level must be 1-4, got %d", fence.DeviceID, fence.RiskLevel)
		}
	}

	zoneIDs := make(map[string]bool)
	for _, zone := range p.GeoFences {
		if zone.ZoneID == "" {
			return fmt.Errorf("geofence: missing zone_id")
		}
		if zoneIDs[zone.ZoneID] {
			return fmt.Errorf("geofence %s: duplicate zone_id", zone.ZoneID)
		}
		zoneIDs[zone.ZoneID] = true
		if len(zone.Polygon) < 3 {
			return fmt.Errorf("geofence %s: polygon needs at least 3 vertices, got %d", zone.ZoneID, len(zone.Polygon))
		}
		if zone.RiskLevel < 1 || zone.RiskLevel > 4 {
			return fmt.Errorf("geofence %s: risk_level must be 1-4, got %d", zone.ZoneID, zone.RiskLevel)
		}
	}

	// 区域不允许重叠（配置不变量）
	// 近似检查：任一区域的顶点落在另一区域内部即视为重叠
	for i, a := range p.GeoFences {
		for j, b := range p.GeoFences {
			if i == j {
				continue
			}
			for _, v := range a.Polygon {
				if geofence.ContainsPoint(b.Polygon, v) {
					return fmt.Errorf("geofence %s overlaps with %s", a.ZoneID, b.ZoneID)
				}
			}
		}
	}

	if len(p.Contacts) == 0 {
		return fmt.Errorf("contacts: must not be empty")
	}
	contactTypes := make(map[models.ContactType]bool)
	for _, c := range p.Contacts {
		if c.ID == "" {
			return fmt.Errorf("contact: missing id")
		}
		if c.Endpoint == "" {
			return fmt.Errorf("contact %s: missing endpoint", c.ID)
		}
		contactTypes[c.Type] = true
	}

	for category, chain := range p.ContactChains {
		if len(chain) == 0 {
			return fmt.Errorf("contact chain %s: must not be empty", category)
		}
	}

	if p.RateLimit.WindowSeconds <= 0 || p.RateLimit.MaxPerWindow <= 0 {
		return fmt.Errorf("rate_limit: window_seconds and max_per_window must be positive")
	}

	if p.Escalation.TimeoutSeconds <= 0 {
		return fmt.Errorf("escalation: timeout_seconds must be positive")
	}

	if p.Fusion.LocalWeight < 0 || p.Fusion.RemoteWeight < 0 {
		return fmt.Errorf("fusion: weights must be non-negative")
	}
	if math.Abs(p.Fusion.LocalWeight+p.Fusion.RemoteWeight-1.0) > 0.001 {
		return fmt.Errorf("fusion: weights must sum to 1.0, got %.3f", p.Fusion.LocalWeight+p.Fusion.RemoteWeight)
	}

	if p.Acoustic.EmitThreshold <= 0 || p.Acoustic.EmitThreshold >= 1 {
		return fmt.Errorf("acoustic: emit_threshold must be in (0,1)")
	}

	if p.Geofence.HistorySize <= 0 {
		return fmt.Errorf("geofence: history_size must be positive")
	}
	if p.Geofence.NormalSpeedMax <= p.Geofence.NormalSpeedMin {
		return fmt.Errorf("geofence: normal_speed_max must be greater than normal_speed_min")
	}

	return nil
}

// ChainFor 获取紧急类别对应的联系人类型顺序（未配置时使用默认链）
func (p *GuardPack) ChainFor(category models.SignalCategory) []models.ContactType {
	if chain, ok := p.ContactChains[string(category)]; ok {
		return chain
	}
	return []models.ContactType{
		models.ContactFamilyPrimary,
		models.ContactFamilySecondary,
		models.ContactCaregiver,
		models.ContactEmergencyServices,
	}
}
