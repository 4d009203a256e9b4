package models

// RuleCategory 策略规则类别
type RuleCategory string

const (
	RuleDevice    RuleCategory = "device" // 设备控制规则
	RuleGeo       RuleCategory = "geo"    // 地理围栏规则
	RuleTime      RuleCategory = "time"   // 时间段规则
	RuleRate      RuleCategory = "rate"   // 频率规则
	RuleEmergency RuleCategory = "emergency"
)

// TimeWindow 时间窗口（小时，支持跨午夜，如 22-6）
type TimeWindow struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// Contains 判断小时是否落在窗口内（StartHour > EndHour 表示跨午夜）
func (w *TimeWindow) Contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// RuleCondition 规则匹配条件（全部为空的字段视为通配）
type RuleCondition struct {
	Devices    []string         `json:"devices,omitempty" yaml:"devices"`
	Actions    []string         `json:"actions,omitempty" yaml:"actions"`
	Rooms      []string         `json:"rooms,omitempty" yaml:"rooms"`
	Zones      []string         `json:"zones,omitempty" yaml:"zones"`
	Categories []RequestCategory `json:"categories,omitempty" yaml:"categories"`
	Window     *TimeWindow      `json:"window,omitempty" yaml:"window"`
}

// PolicyRule 策略规则（加载后不可变，按优先级降序评估）
type PolicyRule struct {
	ID       string        `json:"id" yaml:"id"`
	Category RuleCategory  `json:"category" yaml:"category"`
	When     RuleCondition `json:"when" yaml:"when"`
	Outcome  Outcome       `json:"outcome" yaml:"outcome"`
	Priority int           `json:"priority" yaml:"priority"` // 越大越优先
	Reason   string        `json:"reason" yaml:"reason"`
	Prompt   string        `json:"prompt,omitempty" yaml:"prompt"` // NEED_CONFIRM 时的提示语
}

// DeviceFence 设备安全围栏
type DeviceFence struct {
	DeviceID       string      `json:"device_id" yaml:"device_id"`
	Class          string      `json:"class" yaml:"class"` // lock, stove, wheelchair, light, speaker...
	Room           string      `json:"room" yaml:"room"`
	RiskLevel      int         `json:"risk_level" yaml:"risk_level"` // 1-4
	AlwaysAllow    []string    `json:"always_allow,omitempty" yaml:"always_allow"`
	ConfirmActions []string    `json:"confirm_actions,omitempty" yaml:"confirm_actions"`
	Window         *TimeWindow `json:"window,omitempty" yaml:"window"` // 可操作时间段
}

// ActionAlwaysAllowed 动作是否在白名单内
func (f *DeviceFence) ActionAlwaysAllowed(action string) bool {
	for _, a := range f.AlwaysAllow {
		if a == action {
			return true
		}
	}
	return false
}

// ActionNeedsConfirm 动作是否需要确认
func (f *DeviceFence) ActionNeedsConfirm(action string) bool {
	for _, a := range f.ConfirmActions {
		if a == action {
			return true
		}
	}
	return false
}
