package models

// RequestCategory 请求类别（用于规则过滤、限流和基础风险）
type RequestCategory string

const (
	CategorySmartHome       RequestCategory = "smart_home"       // 智能家居控制
	CategoryAssistiveMotion RequestCategory = "assistive_motion" // 辅助移动（轮椅、升降床等）
	CategoryMedia           RequestCategory = "media"            // 媒体播放
	CategoryEmergency       RequestCategory = "emergency"        // 紧急请求
)

// GuardRequest 入站请求（来自意图解析协作方）
type GuardRequest struct {
	Intent       string          `json:"intent"`
	Device       string          `json:"device,omitempty"`
	Action       string          `json:"action,omitempty"`
	Room         string          `json:"room,omitempty"`
	Confirm      bool            `json:"confirm"`                     // 用户已确认
	Urgency      int             `json:"urgency,omitempty"`           // 1-4
	CategoryHint RequestCategory `json:"raw_category_hint,omitempty"` // 上游给出的类别提示
}

// Category 解析请求类别（优先使用上游提示，否则按意图推断）
func (r *GuardRequest) Category() RequestCategory {
	if r.CategoryHint != "" {
		return r.CategoryHint
	}
	switch r.Intent {
	case "emergency", "sos":
		return CategoryEmergency
	case "move", "lift", "recline":
		return CategoryAssistiveMotion
	case "play", "pause", "volume":
		return CategoryMedia
	default:
		return CategorySmartHome
	}
}

// Position 平面位置（室内坐标，单位米）
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AcousticFeatures 声学特征（由上游音频管线提供）
type AcousticFeatures struct {
	RMSEnergy     float64 `json:"rms_energy"`     // 归一化能量 0-1
	PitchVariance float64 `json:"pitch_variance"` // 音高方差 0-1
	SpeakingRate  float64 `json:"speaking_rate"`  // 语速（相对正常语速的倍数）
	BreathRatio   float64 `json:"breath_ratio"`   // 呼吸声占比 0-1
}

// SignalContext 入站信号上下文（语音 + 可选声学特征 + 可选位置）
type SignalContext struct {
	Text             string            `json:"text"`
	Language         string            `json:"language"` // "zh" 或 "en"
	Acoustic         *AcousticFeatures `json:"acoustic_features,omitempty"`
	Location         *Position         `json:"location,omitempty"`
	RecentUtterances []string          `json:"recent_utterances,omitempty"`
}

// EvalContext 策略评估上下文
type EvalContext struct {
	EmergencySignal *SignalEvent      `json:"emergency_signal,omitempty"`
	Acoustic        *AcousticFeatures `json:"acoustic_features,omitempty"`
	Zone            string            `json:"zone,omitempty"`   // 当前地理围栏区域
	Source          string            `json:"source,omitempty"` // 请求来源标识（限流主体）
}
