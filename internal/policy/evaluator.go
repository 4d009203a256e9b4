// Package policy 提供策略规则评估
//
// 评估流程：
// 1. 紧急旁路：紧急信号 urgency >= 3 或三项高应激声学指标中命中两项，直接 ALLOW（优先于一切规则）
// 2. 按请求类别过滤规则，按优先级降序稳定排序
// 3. 顺序评估：第一条命中的 DENY/ESCALATE 规则终止评估；NEED_CONFIRM 规则可叠加多条提示
// 4. 滑动窗口限流：超限强制 DENY
// 5. 风险评分（设备风险 + 确认要求 + 类别基础风险），分桶 low/medium/high/critical
// 6. 生成脱敏审计摘要（不含原始语音文本）
//
// 评估过程中的意外输入一律降级为 DENY（永不静默 ALLOW），调用方总能拿到决策。
package policy

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// 本地决策置信度（经验常量，融合时参与加权）
const (
	confidenceAllow     = 0.80
	confidenceConfirm   = 0.85
	confidenceDeny      = 0.90
	confidenceRateLimit = 0.95
)

// StressCounter 高应激声学指标计数接口（由 signal.Scorer 实现）
type StressCounter interface {
	StressIndicatorCount(ac *models.AcousticFeatures) int
}

// Evaluator 策略规则评估器
//
// 规则集与设备围栏加载后不可变；限流器内部自带同步。
type Evaluator struct {
	rules   []models.PolicyRule
	fences  map[string]*models.DeviceFence
	limiter *SlidingWindowLimiter
	stress  StressCounter
	logger  *zap.Logger
}

// NewEvaluator 创建评估器（规则按优先级降序稳定排序，同优先级保持配置顺序）
func NewEvaluator(
	rules []models.PolicyRule,
	fences []models.DeviceFence,
	limiter *SlidingWindowLimiter,
	stress StressCounter,
	logger *zap.Logger,
) *Evaluator {
	sorted := make([]models.PolicyRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	fenceMap := make(map[string]*models.DeviceFence, len(fences))
	for i := range fences {
		fenceMap[fences[i].DeviceID] = &fences[i]
	}

	return &Evaluator{
		rules:   sorted,
		fences:  fenceMap,
		limiter: limiter,
		stress:  stress,
		logger:  logger,
	}
}

// Evaluate 评估请求，总是返回一个决策（内部错误降级为 DENY）
func (e *Evaluator) Evaluate(req *models.GuardRequest, evalCtx *models.EvalContext, now time.Time) *models.Decision {
	if req == nil {
		return e.denyDecision(nil, "", now, "evaluation_error: nil request")
	}
	if evalCtx == nil {
		evalCtx = &models.EvalContext{}
	}

	category := req.Category()

	// 1. 紧急旁路：永远最先检查，命中后无条件覆盖后续所有规则
	if bypass := e.emergencyBypass(req, evalCtx, now); bypass != nil {
		return bypass
	}

	decision := &models.Decision{
		Outcome:    models.OutcomeAllow,
		Confidence: confidenceAllow,
	}

	// 2-3. 规则评估（过滤 → 降序 → 首条 DENY/ESCALATE 终止，NEED_CONFIRM 叠加）
	hour := now.Hour()
	terminated := false
	for _, rule := range e.rules {
		if !ruleApplies(&rule, category) {
			continue
		}
		if !ruleMatches(&rule, req, evalCtx, hour) {
			continue
		}

		switch rule.Outcome {
		case models.OutcomeDeny:
			decision.Outcome = models.OutcomeDeny
			decision.Confidence = confidenceDeny
			decision.ViolatedRules = append(decision.ViolatedRules, rule.ID)
			terminated = true
		case models.OutcomeEscalate:
			decision.Outcome = models.OutcomeEscalate
			decision.Confidence = confidenceDeny
			decision.ViolatedRules = append(decision.ViolatedRules, rule.ID)
			terminated = true
		case models.OutcomeNeedConfirm:
			// 用户已确认则视为满足
			if !req.Confirm {
				decision.Outcome = models.OutcomeNeedConfirm
				decision.Confidence = confidenceConfirm
				decision.RequiredConfirmations = append(decision.RequiredConfirmations,
					models.ConfirmationPrompt{RuleID: rule.ID, Prompt: rule.Prompt})
			}
		}
		if terminated {
			break
		}
	}

	// 设备围栏：确认要求与时间段限制（白名单动作除外）
	if !terminated {
		e.applyDeviceFence(decision, req, hour)
	}

	// 4. 限流：超限强制 DENY，覆盖之前的结果
	if !e.limiter.Allow(string(category), now) {
		decision.Outcome = models.OutcomeDeny
		decision.Confidence = confidenceRateLimit
		decision.ViolatedRules = append(decision.ViolatedRules, "rate_limit")
		decision.RequiredConfirmations = nil
		e.logger.Warn("Rate limit exceeded",
			zap.String("category", string(category)),
			zap.String("device", req.Device),
		)
	}

	// 5. 风险评分
	decision.Risk = e.assessRisk(req, category)

	// 6. 脱敏审计摘要
	decision.Audit = models.AuditSummary{
		Timestamp:   now,
		Category:    string(category),
		Decision:    decision.Outcome,
		RiskLevel:   decision.Risk.Level,
		Zone:        evalCtx.Zone,
		DeviceID:    req.Device,
		NeedConfirm: len(decision.RequiredConfirmations) > 0,
		Source:      "local",
	}

	return decision
}

// emergencyBypass 紧急旁路检查
// 条件：紧急信号 urgency >= 3，或能量/音高方差/语速三项高应激指标命中两项
func (e *Evaluator) emergencyBypass(req *models.GuardRequest, evalCtx *models.EvalContext, now time.Time) *models.Decision {
	sig := evalCtx.EmergencySignal
	highUrgency := sig != nil && sig.Urgency >= 3
	highStress := e.stress != nil && e.stress.StressIndicatorCount(evalCtx.Acoustic) >= 2

	if !highUrgency && !highStress {
		return nil
	}

	confidence := 1.0
	if sig != nil {
		confidence = sig.Confidence
	}

	e.logger.Info("Emergency bypass triggered",
		zap.Bool("high_urgency", highUrgency),
		zap.Bool("high_stress", highStress),
	)

	return &models.Decision{
		Outcome:    models.OutcomeAllow,
		Confidence: confidence,
		Risk: models.RiskAssessment{
			Score:   1.0,
			Level:   models.RiskCritical,
			Factors: []string{"emergency_bypass"},
		},
		Audit: models.AuditSummary{
			Timestamp:   now,
			Category:    string(models.CategoryEmergency),
			Decision:    models.OutcomeAllow,
			RiskLevel:   models.RiskCritical,
			Zone:        evalCtx.Zone,
			DeviceID:    req.Device,
			NeedConfirm: false,
			Source:      "local",
		},
		Emergency: sig,
	}
}

// applyDeviceFence 应用设备围栏的确认要求与时间段限制
func (e *Evaluator) applyDeviceFence(decision *models.Decision, req *models.GuardRequest, hour int) {
	fence, ok := e.fences[req.Device]
	if !ok || req.Action == "" {
		return
	}
	if fence.ActionAlwaysAllowed(req.Action) {
		return
	}

	needConfirm := fence.ActionNeedsConfirm(req.Action)
	outsideWindow := fence.Window != nil && !fence.Window.Contains(hour)

	if (needConfirm || outsideWindow) && !req.Confirm {
		decision.Outcome = models.OutcomeNeedConfirm
		if decision.Confidence < confidenceConfirm {
			decision.Confidence = confidenceConfirm
		}
		prompt := "confirm_" + fence.Class + "_" + req.Action
		decision.RequiredConfirmations = append(decision.RequiredConfirmations,
			models.ConfirmationPrompt{RuleID: "fence_" + fence.DeviceID, Prompt: prompt})
	}
}

// assessRisk 风险评分：设备风险 + 确认要求 + 类别基础风险
func (e *Evaluator) assessRisk(req *models.GuardRequest, category models.RequestCategory) models.RiskAssessment {
	score := 0.0
	var factors []string

	if fence, ok := e.fences[req.Device]; ok {
		score += float64(fence.RiskLevel) / 4.0 * 0.4
		factors = append(factors, "device_risk")
		if req.Action != "" && fence.ActionNeedsConfirm(req.Action) {
			score += 0.2
			factors = append(factors, "confirm_required_action")
		}
	}

	// 类别基础风险：emergency > assistive_motion > smart_home > media
	switch category {
	case models.CategoryEmergency:
		score += 0.3
	case models.CategoryAssistiveMotion:
		score += 0.2
	case models.CategorySmartHome:
		score += 0.15
	case models.CategoryMedia:
		score += 0.05
	}
	factors = append(factors, "category_base")

	level := models.RiskLow
	switch {
	case score >= 0.75:
		level = models.RiskCritical
	case score >= 0.55:
		level = models.RiskHigh
	case score >= 0.3:
		level = models.RiskMedium
	}

	return models.RiskAssessment{Score: score, Level: level, Factors: factors}
}

// denyDecision 降级 DENY 决策（评估错误时使用，永不静默 ALLOW）
func (e *Evaluator) denyDecision(req *models.GuardRequest, zone string, now time.Time, reason string) *models.Decision {
	deviceID := ""
	category := ""
	if req != nil {
		deviceID = req.Device
		category = string(req.Category())
	}
	e.logger.Error("Evaluation degraded to deny",
		zap.String("reason", reason),
	)
	return &models.Decision{
		Outcome:       models.OutcomeDeny,
		Confidence:    confidenceDeny,
		ViolatedRules: []string{reason},
		Risk:          models.RiskAssessment{Score: 0.5, Level: models.RiskMedium, Factors: []string{"evaluation_error"}},
		Audit: models.AuditSummary{
			Timestamp: now,
			Category:  category,
			Decision:  models.OutcomeDeny,
			RiskLevel: models.RiskMedium,
			Zone:      zone,
			DeviceID:  deviceID,
			Source:    "local",
		},
	}
}

// ruleApplies 规则是否适用于请求类别
func ruleApplies(rule *models.PolicyRule, category models.RequestCategory) bool {
	if len(rule.When.Categories) == 0 {
		return true
	}
	for _, c := range rule.When.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// ruleMatches 规则条件结构化匹配（空字段视为通配）
func ruleMatches(rule *models.PolicyRule, req *models.GuardRequest, evalCtx *models.EvalContext, hour int) bool {
	if len(rule.When.Devices) > 0 && !contains(rule.When.Devices, req.Device) {
		return false
	}
	if len(rule.When.Actions) > 0 && !contains(rule.When.Actions, req.Action) {
		return false
	}
	if len(rule.When.Rooms) > 0 && !contains(rule.When.Rooms, req.Room) {
		return false
	}
	if len(rule.When.Zones) > 0 && !contains(rule.When.Zones, evalCtx.Zone) {
		return false
	}
	if rule.When.Window != nil && !rule.When.Window.Contains(hour) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
