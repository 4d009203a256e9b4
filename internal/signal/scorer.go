// Package signal 提供求救信号评分
//
// 对语音文本（加可选声学特征）按类别关键词表打分：
// 命中关键词后从基础置信度 0.8 起步，叠加声学线索与语境加强词的有界加成，
// 最终置信度截断到 [0,1]，超过发射阈值的最高置信度类别被发射。
// 无副作用：对输入与静态关键词表的纯函数。
package signal

import (
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

const baseConfidence = 0.8

// Options 声学评分参数（来自守护规则包）
type Options struct {
	EmitThreshold    float64 // 类别发射阈值，默认 0.7
	HighEnergy       float64 // 高能量阈值
	HighPitchVar     float64 // 高音高方差阈值
	FastSpeakingRate float64 // 语速异常阈值（相对正常语速的倍数）
	HighBreathRatio  float64 // 呼吸声占比阈值
}

// Scorer 求救信号评分器
type Scorer struct {
	opts   Options
	logger *zap.Logger
}

// NewScorer 创建评分器
func NewScorer(opts Options, logger *zap.Logger) *Scorer {
	if opts.EmitThreshold == 0 {
		opts.EmitThreshold = 0.7
	}
	return &Scorer{
		opts:   opts,
		logger: logger,
	}
}

// Score 对一条语音做求救评分
// 多个类别命中时返回置信度最高的类别；没有类别超过阈值时返回 nil
func (s *Scorer) Score(sc *models.SignalContext, now time.Time) *models.SignalEvent {
	if sc == nil || sc.Text == "" {
		return nil
	}

	text := normalize(sc.Text)
	lang := sc.Language
	if lang == "" {
		lang = "zh"
	}

	var best *models.SignalEvent
	for _, category := range categoryOrder {
		keyword := matchKeyword(text, keywordTables[category][lang])
		if keyword == "" {
			continue
		}

		confidence := baseConfidence
		confidence += s.acousticBoost(category, sc.Acoustic)
		confidence += s.contextBoost(text, lang, sc.RecentUtterances)
		confidence = clamp01(confidence)

		if confidence <= s.opts.EmitThreshold {
			continue
		}

		if best == nil || confidence > best.Confidence {
			best = &models.SignalEvent{
				Timestamp:    now,
				Category:     category,
				Keyword:      keyword,
				Language:     lang,
				Confidence:   confidence,
				Urgency:      categoryUrgency[category],
				AutoDispatch: categoryAutoDispatch[category],
			}
		}
	}

	if best != nil {
		s.logger.Info("Distress signal detected",
			zap.String("category", string(best.Category)),
			zap.Float64("confidence", best.Confidence),
			zap.Int("urgency", best.Urgency),
			zap.Bool("auto_dispatch", best.AutoDispatch),
		)
	}

	return best
}

// StressIndicatorCount 统计高应激声学指标数量（能量、音高方差、语速）
// 策略评估器用"三取二"规则作为紧急旁路的补充条件
func (s *Scorer) StressIndicatorCount(ac *models.AcousticFeatures) int {
	if ac == nil {
		return 0
	}
	count := 0
	if ac.RMSEnergy > s.opts.HighEnergy {
		count++
	}
	if ac.PitchVariance > s.opts.HighPitchVar {
		count++
	}
	if abnormalRate(ac.SpeakingRate, s.opts.FastSpeakingRate) {
		count++
	}
	return count
}

// acousticBoost 声学加成（每项独立有界后求和）
func (s *Scorer) acousticBoost(category models.SignalCategory, ac *models.AcousticFeatures) float64 {
	if ac == nil {
		return 0
	}

	boost := 0.0
	if ac.RMSEnergy > s.opts.HighEnergy {
		boost += math.Min(0.1, (ac.RMSEnergy-s.opts.HighEnergy)*0.5)
	}
	if ac.PitchVariance > s.opts.HighPitchVar {
		boost += math.Min(0.1, (ac.PitchVariance-s.opts.HighPitchVar)*0.5)
	}
	if abnormalRate(ac.SpeakingRate, s.opts.FastSpeakingRate) {
		boost += 0.1
	}

	// 类别特定加成：医疗事件下呼吸声占比高（喘息）是强信号
	if category == models.SignalMedical && ac.BreathRatio > s.opts.HighBreathRatio {
		boost += math.Min(0.2, (ac.BreathRatio-s.opts.HighBreathRatio)*0.5)
	}

	return boost
}

// contextBoost 语境加成（加强词、位置提及、近期对话重复）
func (s *Scorer) contextBoost(text, lang string, recent []string) float64 {
	boost := 0.0

	if matchKeyword(text, intensifierWords[lang]) != "" {
		boost += 0.05
	}
	if matchKeyword(text, locationWords[lang]) != "" {
		boost += 0.05
	}

	// 近期对话中也出现加强词，说明持续处于异常状态
	for _, u := range recent {
		if matchKeyword(normalize(u), intensifierWords[lang]) != "" {
			boost += 0.05
			break
		}
	}

	return math.Min(0.15, boost)
}

// abnormalRate 语速是否异常（过快或过慢）
func abnormalRate(rate, fastThreshold float64) bool {
	if rate == 0 || fastThreshold == 0 {
		return false
	}
	return rate > fastThreshold || rate < 1.0/fastThreshold
}

// matchKeyword 返回第一个命中的关键词（子串匹配）
func matchKeyword(text string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
