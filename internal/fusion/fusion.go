// Package fusion 提供双通道决策融合
//
// 将本地规则引擎决策与远程校验器决策合并为唯一权威结果：
// 1. 任一方 ESCALATE 则结果为 ESCALATE（升级永远优先），双方都升级时取紧急详情更丰富的一方
// 2. 本地置信度 > 0.8 且结果为 DENY/NEED_CONFIRM 时本地优先（高置信本地安全裁决不被远端覆盖）
// 3. 其次远端 DENY/NEED_CONFIRM 优先
// 4. 否则默认采用远端（远端校验器作为已验证基线），但总是附带本地审计上下文
//
// 合并置信度 = local*wLocal + remote*wRemote，只作为报告值，不改变已按 1-4 确定的结果。
package fusion

import (
	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

const localOverrideConfidence = 0.8

// Fusion 决策融合器
type Fusion struct {
	localWeight  float64
	remoteWeight float64
	logger       *zap.Logger
}

// NewFusion 创建融合器（权重来自配置，默认 0.6/0.4）
func NewFusion(localWeight, remoteWeight float64, logger *zap.Logger) *Fusion {
	if localWeight == 0 && remoteWeight == 0 {
		localWeight, remoteWeight = 0.6, 0.4
	}
	return &Fusion{
		localWeight:  localWeight,
		remoteWeight: remoteWeight,
		logger:       logger,
	}
}

// Merge 融合本地与远程决策
// remote 为 nil 时直接返回本地决策（远端不可用的降级路径由调用方记录）
func (f *Fusion) Merge(local, remote *models.Decision) *models.Decision {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}

	combined := local.Confidence*f.localWeight + remote.Confidence*f.remoteWeight

	// 高置信度矛盾裁决：记录融合冲突供审计，结果仍按规则确定
	if local.IsRestrictive() != remote.IsRestrictive() &&
		local.Confidence > localOverrideConfidence && remote.Confidence > localOverrideConfidence {
		f.logger.Warn("Fusion conflict between local and remote verdicts",
			zap.String("local_outcome", string(local.Outcome)),
			zap.String("remote_outcome", string(remote.Outcome)),
			zap.Float64("local_confidence", local.Confidence),
			zap.Float64("remote_confidence", remote.Confidence),
		)
	}

	var winner *models.Decision
	switch {
	// 1. 升级永远优先
	case local.Outcome == models.OutcomeEscalate || remote.Outcome == models.OutcomeEscalate:
		winner = pickEscalation(local, remote)
	// 2. 高置信本地限制性裁决优先
	case local.Confidence > localOverrideConfidence && local.IsRestrictive():
		winner = local
	// 3. 远端限制性裁决优先
	case remote.IsRestrictive():
		winner = remote
	// 4. 默认采用远端基线
	default:
		winner = remote
	}

	merged := &models.Decision{
		Outcome:               winner.Outcome,
		Confidence:            combined,
		ViolatedRules:         winner.ViolatedRules,
		RequiredConfirmations: winner.RequiredConfirmations,
		Risk:                  winner.Risk,
		Emergency:             winner.Emergency,
	}
	if merged.Emergency == nil {
		if local.Emergency != nil {
			merged.Emergency = local.Emergency
		} else {
			merged.Emergency = remote.Emergency
		}
	}

	// 本地审计上下文总是随结果返回（可追溯性）
	merged.Audit = local.Audit
	merged.Audit.Decision = merged.Outcome
	merged.Audit.RiskLevel = merged.Risk.Level
	merged.Audit.NeedConfirm = len(merged.RequiredConfirmations) > 0
	merged.Audit.Source = "fused"

	return merged
}

// pickEscalation 双方均可能升级时，取紧急详情（关键词/类别）更丰富的一方
func pickEscalation(local, remote *models.Decision) *models.Decision {
	if local.Outcome == models.OutcomeEscalate && remote.Outcome == models.OutcomeEscalate {
		if local.Emergency != nil && remote.Emergency == nil {
			return local
		}
		if remote.Emergency != nil && local.Emergency == nil {
			return remote
		}
		if local.Confidence >= remote.Confidence {
			return local
		}
		return remote
	}
	if local.Outcome == models.OutcomeEscalate {
		return local
	}
	return remote
}
