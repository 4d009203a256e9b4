package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

func newTestScorer() *Scorer {
	return NewScorer(Options{
		EmitThreshold:    0.7,
		HighEnergy:       0.7,
		HighPitchVar:     0.6,
		FastSpeakingRate: 1.5,
		HighBreathRatio:  0.4,
	}, zap.NewNop())
}

func TestScoreExplicitKeyword(t *testing.T) {
	scorer := newTestScorer()
	now := time.Now()

	event := scorer.Score(&models.SignalContext{
		Text:     "救命啊",
		Language: "zh",
	}, now)

	require.NotNil(t, event)
	assert.Equal(t, models.SignalExplicit, event.Category)
	assert.Equal(t, "救命", event.Keyword)
	assert.Equal(t, 4, event.Urgency)
	assert.True(t, event.AutoDispatch)
	assert.InDelta(t, 0.8, event.Confidence, 0.001)
	assert.Equal(t, now, event.Timestamp)
}

func TestScoreEnglishKeyword(t *testing.T) {
	scorer := newTestScorer()

	event := scorer.Score(&models.SignalContext{
		Text:     "Help me please",
		Language: "en",
	}, time.Now())

	require.NotNil(t, event)
	assert.Equal(t, models.SignalExplicit, event.Category)
	assert.Equal(t, "en", event.Language)
}

func TestScoreDefaultsToChinese(t *testing.T) {
	scorer := newTestScorer()

	event := scorer.Score(&models.SignalContext{Text: "胸口疼得厉害"}, time.Now())

	require.NotNil(t, event)
	assert.Equal(t, models.SignalMedical, event.Category)
	assert.Equal(t, "zh", event.Language)
	assert.True(t, event.AutoDispatch)
}

func TestScoreNoMatch(t *testing.T) {
	scorer := newTestScorer()

	event := scorer.Score(&models.SignalContext{
		Text:     "今天天气真好",
		Language: "zh",
	}, time.Now())

	assert.Nil(t, event)
}

func TestScoreNilAndEmpty(t *testing.T) {
	scorer := newTestScorer()

	assert.Nil(t, scorer.Score(nil, time.Now()))
	assert.Nil(t, scorer.Score(&models.SignalContext{}, time.Now()))
}

func TestScoreAcousticEnergyBoost(t *testing.T) {
	scorer := newTestScorer()

	event := scorer.Score(&models.SignalContext{
		Text:     "救命",
		Language: "zh",
		Acoustic: &models.AcousticFeatures{RMSEnergy: 0.95},
	}, time.Now())

	require.NotNil(t, event)
	// 能量加成单项封顶 0.1
	assert.InDelta(t, 0.9, event.Confidence, 0.001)
}

func TestScoreMedicalBreathBoost(t *testing.T) {
	scorer := newTestScorer()

	event := scorer.Score(&models.SignalContext{
		Text:     "喘不上气",
		Language: "zh",
		Acoustic: &models.AcousticFeatures{BreathRatio: 0.9},
	}, time.Now())

	require.NotNil(t, event)
	assert.Equal(t, models.SignalMedical, event.Category)
	// 呼吸声加成封顶 0.2，截断到 1.0
	assert.InDelta(t, 1.0, event.Confidence, 0.001)
}

func TestScoreContextBoostFromRecentUtterances(t *testing.T) {
	scorer := newTestScorer()

	event := scorer.Score(&models.SignalContext{
		Text:             "摔倒了",
		Language:         "zh",
		RecentUtterances: []string{"好疼"},
	}, time.Now())

	require.NotNil(t, event)
	assert.Equal(t, models.SignalFall, event.Category)
	assert.Equal(t, 3, event.Urgency)
	assert.False(t, event.AutoDispatch)
	assert.InDelta(t, 0.85, event.Confidence, 0.001)
}

func TestScoreTiePrefersEarlierCategory(t *testing.T) {
	scorer := newTestScorer()

	// 同时命中明确求救与跌倒，置信度相同时明确求救类别胜出
	event := scorer.Score(&models.SignalContext{
		Text:     "救命我摔倒了",
		Language: "zh",
	}, time.Now())

	require.NotNil(t, event)
	assert.Equal(t, models.SignalExplicit, event.Category)
}

func TestScoreConfusion(t *testing.T) {
	scorer := newTestScorer()

	event := scorer.Score(&models.SignalContext{
		Text:     "我在哪，这是哪里",
		Language: "zh",
	}, time.Now())

	require.NotNil(t, event)
	assert.Equal(t, models.SignalConfusion, event.Category)
	assert.Equal(t, 2, event.Urgency)
	assert.False(t, event.AutoDispatch)
}

func TestStressIndicatorCount(t *testing.T) {
	scorer := newTestScorer()

	assert.Equal(t, 0, scorer.StressIndicatorCount(nil))
	assert.Equal(t, 0, scorer.StressIndicatorCount(&models.AcousticFeatures{
		RMSEnergy: 0.5, PitchVariance: 0.3, SpeakingRate: 1.0,
	}))
	assert.Equal(t, 2, scorer.StressIndicatorCount(&models.AcousticFeatures{
		RMSEnergy: 0.9, PitchVariance: 0.8, SpeakingRate: 1.0,
	}))
	assert.Equal(t, 3, scorer.StressIndicatorCount(&models.AcousticFeatures{
		RMSEnergy: 0.9, PitchVariance: 0.8, SpeakingRate: 2.0,
	}))
	// 语速过慢同样算异常
	assert.Equal(t, 1, scorer.StressIndicatorCount(&models.AcousticFeatures{
		SpeakingRate: 0.5,
	}))
}
