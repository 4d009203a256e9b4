package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-guard/internal/models"
)

func writePack(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guard_pack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalPack = `
version: "test"
contacts:
  - id: c1
    name: "女儿"
    endpoint: "+8613800001111"
    type: family_primary
    priority: 1
    channels: { voice: true }
`

func TestLoadPackMinimalAppliesDefaults(t *testing.T) {
	pack, err := LoadPack(writePack(t, minimalPack))
	require.NoError(t, err)

	assert.Equal(t, 60, pack.RateLimit.WindowSeconds)
	assert.Equal(t, 30, pack.RateLimit.MaxPerWindow)
	assert.Equal(t, 90, pack.Escalation.TimeoutSeconds)
	assert.InDelta(t, 0.6, pack.Fusion.LocalWeight, 0.001)
	assert.InDelta(t, 0.4, pack.Fusion.RemoteWeight, 0.001)
	assert.InDelta(t, 0.7, pack.Acoustic.EmitThreshold, 0.001)
	assert.Equal(t, 120, pack.Geofence.HistorySize)
}

func TestLoadPackMissingFile(t *testing.T) {
	_, err := LoadPack(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read guard pack")
}

func TestLoadPackInvalidOutcome(t *testing.T) {
	pack := minimalPack + `
rules:
  - id: bad_rule
    outcome: maybe
    priority: 10
`
	_, err := LoadPack(writePack(t, pack))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid outcome")
}

func TestLoadPackDuplicateRuleID(t *testing.T) {
	pack := minimalPack + `
rules:
  - id: r1
    outcome: deny
    priority: 10
  - id: r1
    outcome: allow
    priority: 5
`
	_, err := LoadPack(writePack(t, pack))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id")
}

func TestLoadPackPolygonTooSmall(t *testing.T) {
	pack := minimalPack + `
geofences:
  - zone_id: bad_zone
    risk_level: 1
    polygon:
      - { x: 0, y: 0 }
      - { x: 1, y: 0 }
`
	_, err := LoadPack(writePack(t, pack))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 3 vertices")
}

func TestLoadPackOverlappingZones(t *testing.T) {
	pack := minimalPack + `
geofences:
  - zone_id: zone_a
    risk_level: 1
    polygon:
      - { x: 0, y: 0 }
      - { x: 4, y: 0 }
      - { x: 4, y: 4 }
      - { x: 0, y: 4 }
  - zone_id: zone_b
    risk_level: 1
    polygon:
      - { x: 2, y: 2 }
      - { x: 6, y: 2 }
      - { x: 6, y: 6 }
      - { x: 2, y: 6 }
`
	_, err := LoadPack(writePack(t, pack))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps")
}

func TestLoadPackEmptyContacts(t *testing.T) {
	_, err := LoadPack(writePack(t, `version: "test"`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contacts: must not be empty")
}

func TestLoadPackFusionWeightsMustSumToOne(t *testing.T) {
	pack := minimalPack + `
fusion:
  local_weight: 0.7
  remote_weight: 0.7
`
	_, err := LoadPack(writePack(t, pack))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights must sum to 1.0")
}

func TestLoadPackBadDeviceFenceRisk(t *testing.T) {
	pack := minimalPack + `
device_fences:
  - device_id: d1
    class: lock
    risk_level: 9
`
	_, err := LoadPack(writePack(t, pack))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk_level must be 1-4")
}

func TestChainFor(t *testing.T) {
	pack, err := LoadPack(writePack(t, minimalPack+`
contact_chains:
  medical: [family_primary, doctor]
`))
	require.NoError(t, err)

	// 配置了链的类别用配置顺序
	chain := pack.ChainFor(models.SignalMedical)
	require.Len(t, chain, 2)
	assert.Equal(t, models.ContactDoctor, chain[1])

	// 未配置的类别退回默认链
	chain = pack.ChainFor(models.SignalFall)
	require.Len(t, chain, 4)
	assert.Equal(t, models.ContactFamilyPrimary, chain[0])
	assert.Equal(t, models.ContactEmergencyServices, chain[3])
}
