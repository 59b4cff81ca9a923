package bitrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grvoip/callengine/internal/config"
	"github.com/grvoip/callengine/internal/congestion"
	"github.com/grvoip/callengine/internal/wire"
)

func TestCeilingByNetworkType(t *testing.T) {
	assert.Equal(t, uint32(MaxAudioBitrate), Ceiling(wire.NetTypeWifi, DataSavingNever, false, nil))
	assert.Equal(t, uint32(MaxAudioBitrateEDGE), Ceiling(wire.NetTypeEdge, DataSavingNever, false, nil))
	assert.Equal(t, uint32(MaxAudioBitrateGPRS), Ceiling(wire.NetTypeGPRS, DataSavingNever, false, nil))
}

func TestCeilingDataSavingOverrides(t *testing.T) {
	assert.Equal(t, uint32(MaxAudioBitrateSaving), Ceiling(wire.NetTypeWifi, DataSavingAlways, false, nil))
	assert.Equal(t, uint32(MaxAudioBitrateSaving), Ceiling(wire.NetTypeWifi, DataSavingNever, true, nil), "peer-requested data saving applies regardless of local mode")
	assert.Equal(t, uint32(MaxAudioBitrate), Ceiling(wire.NetTypeWifi, DataSavingMobile, false, nil), "mobile-only saving must not apply on wifi")
	assert.Equal(t, uint32(MaxAudioBitrateSaving), Ceiling(wire.NetTypeLTE, DataSavingMobile, false, nil))
}

func TestCeilingHonorsConfigOverride(t *testing.T) {
	store := config.NewStore()
	require.NoError(t, store.Update([]byte(`{"audio_max_bitrate": 30000}`)))
	assert.Equal(t, uint32(30000), Ceiling(wire.NetTypeWifi, DataSavingNever, false, store))
}

func TestApplyBandwidthActionClampsToRange(t *testing.T) {
	p := NewPolicy(MinAudioBitrate, nil)
	p.ApplyBandwidthAction(congestion.Decrease, MaxAudioBitrate)
	assert.Equal(t, uint32(MinAudioBitrate), p.Current(), "must not go below the floor")

	p2 := NewPolicy(MaxAudioBitrate, nil)
	p2.ApplyBandwidthAction(congestion.Increase, MaxAudioBitrate)
	assert.Equal(t, uint32(MaxAudioBitrate), p2.Current(), "must not exceed the ceiling")

	p3 := NewPolicy(10000, nil)
	p3.ApplyBandwidthAction(congestion.Increase, MaxAudioBitrate)
	assert.Equal(t, uint32(11000), p3.Current())
	p3.ApplyBandwidthAction(congestion.Decrease, MaxAudioBitrate)
	assert.Equal(t, uint32(10000), p3.Current())
}

func TestApplyBandwidthActionHonorsConfigStep(t *testing.T) {
	store := config.NewStore()
	require.NoError(t, store.Update([]byte(`{"audio_bitrate_step_incr": 500}`)))
	p := NewPolicy(10000, store)
	p.ApplyBandwidthAction(congestion.Increase, MaxAudioBitrate)
	assert.Equal(t, uint32(10500), p.Current())
}

func TestPacketLossHintSchedule(t *testing.T) {
	p := NewPolicy(InitAudioBitrate, nil)
	assert.Equal(t, 15, p.PacketLossHint(), "no samples yet defaults to the lowest hint")

	for i := 0; i < 10; i++ {
		p.RecordFrameLoss(true)
	}
	assert.Equal(t, 40, p.PacketLossHint(), "100% loss must hit the top of the schedule")
}
