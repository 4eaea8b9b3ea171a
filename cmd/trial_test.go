package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidr/tptune/pkg/engine"
	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/msr/msrtest"
	"github.com/davidr/tptune/pkg/util"
	"github.com/davidr/tptune/pkg/validate"
)

func TestEndTrial(t *testing.T) {
	const stock = uint64(0x24252627)
	dev := msrtest.New(2, map[uint32]uint64{msr.RegTurboRatioLimit: stock})
	dev.Share(msr.RegTurboRatioLimit, []int{0, 1})

	topo := util.Topology{{ID: 0, Core: 0}, {ID: 1, Core: 1}}
	e, err := engine.New(dev, topo, validate.Limits{MinRatio: 12, MaxRatio: 44, RatioProgrammable: true}, msr.PowerUnits{})
	require.NoError(t, err)

	defer func(d time.Duration) { trialFlag = d }(trialFlag)

	// no trial asked for: the new setting stays
	trialFlag = 0
	_, err = e.ApplyTurboRatioLimit(msr.TurboRatioLimit{40, 40, 38, 38, 36, 36, 34, 34})
	require.NoError(t, err)
	require.NoError(t, endTrial(e))
	assert.Equal(t, uint64(0x2222242426262828), dev.Get(1, msr.RegTurboRatioLimit))

	trialFlag = 10 * time.Millisecond
	require.NoError(t, endTrial(e))
	assert.Equal(t, stock, dev.Get(0, msr.RegTurboRatioLimit))
	assert.Equal(t, stock, dev.Get(1, msr.RegTurboRatioLimit))
}
