// File: control/control_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/reactor"
)

func TestMetricsRegistryCountersAndGauges(t *testing.T) {
	mr := NewMetricsRegistry()
	assert.True(t, mr.Updated().IsZero())

	mr.Inc("accepted")
	mr.Add("accepted", 2)
	mr.Set("active", 7)

	assert.EqualValues(t, 3, mr.Counter("accepted"))
	snap := mr.GetSnapshot()
	assert.EqualValues(t, 3, snap["accepted"])
	assert.Equal(t, 7, snap["active"])
	assert.False(t, mr.Updated().IsZero())
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	RegisterRuntimeProbes(dp)
	r, err := reactor.New(4)
	require.NoError(t, err)
	defer r.Release()
	RegisterReactorProbes(dp, "reactor", r)

	state := dp.DumpState()
	assert.Contains(t, state, "runtime.cpus")
	assert.IsType(t, pool.BytePoolStats{}, state["pool.bytes"])
	stats, ok := state["reactor.stats"].(reactor.Stats)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Refs)

	dp.UnregisterProbe("reactor.stats")
	assert.NotContains(t, dp.DumpState(), "reactor.stats")
}
