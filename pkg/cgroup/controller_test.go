package cgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGroupPathDefaultsToSystemSlice(t *testing.T) {
	assert.Equal(t, "/coreinit.slice/system.slice/nginx.service.scope", GroupPath("nginx.service", ""))
}

func TestGroupPathHonorsExplicitSlice(t *testing.T) {
	assert.Equal(t, "/coreinit.slice/batch.slice/worker.service.scope", GroupPath("worker.service", "batch.slice"))
}

func TestResourcesToSpecOmitsUnsetControls(t *testing.T) {
	r := Resources{}
	spec := r.toSpec()
	assert.Nil(t, spec.Memory)
	assert.Nil(t, spec.CPU)
}

func TestResourcesToSpecAppliesMemoryMax(t *testing.T) {
	r := Resources{MemoryMax: 512 * 1024 * 1024}
	spec := r.toSpec()
	if assert.NotNil(t, spec.Memory) {
		assert.Equal(t, int64(512*1024*1024), *spec.Memory.Max)
	}
}

func TestResourcesToSpecAppliesCPU(t *testing.T) {
	r := Resources{CPUWeight: 100, CPUQuotaUs: 50000, CPUPeriodUs: 100000}
	spec := r.toSpec()
	if assert.NotNil(t, spec.CPU) {
		assert.Equal(t, uint64(100), *spec.CPU.Weight)
	}
}
