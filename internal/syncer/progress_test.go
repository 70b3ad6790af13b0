package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressReporterSuppressesDuplicates(t *testing.T) {
	var calls [][2]uint64
	p := newProgressReporter(func(done, total uint64) {
		calls = append(calls, [2]uint64{done, total})
	})

	p.start(4)
	p.add(2)
	p.add(0) // no change, no call
	p.add(2)
	p.finish() // already at (4,4), no extra call

	assert.Equal(t, [][2]uint64{{0, 4}, {2, 4}, {4, 4}}, calls)
}

func TestProgressReporterGrowsTotal(t *testing.T) {
	var calls [][2]uint64
	p := newProgressReporter(func(done, total uint64) {
		calls = append(calls, [2]uint64{done, total})
	})

	p.start(0)
	p.setTotal(3)
	p.add(5) // more work materialized than estimated
	p.finish()

	assert.Equal(t, [][2]uint64{{0, 0}, {0, 3}, {5, 5}}, calls)
}

func TestProgressReporterNilFunc(t *testing.T) {
	p := newProgressReporter(nil)
	p.start(1)
	p.add(1)
	p.finish()
}
