package cmd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/davidr/tptune/pkg/hwerr"
	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/validate"
)

func changedFlags(names ...string) func(string) bool {
	return func(name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
}

func TestRoundingNotes(t *testing.T) {
	units := msr.DecodePowerUnits(0x000a1003)
	pl := msr.PackagePowerLimit{
		PL1: msr.PowerWindow{Watts: 55.07, Seconds: 27},
		PL2: msr.PowerWindow{Watts: 60, Seconds: 0.01},
	}

	notes := roundingNotes(pl, units, changedFlags("pl1", "pl1-window", "pl2"))
	assert.Equal(t, []string{
		"--pl1 55.07W will be written as 55.125W",
		"--pl1-window 27s will be written as 28s",
	}, notes)

	// values read back from the register are not reported
	assert.Empty(t, roundingNotes(pl, units, changedFlags("pl2")))

	// out of range values are left to validation
	pl.PL2.Watts = 5000
	assert.Empty(t, roundingNotes(pl, units, changedFlags("pl2")))
}

func TestExplainRejection(t *testing.T) {
	rej := &validate.Rejection{Kind: hwerr.ErrOutOfRange, Field: "PL1 time window", Value: 200.0, Min: 0.0009765625, Max: 128.0}

	err := explainRejection(rej, changedFlags("pl2"))
	assert.ErrorIs(t, err, hwerr.ErrOutOfRange)
	assert.Contains(t, err.Error(), "current PL1 time window was not changed")
	assert.Contains(t, err.Error(), "--pl1-window")

	// the operator asked for the rejected value, the error stands as is
	assert.Equal(t, error(rej), explainRejection(rej, changedFlags("pl1-window")))

	other := fmt.Errorf("read: %w", hwerr.ErrIOFailure)
	assert.Equal(t, other, explainRejection(other, changedFlags()))
}
