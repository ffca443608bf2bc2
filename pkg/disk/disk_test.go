package disk

import (
	"errors"
	"testing"

	gopsutildisk "github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packstream/courier/pkg/audit"
)

func fixedUsage(free uint64, err error) func(string) (*gopsutildisk.UsageStat, error) {
	return func(string) (*gopsutildisk.UsageStat, error) {
		if err != nil {
			return nil, err
		}
		return &gopsutildisk.UsageStat{Free: free}, nil
	}
}

func TestCheckSufficient(t *testing.T) {
	c := NewChecker(audit.NewMemorySink())
	c.usage = fixedUsage(100<<20, nil)
	require.NoError(t, c.Check("/data", 10<<20)) // needs 20 MiB, 100 free
}

func TestCheckInsufficientAppliesSafetyFactor(t *testing.T) {
	sink := audit.NewMemorySink()
	c := NewChecker(sink)
	c.usage = fixedUsage(15<<20, nil)

	// 10 MiB archive needs 20 MiB with the 2x factor; only 15 free.
	err := c.Check("/data", 10<<20)
	var insufficient *InsufficientSpaceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, uint64(20<<20), insufficient.Required)
	assert.Equal(t, uint64(15<<20), insufficient.Available)
	assert.Contains(t, sink.Kinds(), audit.InsufficientDiskSpace)
}

func TestCheckExactBoundary(t *testing.T) {
	c := NewChecker(nil)
	c.usage = fixedUsage(20<<20, nil)
	require.NoError(t, c.Check("/data", 10<<20))
}

func TestCheckUsageError(t *testing.T) {
	c := NewChecker(nil)
	c.usage = fixedUsage(0, errors.New("no such filesystem"))
	require.Error(t, c.Check("/data", 1))
}

func TestWithFactor(t *testing.T) {
	c := NewChecker(nil).WithFactor(3.0)
	c.usage = fixedUsage(25<<20, nil)
	require.Error(t, c.Check("/data", 10<<20)) // needs 30 MiB at 3x
}
