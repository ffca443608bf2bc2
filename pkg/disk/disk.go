// Package disk checks free space before a download reserves any bytes.
package disk

import (
	"fmt"

	gopsutildisk "github.com/shirou/gopsutil/v4/disk"

	"github.com/packstream/courier/pkg/audit"
)

// DefaultSafetyFactor covers the staging copy, the final tree and headroom:
// an archive needs roughly twice its size free during install.
const DefaultSafetyFactor = 2.0

// InsufficientSpaceError reports a preflight that failed.
type InsufficientSpaceError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space: need %d bytes, %d available", e.Required, e.Available)
}

// Checker verifies free space with a safety factor.
type Checker struct {
	factor float64
	sink   audit.Sink
	// usage is swappable for tests.
	usage func(path string) (*gopsutildisk.UsageStat, error)
}

// NewChecker builds a checker with the default safety factor.
func NewChecker(sink audit.Sink) *Checker {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Checker{factor: DefaultSafetyFactor, sink: sink, usage: gopsutildisk.Usage}
}

// WithFactor overrides the safety factor.
func (c *Checker) WithFactor(factor float64) *Checker {
	c.factor = factor
	return c
}

// Check fails fast when the filesystem holding path cannot absorb
// factor × size additional bytes.
func (c *Checker) Check(path string, size int64) error {
	usage, err := c.usage(path)
	if err != nil {
		return fmt.Errorf("disk: stat %s: %w", path, err)
	}

	required := uint64(float64(size) * c.factor)
	if usage.Free < required {
		c.sink.Emit(audit.New(audit.InsufficientDiskSpace, "", map[string]any{
			"required":  required,
			"available": usage.Free,
		}))
		return &InsufficientSpaceError{Required: required, Available: usage.Free}
	}
	return nil
}
