package health

import (
	"context"
	"time"
)

// HealthChecker is anything that can prove a dependency is reachable,
// such as a consumer or the idempotency store
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// BrokerChecker turns a CheckHealth error into an unhealthy result
type BrokerChecker struct {
	name   string
	target HealthChecker
}

// NewBrokerChecker creates a checker named name over target
func NewBrokerChecker(name string, target HealthChecker) *BrokerChecker {
	return &BrokerChecker{name: name, target: target}
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
	}

	if err := c.target.CheckHealth(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "dependency unreachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "dependency reachable"
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{
		"response_time_ms": result.Duration.Milliseconds(),
	}
	return result
}

// CheckFunc adapts a plain function to HealthChecker
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// DegradedChecker reports a failure of target as degraded rather than
// unhealthy. Used for optional dependencies such as the dedup store.
type DegradedChecker struct {
	*BrokerChecker
}

// NewDegradedChecker creates a checker that never reports unhealthy
func NewDegradedChecker(name string, target HealthChecker) *DegradedChecker {
	return &DegradedChecker{BrokerChecker: NewBrokerChecker(name, target)}
}

func (c *DegradedChecker) Check(ctx context.Context) CheckResult {
	result := c.BrokerChecker.Check(ctx)
	if result.Status == StatusUnhealthy {
		result.Status = StatusDegraded
	}
	return result
}
