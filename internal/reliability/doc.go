// Package reliability provides the retry and circuit breaker helpers used by
// the notification senders.
//
//	breaker := reliability.NewBreaker("bitrix", reliability.WithFailureThreshold(5))
//	err := breaker.Execute(ctx, func(ctx context.Context) error {
//		return reliability.Retry(ctx, reliability.DefaultBackoff(), send)
//	})
//
// Wrap an error with Permanent to stop Retry early, for example on a 4xx
// response.
package reliability
