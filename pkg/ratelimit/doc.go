// Package ratelimit throttles the admin API's manual billing triggers.
//
// Two limiters share the Limiter interface. MemoryLimiter is a per-process
// token bucket. RedisLimiter counts requests in a fixed window shared by
// every instance. Middleware applies either one per actor and fails open
// when the limiter itself errors.
package ratelimit
