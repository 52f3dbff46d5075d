// Package errclass maps errors raised by downstream services to a small
// taxonomy the retry engine and monitoring understand. Classification is a
// substring scan over ordered pattern tables; results are memoized in a
// bounded LRU and mirrored to Redis so repeated failures of the same shape
// cost one scan per process lifetime.
package errclass

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Category is one of the ten error categories of the core taxonomy.
type Category string

const (
	TransientNetwork    Category = "TRANSIENT_NETWORK"
	RateLimited         Category = "RATE_LIMITED"
	ServiceUnavailable  Category = "SERVICE_UNAVAILABLE"
	AuthenticationError Category = "AUTHENTICATION_ERROR"
	ValidationError     Category = "VALIDATION_ERROR"
	ResourceExhaustion  Category = "RESOURCE_EXHAUSTION"
	TranscriptionError  Category = "TRANSCRIPTION_ERROR"
	AgentServiceError   Category = "AGENT_SERVICE_ERROR"
	DataError           Category = "DATA_ERROR"
	UnknownError        Category = "UNKNOWN_ERROR"
)

// Retryable reports whether jobs failing with this category may be retried
// at all. Validation and authentication failures never heal on their own.
func (c Category) Retryable() bool {
	switch c {
	case ValidationError, AuthenticationError:
		return false
	}
	return true
}

// Service tags. Service-specific rules only fire for the service they are
// tagged with and are evaluated before the generic tables.
const (
	ServiceTranscription = "transcription"
	ServiceAgent         = "agent"
)

// rule is one substring pattern table entry. Patterns are matched
// case-insensitively against the error message; first match wins.
type rule struct {
	patterns []string
	category Category
}

// serviceRules are evaluated first, and only when the service name matches.
var serviceRules = map[string][]rule{
	ServiceTranscription: {
		{patterns: []string{"whisper", "transcription"}, category: TranscriptionError},
	},
	ServiceAgent: {
		{patterns: []string{"openai", "gpt", "model"}, category: AgentServiceError},
	},
}

// genericRules are evaluated in order after the service-specific table.
var genericRules = []rule{
	{patterns: []string{"rate limit", "429", "too many requests"}, category: RateLimited},
	{patterns: []string{"503", "502", "504", "unavailable", "bad gateway"}, category: ServiceUnavailable},
	{patterns: []string{"401", "403", "unauthorized", "forbidden"}, category: AuthenticationError},
	{patterns: []string{"invalid", "parse", "format", "validation"}, category: ValidationError},
	{patterns: []string{"out of memory", "disk full", "no space"}, category: ResourceExhaustion},
	{patterns: []string{"not found", "corrupt"}, category: DataError},
	{patterns: []string{"connection", "timeout", "timed out", "refused", "reset by peer", "broken pipe", "eof"}, category: TransientNetwork},
}

const (
	cacheSize     = 10000
	cacheKeyChars = 80
	redisCacheTTL = 10 * time.Minute
)

// Classifier classifies (service, error) pairs. It is safe for concurrent
// use; the hot path is an in-process LRU lookup.
type Classifier struct {
	cache       *lru.Cache[string, Category]
	redisClient *redis.Client

	mu       sync.Mutex
	counters map[string]map[Category]int64
}

// New creates a Classifier. redisClient may be nil, in which case the
// cross-process cache mirror is disabled and only the in-process LRU is used.
func New(redisClient *redis.Client) *Classifier {
	cache, _ := lru.New[string, Category](cacheSize)
	return &Classifier{
		cache:       cache,
		redisClient: redisClient,
		counters:    make(map[string]map[Category]int64),
	}
}

// Classify maps an error raised while calling serviceName to a Category.
// A nil error yields UNKNOWN_ERROR.
func (c *Classifier) Classify(ctx context.Context, serviceName string, err error) Category {
	if err == nil {
		return UnknownError
	}

	key := cacheKey(serviceName, err)
	if cat, ok := c.cache.Get(key); ok {
		c.count(serviceName, cat)
		return cat
	}

	if cat, ok := c.redisLookup(ctx, serviceName, key); ok {
		c.cache.Add(key, cat)
		c.count(serviceName, cat)
		return cat
	}

	cat := classify(serviceName, err)
	c.cache.Add(key, cat)
	c.redisStore(ctx, serviceName, key, cat)
	c.count(serviceName, cat)
	return cat
}

// Counters returns a snapshot of per-service classification counts.
func (c *Classifier) Counters() map[string]map[Category]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[Category]int64, len(c.counters))
	for svc, m := range c.counters {
		cp := make(map[Category]int64, len(m))
		for cat, n := range m {
			cp[cat] = n
		}
		out[svc] = cp
	}
	return out
}

func (c *Classifier) count(serviceName string, cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.counters[serviceName]
	if !ok {
		m = make(map[Category]int64)
		c.counters[serviceName] = m
	}
	m[cat]++
}

func (c *Classifier) redisLookup(ctx context.Context, serviceName, key string) (Category, bool) {
	if c.redisClient == nil {
		return "", false
	}
	val, err := c.redisClient.Get(ctx, redisCacheKey(serviceName, key)).Result()
	if err != nil {
		return "", false
	}
	return Category(val), true
}

func (c *Classifier) redisStore(ctx context.Context, serviceName, key string, cat Category) {
	if c.redisClient == nil {
		return
	}
	// Best effort. A missed cache write only costs a rescan.
	c.redisClient.Set(ctx, redisCacheKey(serviceName, key), string(cat), redisCacheTTL)
}

func redisCacheKey(serviceName, key string) string {
	sum := sha1.Sum([]byte(key))
	return fmt.Sprintf("error_cache:%s:%s", serviceName, hex.EncodeToString(sum[:8]))
}

// cacheKey builds the memoization key from the service name, the concrete
// error type and the first 80 characters of the message.
func cacheKey(serviceName string, err error) string {
	msg := err.Error()
	if len(msg) > cacheKeyChars {
		msg = msg[:cacheKeyChars]
	}
	return fmt.Sprintf("%s|%T|%s", serviceName, err, msg)
}

// classify is the uncached scan. Exception-kind checks run first, then the
// service-specific table, then the generic tables in order.
func classify(serviceName string, err error) Category {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return TransientNetwork
	}

	msg := strings.ToLower(err.Error())

	for _, r := range serviceRules[serviceName] {
		if matches(msg, r.patterns) {
			return r.category
		}
	}
	for _, r := range genericRules {
		if matches(msg, r.patterns) {
			return r.category
		}
	}
	return UnknownError
}

func matches(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
