/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ratelimit provides configurable rate limiting for outbound
// command dispatch to endpoint agents. It enforces both fleet-wide and
// per-agent concurrency limits with configurable burst allowance for
// operator-triggered commands.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures command dispatch rate limiting.
type Config struct {
	// MaxConcurrentFleet is the fleet-wide limit on in-flight commands.
	MaxConcurrentFleet int

	// MaxConcurrentPerAgent is the per-agent limit on in-flight commands.
	MaxConcurrentPerAgent int

	// MaxCommandsPerHourFleet is the fleet-wide limit on total commands per hour.
	MaxCommandsPerHourFleet int

	// MaxCommandsPerHourPerAgent is the per-agent limit on commands per hour.
	MaxCommandsPerHourPerAgent int

	// BurstAllowance allows this many extra commands for operator-initiated
	// (as opposed to rule/correlation-triggered) dispatch.
	BurstAllowance int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentFleet:         500,
		MaxConcurrentPerAgent:      5,
		MaxCommandsPerHourFleet:    20000,
		MaxCommandsPerHourPerAgent: 120,
		BurstAllowance:             10,
	}
}

// Decision represents whether a command dispatch is allowed and why.
type Decision struct {
	Allowed bool
	Reason  string
}

// Limiter tracks command dispatch concurrency and rate per agent and
// fleet-wide.
type Limiter struct {
	config Config

	mu sync.Mutex

	// concurrent tracks in-flight commands per agent.
	concurrent map[string]int // agentID → count
	totalConc  int

	// history tracks dispatched commands for rate calculation.
	history []dispatchRecord
}

type dispatchRecord struct {
	agentID string
	time    time.Time
}

// NewLimiter creates a command dispatch rate limiter.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		config:     cfg,
		concurrent: make(map[string]int),
	}
}

// Allow checks whether dispatching a new command to the given agent is
// permitted. isOperator marks operator-initiated dispatch, which is
// granted the configured burst allowance over automated dispatch.
func (l *Limiter) Allow(agentID string, isOperator bool) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneHistory(now)

	// Per-agent concurrency
	if l.concurrent[agentID] >= l.config.MaxConcurrentPerAgent {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-agent concurrency limit reached (%d/%d)", l.concurrent[agentID], l.config.MaxConcurrentPerAgent),
		}
	}

	// Fleet-wide concurrency
	maxConc := l.config.MaxConcurrentFleet
	if isOperator {
		maxConc += l.config.BurstAllowance
	}
	if l.totalConc >= maxConc {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("fleet-wide concurrency limit reached (%d/%d)", l.totalConc, maxConc),
		}
	}

	// Per-agent rate (commands/hour)
	agentCount := l.countAgent(agentID, now)
	if agentCount >= l.config.MaxCommandsPerHourPerAgent {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("per-agent rate limit reached (%d commands in last hour, max %d)", agentCount, l.config.MaxCommandsPerHourPerAgent),
		}
	}

	// Fleet-wide rate
	totalCount := len(l.history)
	maxRate := l.config.MaxCommandsPerHourFleet
	if isOperator {
		maxRate += l.config.BurstAllowance * 10
	}
	if totalCount >= maxRate {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("fleet-wide rate limit reached (%d commands in last hour, max %d)", totalCount, maxRate),
		}
	}

	return Decision{Allowed: true}
}

// RecordStart marks a command as dispatched and in-flight.
func (l *Limiter) RecordStart(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.concurrent[agentID]++
	l.totalConc++
	l.history = append(l.history, dispatchRecord{agentID: agentID, time: time.Now()})
}

// RecordComplete marks a dispatched command as resolved (result received,
// timed out, or canceled).
func (l *Limiter) RecordComplete(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.concurrent[agentID] > 0 {
		l.concurrent[agentID]--
	}
	if l.totalConc > 0 {
		l.totalConc--
	}
}

// Stats returns current limiter state (for metrics/status).
type Stats struct {
	ConcurrentTotal   int
	ConcurrentByAgent map[string]int
	DispatchedLastHour int
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneHistory(time.Now())

	byAgent := make(map[string]int, len(l.concurrent))
	for k, v := range l.concurrent {
		byAgent[k] = v
	}

	return Stats{
		ConcurrentTotal:    l.totalConc,
		ConcurrentByAgent:  byAgent,
		DispatchedLastHour: len(l.history),
	}
}

// pruneHistory removes records older than 1 hour.
func (l *Limiter) pruneHistory(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	i := 0
	for i < len(l.history) && l.history[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.history = l.history[i:]
	}
}

// countAgent counts how many commands this agent has in the history window.
func (l *Limiter) countAgent(agentID string, now time.Time) int {
	count := 0
	cutoff := now.Add(-1 * time.Hour)
	for _, r := range l.history {
		if r.agentID == agentID && !r.time.Before(cutoff) {
			count++
		}
	}
	return count
}
