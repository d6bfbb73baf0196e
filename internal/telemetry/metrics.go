package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var defaultRegistry = newRegistry()

var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}

var durationBucketLabels = []string{"0.1", "0.5", "1", "2", "5", "10", "30", "60", "+Inf"}

type registry struct {
	mu                    sync.Mutex
	toolCalls             map[string]map[string]int64
	toolDurationBuckets   map[string][]int64
	cacheLookups          map[string]int64
	hostCalls             map[string]map[string]map[string]int64
	hostFallbacks         map[string]int64
	githubAPIErrors       map[string]map[int]int64
	poolSubmissions       map[string]int64
	healingTransitions    map[string]map[string]int64
	healingCompleted      map[string]int64
	artifactWriteFailures int64
}

func newRegistry() *registry {
	return &registry{
		toolCalls:           make(map[string]map[string]int64),
		toolDurationBuckets: make(map[string][]int64),
		cacheLookups:        make(map[string]int64),
		hostCalls:           make(map[string]map[string]map[string]int64),
		hostFallbacks:       make(map[string]int64),
		githubAPIErrors:     make(map[string]map[int]int64),
		poolSubmissions:     make(map[string]int64),
		healingTransitions:  make(map[string]map[string]int64),
		healingCompleted:    make(map[string]int64),
	}
}

// Reset clears every metric. Intended for tests.
func Reset() {
	r := newRegistry()
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.toolCalls = r.toolCalls
	defaultRegistry.toolDurationBuckets = r.toolDurationBuckets
	defaultRegistry.cacheLookups = r.cacheLookups
	defaultRegistry.hostCalls = r.hostCalls
	defaultRegistry.hostFallbacks = r.hostFallbacks
	defaultRegistry.githubAPIErrors = r.githubAPIErrors
	defaultRegistry.poolSubmissions = r.poolSubmissions
	defaultRegistry.healingTransitions = r.healingTransitions
	defaultRegistry.healingCompleted = r.healingCompleted
	defaultRegistry.artifactWriteFailures = 0
}

func IncToolCall(toolName, status string) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.toolCalls[toolName]; !ok {
		defaultRegistry.toolCalls[toolName] = make(map[string]int64)
	}
	defaultRegistry.toolCalls[toolName][status]++
}

func ObserveToolDuration(toolName string, d time.Duration) {
	sec := d.Seconds()

	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.toolDurationBuckets[toolName]; !ok {
		defaultRegistry.toolDurationBuckets[toolName] = make([]int64, len(durationBuckets)+1)
	}
	idx := len(durationBuckets)
	for i, b := range durationBuckets {
		if sec <= b {
			idx = i
			break
		}
	}
	defaultRegistry.toolDurationBuckets[toolName][idx]++
}

// IncCacheLookup counts cache lookups by result: hit, miss or shared.
func IncCacheLookup(result string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.cacheLookups[result]++
	defaultRegistry.mu.Unlock()
}

// IncHostCall counts repository host calls per access path, operation and outcome.
func IncHostCall(path, operation, outcome string) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	byOp, ok := defaultRegistry.hostCalls[path]
	if !ok {
		byOp = make(map[string]map[string]int64)
		defaultRegistry.hostCalls[path] = byOp
	}
	if _, ok := byOp[operation]; !ok {
		byOp[operation] = make(map[string]int64)
	}
	byOp[operation][outcome]++
}

func IncHostFallback(operation string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.hostFallbacks[operation]++
	defaultRegistry.mu.Unlock()
}

func IncGitHubAPIError(operation string, statusCode int) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.githubAPIErrors[operation]; !ok {
		defaultRegistry.githubAPIErrors[operation] = make(map[int]int64)
	}
	defaultRegistry.githubAPIErrors[operation][statusCode]++
}

// IncPoolSubmission counts pool submissions by outcome: accepted, rejected or cancelled.
func IncPoolSubmission(outcome string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.poolSubmissions[outcome]++
	defaultRegistry.mu.Unlock()
}

func IncHealingTransition(from, to string) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if _, ok := defaultRegistry.healingTransitions[from]; !ok {
		defaultRegistry.healingTransitions[from] = make(map[string]int64)
	}
	defaultRegistry.healingTransitions[from][to]++
}

func IncHealingCompleted(result string) {
	defaultRegistry.mu.Lock()
	defaultRegistry.healingCompleted[result]++
	defaultRegistry.mu.Unlock()
}

func IncArtifactWriteFailure() {
	defaultRegistry.mu.Lock()
	defaultRegistry.artifactWriteFailures++
	defaultRegistry.mu.Unlock()
}

func RenderPrometheus() string {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()

	var sb strings.Builder

	sb.WriteString("# TYPE openx_tool_calls_total counter\n")
	for _, tool := range sortedKeys(defaultRegistry.toolCalls) {
		for _, status := range sortedKeys(defaultRegistry.toolCalls[tool]) {
			sb.WriteString(fmt.Sprintf("openx_tool_calls_total{tool=\"%s\",status=\"%s\"} %d\n", tool, status, defaultRegistry.toolCalls[tool][status]))
		}
	}

	sb.WriteString("# TYPE openx_tool_duration_seconds_bucket counter\n")
	for _, tool := range sortedKeys(defaultRegistry.toolDurationBuckets) {
		for i, v := range defaultRegistry.toolDurationBuckets[tool] {
			sb.WriteString(fmt.Sprintf("openx_tool_duration_seconds_bucket{tool=\"%s\",le=\"%s\"} %d\n", tool, durationBucketLabels[i], v))
		}
	}

	sb.WriteString("# TYPE openx_cache_lookups_total counter\n")
	for _, result := range sortedKeys(defaultRegistry.cacheLookups) {
		sb.WriteString(fmt.Sprintf("openx_cache_lookups_total{result=\"%s\"} %d\n", result, defaultRegistry.cacheLookups[result]))
	}

	sb.WriteString("# TYPE openx_host_calls_total counter\n")
	for _, path := range sortedKeys(defaultRegistry.hostCalls) {
		for _, op := range sortedKeys(defaultRegistry.hostCalls[path]) {
			for _, outcome := range sortedKeys(defaultRegistry.hostCalls[path][op]) {
				sb.WriteString(fmt.Sprintf("openx_host_calls_total{path=\"%s\",operation=\"%s\",outcome=\"%s\"} %d\n", path, op, outcome, defaultRegistry.hostCalls[path][op][outcome]))
			}
		}
	}

	sb.WriteString("# TYPE openx_host_fallbacks_total counter\n")
	for _, op := range sortedKeys(defaultRegistry.hostFallbacks) {
		sb.WriteString(fmt.Sprintf("openx_host_fallbacks_total{operation=\"%s\"} %d\n", op, defaultRegistry.hostFallbacks[op]))
	}

	sb.WriteString("# TYPE openx_github_api_errors_total counter\n")
	for _, op := range sortedKeys(defaultRegistry.githubAPIErrors) {
		statusCodes := make([]int, 0, len(defaultRegistry.githubAPIErrors[op]))
		for sc := range defaultRegistry.githubAPIErrors[op] {
			statusCodes = append(statusCodes, sc)
		}
		sort.Ints(statusCodes)
		for _, sc := range statusCodes {
			sb.WriteString(fmt.Sprintf("openx_github_api_errors_total{operation=\"%s\",status_code=\"%d\"} %d\n", op, sc, defaultRegistry.githubAPIErrors[op][sc]))
		}
	}

	sb.WriteString("# TYPE openx_pool_submissions_total counter\n")
	for _, outcome := range sortedKeys(defaultRegistry.poolSubmissions) {
		sb.WriteString(fmt.Sprintf("openx_pool_submissions_total{outcome=\"%s\"} %d\n", outcome, defaultRegistry.poolSubmissions[outcome]))
	}

	sb.WriteString("# TYPE openx_healing_transitions_total counter\n")
	for _, from := range sortedKeys(defaultRegistry.healingTransitions) {
		for _, to := range sortedKeys(defaultRegistry.healingTransitions[from]) {
			sb.WriteString(fmt.Sprintf("openx_healing_transitions_total{from=\"%s\",to=\"%s\"} %d\n", from, to, defaultRegistry.healingTransitions[from][to]))
		}
	}

	sb.WriteString("# TYPE openx_healing_sessions_completed_total counter\n")
	for _, result := range sortedKeys(defaultRegistry.healingCompleted) {
		sb.WriteString(fmt.Sprintf("openx_healing_sessions_completed_total{result=\"%s\"} %d\n", result, defaultRegistry.healingCompleted[result]))
	}

	sb.WriteString("# TYPE openx_artifact_write_failures_total counter\n")
	sb.WriteString(fmt.Sprintf("openx_artifact_write_failures_total %d\n", defaultRegistry.artifactWriteFailures))

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
