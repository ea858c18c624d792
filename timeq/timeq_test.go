package timeq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedServer_TicketReadyTime_RespectsLatencyAndBandwidth(t *testing.T) {
	// GIVEN a server with base latency 3 and 4 bytes/cycle throughput
	server := New[string](ServerConfig{
		BaseLatency:         3,
		BytesPerCycle:       4,
		QueueCapacity:       4,
		CompletionsPerCycle: DefaultServerConfig().CompletionsPerCycle,
	})

	// WHEN an 8-byte request is enqueued at cycle 0
	ticket, err := server.TryEnqueue(0, ServiceRequest[string]{Payload: "req0", SizeBytes: 8})

	// THEN ready_at = base_latency (3) + ceil(8/4) = 5
	require.NoError(t, err)
	assert.Equal(t, Cycle(0), ticket.IssuedAt())
	assert.Equal(t, uint32(8), ticket.SizeBytes())
	assert.Equal(t, Cycle(5), ticket.ReadyAt())

	// AND a second request pipelines one cycle behind the first
	ticket1, err := server.TryEnqueue(1, ServiceRequest[string]{Payload: "req1", SizeBytes: 4})
	require.NoError(t, err)
	assert.Equal(t, Cycle(6), ticket1.ReadyAt())
}

func TestTimedServer_QueueFull_IsReportedAtCapacity(t *testing.T) {
	// GIVEN a server with queue capacity 1
	server := New[string](ServerConfig{
		BaseLatency:         0,
		BytesPerCycle:       8,
		QueueCapacity:       1,
		CompletionsPerCycle: DefaultServerConfig().CompletionsPerCycle,
	})
	_, err := server.TryEnqueue(0, ServiceRequest[string]{Payload: "req0", SizeBytes: 16})
	require.NoError(t, err)

	// WHEN a second request is enqueued before the first drains
	_, err = server.TryEnqueue(0, ServiceRequest[string]{Payload: "req1", SizeBytes: 16})

	// THEN it is rejected with QueueFull carrying the configured capacity
	require.Error(t, err)
	var bp *Backpressure[string]
	require.True(t, errors.As(err, &bp))
	assert.Equal(t, QueueFullKind, bp.Kind)
	assert.Equal(t, 1, bp.Capacity)
}

func TestTimedServer_Busy_DuringWarmup(t *testing.T) {
	// GIVEN a server with a 10-cycle warm-up latency
	server := New[string](ServerConfig{
		BaseLatency:         0,
		BytesPerCycle:       1,
		QueueCapacity:       4,
		CompletionsPerCycle: DefaultServerConfig().CompletionsPerCycle,
		WarmupLatency:       10,
	})

	// WHEN a request is enqueued before the warm-up window elapses
	_, err := server.TryEnqueue(0, ServiceRequest[string]{Payload: "req0", SizeBytes: 1})

	// THEN it is rejected as Busy, with the request recoverable for retry
	require.Error(t, err)
	var bp *Backpressure[string]
	require.True(t, errors.As(err, &bp))
	assert.Equal(t, BusyKind, bp.Kind)
	assert.Equal(t, Cycle(10), bp.AvailableAt)
	assert.Equal(t, "req0", bp.IntoRequest().Payload)
}

func TestTimedServer_ServiceReady_DrainsCompletedRequests(t *testing.T) {
	// GIVEN two requests enqueued one cycle apart
	server := New[string](ServerConfig{
		BaseLatency:         1,
		BytesPerCycle:       4,
		QueueCapacity:       4,
		CompletionsPerCycle: DefaultServerConfig().CompletionsPerCycle,
	})
	_, err := server.TryEnqueue(0, ServiceRequest[string]{Payload: "req0", SizeBytes: 4})
	require.NoError(t, err)
	_, err = server.TryEnqueue(1, ServiceRequest[string]{Payload: "req1", SizeBytes: 4})
	require.NoError(t, err)

	// WHEN servicing at cycle 1, nothing is ready yet
	var collected []string
	server.ServiceReady(1, func(r ServiceResult[string]) { collected = append(collected, r.Payload) })
	assert.Empty(t, collected)

	// THEN at cycle 2 the first request drains, and at cycle 3 both have
	server.ServiceReady(2, func(r ServiceResult[string]) { collected = append(collected, r.Payload) })
	assert.Equal(t, []string{"req0"}, collected)

	server.ServiceReady(3, func(r ServiceResult[string]) { collected = append(collected, r.Payload) })
	assert.Equal(t, []string{"req0", "req1"}, collected)
}

func TestTimedServer_CompletionsPerCycle_CapsDrainRate(t *testing.T) {
	// GIVEN a server that admits instantly but exposes only one completion per cycle
	server := New[int](ServerConfig{
		BaseLatency:         0,
		BytesPerCycle:       1000,
		QueueCapacity:       4,
		CompletionsPerCycle: 1,
	})
	for i := 0; i < 3; i++ {
		_, err := server.TryEnqueue(0, ServiceRequest[int]{Payload: i, SizeBytes: 1})
		require.NoError(t, err)
	}

	// WHEN advancing ready at a cycle where all three tickets have matured
	server.AdvanceReady(5)

	// THEN only one completion is exposed this cycle, regardless of how many matured
	_, ok := server.PopReady(5)
	assert.True(t, ok)
	_, ok = server.PopReady(5)
	assert.False(t, ok, "completions_per_cycle should cap the drain rate")

	// AND the remaining ones surface on the next cycle
	_, ok = server.PopReady(6)
	assert.True(t, ok)
}

func TestNormalizeRetry_AlwaysStrictlyAfterNow(t *testing.T) {
	// WHEN the suggested retry cycle is not ahead of now
	// THEN it is pulled forward to now+1
	assert.Equal(t, Cycle(5), NormalizeRetry(4, 1))
	// WHEN the suggestion is already ahead of now, it passes through unchanged
	assert.Equal(t, Cycle(10), NormalizeRetry(4, 10))
}

func TestTimedServer_New_PanicsOnInvalidConfig(t *testing.T) {
	// GIVEN a config with a zero queue capacity
	// WHEN constructing a server
	// THEN it panics rather than silently producing a server that can never admit
	assert.Panics(t, func() {
		New[int](ServerConfig{BytesPerCycle: 1, QueueCapacity: 0, CompletionsPerCycle: 1})
	})
}
