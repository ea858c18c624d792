package dpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansungk/cyclotron-sub000/config"
	"github.com/hansungk/cyclotron-sub000/gmem"
)

func freshSession(t *testing.T) {
	t.Helper()
	Shutdown()
	cfg := config.Default()
	cfg.Sim.NumWarps = 2
	require.NoError(t, Init(cfg, nil))
	t.Cleanup(Shutdown)
}

func TestInit_RejectsDoubleInitialization(t *testing.T) {
	// GIVEN an initialized session
	freshSession(t)

	// WHEN Init is called again without an intervening Shutdown
	err := Init(config.Default(), nil)

	// THEN it reports an error instead of replacing the singleton
	assert.Error(t, err)
}

func TestFetchPeek_AdmitsAFreshFetch(t *testing.T) {
	// GIVEN a freshly initialized session
	freshSession(t)

	// WHEN a warp with no outstanding fetch peeks at a PC
	ready, err := FetchPeek(1, 0, 0x1000)

	// THEN the fetch is admitted, even though core.Icache.TryFetch reports
	// that the fetched line arrives on a later cycle
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestFetchPeek_WithoutInit_ReturnsError(t *testing.T) {
	// GIVEN no initialized session
	Shutdown()

	// WHEN FetchPeek is called anyway
	_, err := FetchPeek(1, 0, 0x1000)

	// THEN it reports the uninitialized-context error rather than panicking
	assert.Error(t, err)
}

func TestFrontendAdvance_RejectsMismatchedVectorLengths(t *testing.T) {
	// GIVEN an initialized session
	freshSession(t)

	// WHEN ready and fetchPCs disagree on length
	_, err := FrontendAdvance(1, []bool{true}, []uint64{0x1000, 0x2000})

	// THEN it is rejected rather than silently truncated
	assert.Error(t, err)
}

func TestFrontendAdvance_ReportsFetchAdmissionPerWarp(t *testing.T) {
	// GIVEN an initialized two-warp session
	freshSession(t)

	// WHEN warp 0 is ready to fetch and warp 1 is not
	bundle, err := FrontendAdvance(1, []bool{true, false}, []uint64{0x1000, 0x2000})

	// THEN only warp 0's admission is evaluated
	require.NoError(t, err)
	require.Len(t, bundle.FetchAdmitted, 2)
	assert.True(t, bundle.FetchAdmitted[0])
	assert.False(t, bundle.FetchAdmitted[1])
}

func TestBackendIssue_GmemLoadDoesNotRetireSameCycle(t *testing.T) {
	// GIVEN an initialized session
	freshSession(t)

	// WHEN a gmem load is issued through the backend-issue entry point
	req := gmem.NewRequest(0, 0x4000, 64, 0xF, true)
	wb, err := BackendIssue(1, IssueRequest{Warp: 0, PC: 0x100, Tmask: 0xF, Kind: ResourceGmem, Gmem: &req})
	require.NoError(t, err)

	// THEN the instruction has not yet retired: a gmem load takes several
	// cycles to complete, so no writeback is valid the same cycle it issued
	assert.False(t, wb.Valid)
	assert.Equal(t, 0, wb.Warp)
}

func TestBackendIssue_UnknownResourceKindIsRejected(t *testing.T) {
	// GIVEN an initialized session
	freshSession(t)

	// WHEN an IssueRequest names a resource kind with no matching payload
	_, err := BackendIssue(1, IssueRequest{Warp: 0, Kind: ResourceGmem})

	// THEN it is rejected rather than dereferencing a nil Gmem pointer
	assert.Error(t, err)
}

func TestBackendIssue_BarrierArrivalIsAdmitted(t *testing.T) {
	// GIVEN an initialized two-warp session
	freshSession(t)

	// WHEN warp 0 arrives at a barrier alone
	wb, err := BackendIssue(1, IssueRequest{Warp: 0, Kind: ResourceBarrier, BarrierID: 0})

	// THEN the arrival is admitted without error (release timing is the
	// barrier subsystem's own concern, exercised in core's tests)
	require.NoError(t, err)
	assert.Equal(t, 0, wb.Warp)
}
