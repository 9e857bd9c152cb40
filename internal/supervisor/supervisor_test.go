package supervisor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/agent"
	"github.com/isambard-sc/openportal/internal/exchange"
	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/job"
	"github.com/isambard-sc/openportal/internal/supervisor"
)

func parseInstr(t *testing.T, path string) (identity.Path, job.Instruction) {
	t.Helper()
	p, instr, err := job.Parse(path + " submit")
	require.NoError(t, err)
	return p, instr
}

func TestExpirySweepMarksPastDeadlineJobsExpired(t *testing.T) {
	ex := exchange.New()
	r := agent.New("p", identity.TypePortal, identity.NewZoneSet("zone"), ex, nil)

	path, instr := parseInstr(t, "p.m")
	j := job.New(path, instr, -time.Second) // already past its deadline
	r.BoardFor("m").Put(j)

	sv, err := supervisor.New(r, ex, nil)
	require.NoError(t, err)
	require.NoError(t, sv.Start())
	defer sv.Stop()

	require.Eventually(t, func() bool {
		return j.State() == job.StateExpired
	}, 3*time.Second, 20*time.Millisecond)

	// The sweep must also purge the Job from every Board that held it, per
	// spec.md invariant 6 — marking it terminal alone is not enough.
	require.Eventually(t, func() bool {
		_, ok := r.BoardFor("m").Get(j.Id())
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestExpirySweepLeavesLiveJobsAlone(t *testing.T) {
	ex := exchange.New()
	r := agent.New("p", identity.TypePortal, identity.NewZoneSet("zone"), ex, nil)

	path, instr := parseInstr(t, "p.m")
	j := job.New(path, instr, time.Hour)
	r.BoardFor("m").Put(j)

	sv, err := supervisor.New(r, ex, nil)
	require.NoError(t, err)
	require.NoError(t, sv.Start())
	defer sv.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, job.StatePending, j.State())
}
