package job_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isambard-sc/openportal/internal/job"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

func TestParseAddUser(t *testing.T) {
	path, instr, err := job.Parse("waldur.brics add_user fred.proj.waldur")
	require.NoError(t, err)
	assert.Equal(t, "waldur.brics", path.String())
	assert.Equal(t, job.KindAddUser, instr.Kind())
	assert.Equal(t, "fred", instr.User().Username)
}

func TestParseSubmit(t *testing.T) {
	_, instr, err := job.Parse("a.b submit")
	require.NoError(t, err)
	assert.Equal(t, job.KindSubmit, instr.Kind())
}

func TestParseRejectsMalformedPath(t *testing.T) {
	_, _, err := job.Parse("a..b add_user fred.proj.waldur")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Parse)
}

func TestParseRejectsUnknownInstruction(t *testing.T) {
	_, _, err := job.Parse("a.b bogus_instruction")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Parse)
}

func TestParseRejectsWrongArity(t *testing.T) {
	_, _, err := job.Parse("a.b add_user")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Parse)

	_, _, err = job.Parse("a.b add_user fred.proj.waldur extra")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Parse)
}

func TestParseRejectsBadArgument(t *testing.T) {
	_, _, err := job.Parse("a.b add_user not-a-valid-user-id")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.Parse)
}

func TestParseSetLimit(t *testing.T) {
	_, instr, err := job.Parse("a.b set_limit proj.waldur 1048576")
	require.NoError(t, err)
	assert.Equal(t, job.KindSetLimit, instr.Kind())
	assert.Equal(t, "proj", instr.Project().Project)
	assert.Equal(t, job.Usage(1048576), instr.UsageLimit())
}

func TestParseGetUsageReport(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	line := "a.b get_usage_report " + from.Format(time.RFC3339) + "," + to.Format(time.RFC3339)

	_, instr, err := job.Parse(line)
	require.NoError(t, err)
	assert.True(t, instr.Range().From.Equal(from))
	assert.True(t, instr.Range().To.Equal(to))
}

func TestFormatParseRoundTrip(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	cases := []job.Instruction{
		mustInstr(t, "submit"),
		mustInstr(t, "add_user fred.proj.waldur"),
		mustInstr(t, "remove_user jane.admin.org"),
		mustInstr(t, "add_project proj.waldur"),
		mustInstr(t, "add_local_user fred.proj.waldur:fred123"),
		mustInstr(t, "is_protected_user fred.proj.waldur"),
		mustInstr(t, "get_home_dir fred.proj.waldur"),
		mustInstr(t, "set_limit proj.waldur 2048"),
	}
	for _, want := range cases {
		fields := strings.Fields(want.Format())
		got, err := job.ParseTokens(fields)
		require.NoError(t, err)
		assert.Equal(t, want, got, want.Format())
	}

	_, usageReport, err := job.Parse("a.b get_usage_report " + from.Format(time.RFC3339) + "," + to.Format(time.RFC3339))
	require.NoError(t, err)
	fields := strings.Fields(usageReport.Format())
	got, err := job.ParseTokens(fields)
	require.NoError(t, err)
	assert.True(t, got.Range().From.Equal(usageReport.Range().From))
	assert.True(t, got.Range().To.Equal(usageReport.Range().To))
}

func mustInstr(t *testing.T, tokens string) job.Instruction {
	t.Helper()
	instr, err := job.ParseTokens(strings.Fields(tokens))
	require.NoError(t, err)
	return instr
}

func TestUserIdValidation(t *testing.T) {
	_, err := job.ParseUserId("fred.proj")
	assert.Error(t, err)

	u, err := job.ParseUserId("fred.proj.waldur")
	require.NoError(t, err)
	assert.Equal(t, "waldur", u.Portal)
	assert.Equal(t, "proj.waldur", u.ProjectId().String())
}
