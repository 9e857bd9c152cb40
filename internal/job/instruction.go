package job

import (
	"fmt"
	"strings"
	"time"
)

// Kind tags which variant an Instruction holds.
type Kind string

const (
	KindSubmit          Kind = "submit"
	KindAddUser         Kind = "add_user"
	KindRemoveUser      Kind = "remove_user"
	KindAddProject      Kind = "add_project"
	KindAddLocalUser    Kind = "add_local_user"
	KindGetUsageReport  Kind = "get_usage_report"
	KindIsProtectedUser Kind = "is_protected_user"
	KindGetHomeDir      Kind = "get_home_dir"
	KindSetLimit        Kind = "set_limit"
)

// TimeRange is an inclusive time interval, the argument to GetUsageReport.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Instruction is a tagged variant produced only by Parse. Its fields are
// unexported so the only way to construct a valid Instruction is through
// the grammar parser; accessors below expose the typed payload for the kind
// in question. They do not check the Kind: an accessor that does not apply
// to this Instruction's Kind returns the zero value.
type Instruction struct {
	kind Kind

	user      UserId
	project   ProjectId
	mapping   UserMapping
	timeRange TimeRange
	usage     Usage
}

// Kind returns which variant this Instruction holds.
func (i Instruction) Kind() Kind { return i.kind }

// User returns the UserId argument. Valid for AddUser, RemoveUser,
// IsProtectedUser, GetHomeDir.
func (i Instruction) User() UserId { return i.user }

// Project returns the ProjectId argument. Valid for AddProject and the
// first argument of SetLimit.
func (i Instruction) Project() ProjectId { return i.project }

// Mapping returns the UserMapping argument. Valid for AddLocalUser.
func (i Instruction) Mapping() UserMapping { return i.mapping }

// Range returns the TimeRange argument. Valid for GetUsageReport.
func (i Instruction) Range() TimeRange { return i.timeRange }

// UsageLimit returns the Usage argument. Valid for SetLimit.
func (i Instruction) UsageLimit() Usage { return i.usage }

func submit() Instruction { return Instruction{kind: KindSubmit} }

func addUser(u UserId) Instruction { return Instruction{kind: KindAddUser, user: u} }

func removeUser(u UserId) Instruction { return Instruction{kind: KindRemoveUser, user: u} }

func addProject(p ProjectId) Instruction { return Instruction{kind: KindAddProject, project: p} }

func addLocalUser(m UserMapping) Instruction {
	return Instruction{kind: KindAddLocalUser, mapping: m}
}

func getUsageReport(r TimeRange) Instruction {
	return Instruction{kind: KindGetUsageReport, timeRange: r}
}

func isProtectedUser(u UserId) Instruction {
	return Instruction{kind: KindIsProtectedUser, user: u}
}

func getHomeDir(u UserId) Instruction { return Instruction{kind: KindGetHomeDir, user: u} }

func setLimit(p ProjectId, usage Usage) Instruction {
	return Instruction{kind: KindSetLimit, project: p, usage: usage}
}

// Format renders the Instruction back to its grammar token form (the
// instruction token plus its arguments), the inverse of Parse's argument
// handling. format(instruction) round-trips through Parse.
func (i Instruction) Format() string {
	switch i.kind {
	case KindSubmit:
		return string(KindSubmit)
	case KindAddUser:
		return fmt.Sprintf("%s %s", KindAddUser, i.user)
	case KindRemoveUser:
		return fmt.Sprintf("%s %s", KindRemoveUser, i.user)
	case KindAddProject:
		return fmt.Sprintf("%s %s", KindAddProject, i.project)
	case KindAddLocalUser:
		return fmt.Sprintf("%s %s", KindAddLocalUser, i.mapping)
	case KindGetUsageReport:
		return fmt.Sprintf("%s %s,%s", KindGetUsageReport,
			i.timeRange.From.UTC().Format(time.RFC3339), i.timeRange.To.UTC().Format(time.RFC3339))
	case KindIsProtectedUser:
		return fmt.Sprintf("%s %s", KindIsProtectedUser, i.user)
	case KindGetHomeDir:
		return fmt.Sprintf("%s %s", KindGetHomeDir, i.user)
	case KindSetLimit:
		return fmt.Sprintf("%s %s %d", KindSetLimit, i.project, i.usage)
	default:
		return ""
	}
}

// MarshalText encodes the Instruction as its Format token form for JSON.
func (i Instruction) MarshalText() ([]byte, error) { return []byte(i.Format()), nil }

// UnmarshalText decodes the token form produced by MarshalText.
func (i *Instruction) UnmarshalText(text []byte) error {
	parsed, err := ParseTokens(strings.Fields(string(text)))
	if err != nil {
		return fmt.Errorf("job: decode instruction %q: %w", text, err)
	}
	*i = parsed
	return nil
}
