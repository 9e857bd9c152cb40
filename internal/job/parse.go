package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/isambard-sc/openportal/internal/identity"
	"github.com/isambard-sc/openportal/internal/xerrors"
)

// Parse is the only constructor of Instruction. The grammar is a single
// line: "<path> <instruction_token> <arg_token>*". It returns the routing
// Path alongside the parsed Instruction so callers get both halves of a Job
// from one call.
//
// Rejections (all wrapped in xerrors.Parse): a malformed path, an unknown
// instruction token, the wrong number of arguments for that token, or an
// argument that fails its own validator.
func Parse(line string) (identity.Path, Instruction, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, Instruction{}, fmt.Errorf("job: %q: need at least a path and an instruction: %w", line, xerrors.Parse)
	}

	path, err := identity.ParsePath(fields[0])
	if err != nil {
		return nil, Instruction{}, fmt.Errorf("job: %q: %w: %w", line, err, xerrors.Parse)
	}

	instr, err := ParseTokens(fields[1:])
	if err != nil {
		return nil, Instruction{}, fmt.Errorf("job: %q: %w: %w", line, err, xerrors.Parse)
	}
	return path, instr, nil
}

// ParseTokens parses an instruction token followed by its argument tokens,
// without a routing path. It is the part of the grammar Format's output
// round-trips through: ParseTokens(strings.Fields(instr.Format())) == instr.
func ParseTokens(tokens []string) (Instruction, error) {
	if len(tokens) == 0 {
		return Instruction{}, fmt.Errorf("job: missing instruction token")
	}
	return parseArgs(Kind(tokens[0]), tokens[1:])
}

func parseArgs(token Kind, args []string) (Instruction, error) {
	switch token {
	case KindSubmit:
		if len(args) != 0 {
			return Instruction{}, arityErr(token, 0, len(args))
		}
		return submit(), nil

	case KindAddUser:
		u, err := arg1UserId(token, args)
		if err != nil {
			return Instruction{}, err
		}
		return addUser(u), nil

	case KindRemoveUser:
		u, err := arg1UserId(token, args)
		if err != nil {
			return Instruction{}, err
		}
		return removeUser(u), nil

	case KindIsProtectedUser:
		u, err := arg1UserId(token, args)
		if err != nil {
			return Instruction{}, err
		}
		return isProtectedUser(u), nil

	case KindGetHomeDir:
		u, err := arg1UserId(token, args)
		if err != nil {
			return Instruction{}, err
		}
		return getHomeDir(u), nil

	case KindAddProject:
		if len(args) != 1 {
			return Instruction{}, arityErr(token, 1, len(args))
		}
		p, err := ParseProjectId(args[0])
		if err != nil {
			return Instruction{}, fmt.Errorf("%s: %w", token, err)
		}
		return addProject(p), nil

	case KindAddLocalUser:
		if len(args) != 1 {
			return Instruction{}, arityErr(token, 1, len(args))
		}
		m, err := ParseUserMapping(args[0])
		if err != nil {
			return Instruction{}, fmt.Errorf("%s: %w", token, err)
		}
		return addLocalUser(m), nil

	case KindGetUsageReport:
		if len(args) != 1 {
			return Instruction{}, arityErr(token, 1, len(args))
		}
		from, to, err := parseTimeRange(args[0])
		if err != nil {
			return Instruction{}, fmt.Errorf("%s: %w", token, err)
		}
		return getUsageReport(TimeRange{From: from, To: to}), nil

	case KindSetLimit:
		if len(args) != 2 {
			return Instruction{}, arityErr(token, 2, len(args))
		}
		p, err := ParseProjectId(args[0])
		if err != nil {
			return Instruction{}, fmt.Errorf("%s: %w", token, err)
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return Instruction{}, fmt.Errorf("%s: invalid usage %q: %w", token, args[1], err)
		}
		return setLimit(p, Usage(n)), nil

	default:
		return Instruction{}, fmt.Errorf("unknown instruction %q", token)
	}
}

func arg1UserId(token Kind, args []string) (UserId, error) {
	if len(args) != 1 {
		return UserId{}, arityErr(token, 1, len(args))
	}
	u, err := ParseUserId(args[0])
	if err != nil {
		return UserId{}, fmt.Errorf("%s: %w", token, err)
	}
	return u, nil
}

func arityErr(token Kind, want, got int) error {
	return fmt.Errorf("%s: expected %d argument(s), got %d", token, want, got)
}

func parseTimeRange(s string) (time.Time, time.Time, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid time range %q, want from,to", s)
	}
	from, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from timestamp %q: %w", parts[0], err)
	}
	to, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to timestamp %q: %w", parts[1], err)
	}
	return from, to, nil
}
