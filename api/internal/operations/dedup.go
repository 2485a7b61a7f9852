package operations

type Action string

const (
	// ActionReuse keeps an existing non-terminal operation of the same code
	// and inserts only when none exists.
	ActionReuse Action = "reuse"
	// ActionSupersede marks pending operations of the same code REPEATED
	// before inserting.
	ActionSupersede Action = "supersede"
	ActionInsert    Action = "insert"
)

func selectDedup(scheduled bool, notRepeated bool) Action {
	switch {
	case scheduled:
		return ActionReuse
	case notRepeated:
		return ActionSupersede
	default:
		return ActionInsert
	}
}

type CodeSet map[string]struct{}

func NewCodeSet(codes ...string) CodeSet {
	set := make(CodeSet, len(codes))
	for _, code := range codes {
		if code != "" {
			set[code] = struct{}{}
		}
	}
	return set
}

func (s CodeSet) Contains(code string) bool {
	_, ok := s[code]
	return ok
}

func (s CodeSet) IsScheduledCode(code string) bool {
	return s.Contains(code)
}

func (s CodeSet) Codes() []string {
	out := make([]string, 0, len(s))
	for code := range s {
		out = append(out, code)
	}
	return out
}
