package scenario

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

type Issue struct {
	Code       string   `json:"code"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	ScenarioID string   `json:"scenario_id,omitempty"`
	StageName  string   `json:"stage_name,omitempty"`
	Field      string   `json:"field,omitempty"`
	Path       string   `json:"path,omitempty"` // JSON Pointer-ish ("/stages/0/purpose")
	Hint       string   `json:"hint,omitempty"`
}

type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func (r Report) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, i := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s %s: %s", i.Code, i.Path, i.Message))
	}
	return "invalid scenario: " + strings.Join(msgs, "; ")
}

// Validate checks the semantic rules a run relies on. Structural checks
// belong to the JSON schema.
func Validate(sc *Scenario) Report {
	rep := Report{}
	if sc == nil {
		rep.addError(Issue{Code: "SCENARIO_000", Message: "Scenario is nil"})
		rep.finalize()
		return rep
	}
	id := sc.ID

	if strings.TrimSpace(sc.ID) == "" {
		rep.addError(Issue{
			Code:    "SCENARIO_003",
			Message: "Scenario id is required",
			Field:   "id",
			Path:    "/id",
		})
	}
	if strings.TrimSpace(sc.Name) == "" {
		rep.addError(Issue{
			Code:       "SCENARIO_001",
			Message:    "Scenario name is required",
			ScenarioID: id,
			Field:      "name",
			Path:       "/name",
		})
	}
	if strings.TrimSpace(sc.Version) == "" {
		rep.addWarning(Issue{
			Code:       "SCENARIO_002",
			Message:    "Scenario version is empty",
			ScenarioID: id,
			Field:      "version",
			Path:       "/version",
		})
	}
	if len(sc.Stages) == 0 {
		rep.addError(Issue{
			Code:       "SCENARIO_004",
			Message:    "Scenario has no stages",
			ScenarioID: id,
			Field:      "stages",
			Path:       "/stages",
		})
		rep.finalize()
		return rep
	}

	for i, sig := range sc.ErrorSignals {
		base := fmt.Sprintf("/error_signals/%d", i)
		validateSignal(&rep, id, "", base, &sig)
		if sig.IsZero() {
			rep.addError(Issue{
				Code:       "SCENARIO_027",
				Message:    "Error signal matches every screen",
				ScenarioID: id,
				Path:       base,
			})
		}
	}

	clearIdx := -1
	openSeen := false
	names := map[string]int{}

	for i := range sc.Stages {
		st := &sc.Stages[i]
		base := fmt.Sprintf("/stages/%d", i)

		if prev, dup := names[st.Name]; dup {
			rep.addWarning(Issue{
				Code:       "SCENARIO_025",
				Message:    fmt.Sprintf("Stage name duplicates stage %d", prev),
				ScenarioID: id,
				StageName:  st.Name,
				Path:       base + "/name",
			})
		} else {
			names[st.Name] = i
		}

		switch st.Action {
		case ActionOpenAppInfo:
			if clearIdx >= 0 {
				rep.addError(navAfterClear(id, st, base))
			}
			openSeen = true
		case ActionClick:
			if clearIdx >= 0 {
				rep.addError(navAfterClear(id, st, base))
			}
			if !openSeen {
				rep.addError(Issue{
					Code:       "SCENARIO_015",
					Message:    "Click stage runs before the app info screen was opened",
					ScenarioID: id,
					StageName:  st.Name,
					Path:       base + "/action",
				})
			}
		case ActionClearCache:
			if clearIdx >= 0 {
				rep.addError(Issue{
					Code:       "SCENARIO_011",
					Message:    "Scenario has more than one clear_cache stage",
					ScenarioID: id,
					StageName:  st.Name,
					Path:       base + "/action",
				})
				break
			}
			clearIdx = i
			if !openSeen {
				rep.addError(Issue{
					Code:       "SCENARIO_012",
					Message:    "No open_app_info stage before clear_cache",
					ScenarioID: id,
					StageName:  st.Name,
					Path:       base,
					Hint:       "The first stage normally opens the app info screen",
				})
			}
			if !st.Expect.IsZero() {
				rep.addWarning(Issue{
					Code:       "SCENARIO_026",
					Message:    "expect is ignored on the clear_cache stage",
					ScenarioID: id,
					StageName:  st.Name,
					Path:       base + "/expect",
				})
			}
		case ActionConfirm:
			if clearIdx < 0 {
				rep.addError(Issue{
					Code:       "SCENARIO_014",
					Message:    "confirm stage must follow clear_cache",
					ScenarioID: id,
					StageName:  st.Name,
					Path:       base + "/action",
				})
			}
		case ActionBack:
		default:
			rep.addError(Issue{
				Code:       "SCENARIO_016",
				Message:    fmt.Sprintf("Unknown action %q", st.Action),
				ScenarioID: id,
				StageName:  st.Name,
				Path:       base + "/action",
			})
		}

		needsPurpose := st.Action == ActionClick || st.Action == ActionClearCache || st.Action == ActionConfirm
		if needsPurpose && st.Purpose == "" {
			rep.addError(Issue{
				Code:       "SCENARIO_020",
				Message:    "Stage requires a text purpose",
				ScenarioID: id,
				StageName:  st.Name,
				Field:      "purpose",
				Path:       base + "/purpose",
			})
		} else if st.Purpose != "" && !st.Purpose.Valid() {
			rep.addError(Issue{
				Code:       "SCENARIO_021",
				Message:    fmt.Sprintf("Unknown purpose %q", st.Purpose),
				ScenarioID: id,
				StageName:  st.Name,
				Field:      "purpose",
				Path:       base + "/purpose",
			})
		}

		if st.IsNavigation() && st.Expect.IsZero() {
			rep.addError(Issue{
				Code:       "SCENARIO_022",
				Message:    "Navigation stage has no expected screen",
				ScenarioID: id,
				StageName:  st.Name,
				Field:      "expect",
				Path:       base + "/expect",
				Hint:       "Set expect.package, expect.activity or expect.purpose",
			})
		}
		if st.Expect != nil {
			validateSignal(&rep, id, st.Name, base+"/expect", st.Expect)
		}

		switch st.TimeoutKey {
		case "", TimeoutMaxWaitApp, TimeoutMaxWaitClearCache, TimeoutSettle:
		default:
			rep.addError(Issue{
				Code:       "SCENARIO_024",
				Message:    fmt.Sprintf("Unknown timeout key %q", st.TimeoutKey),
				ScenarioID: id,
				StageName:  st.Name,
				Field:      "timeout_key",
				Path:       base + "/timeout_key",
			})
		}
		if st.Timeout.Duration < 0 {
			rep.addError(Issue{
				Code:       "SCENARIO_030",
				Message:    "Stage timeout must not be negative",
				ScenarioID: id,
				StageName:  st.Name,
				Field:      "timeout",
				Path:       base + "/timeout",
			})
		}
		if st.Count < 0 {
			rep.addError(Issue{
				Code:       "SCENARIO_031",
				Message:    "count must not be negative",
				ScenarioID: id,
				StageName:  st.Name,
				Field:      "count",
				Path:       base + "/count",
			})
		}
	}

	if clearIdx < 0 {
		rep.addError(Issue{
			Code:       "SCENARIO_010",
			Message:    "Scenario has no clear_cache stage",
			ScenarioID: id,
			Path:       "/stages",
		})
	}

	rep.finalize()
	return rep
}

func navAfterClear(id string, st *Stage, base string) Issue {
	return Issue{
		Code:       "SCENARIO_013",
		Message:    "Navigation stage after clear_cache",
		ScenarioID: id,
		StageName:  st.Name,
		Path:       base + "/action",
	}
}

func validateSignal(rep *Report, id, stage, base string, m *SignalMatch) {
	if m.Activity != "" {
		if _, err := regexp.Compile(m.Activity); err != nil {
			rep.addError(Issue{
				Code:       "SCENARIO_023",
				Message:    fmt.Sprintf("Invalid activity pattern: %v", err),
				ScenarioID: id,
				StageName:  stage,
				Field:      "activity",
				Path:       base + "/activity",
			})
		}
	}
	if m.Purpose != "" && !m.Purpose.Valid() {
		rep.addError(Issue{
			Code:       "SCENARIO_021",
			Message:    fmt.Sprintf("Unknown purpose %q", m.Purpose),
			ScenarioID: id,
			StageName:  stage,
			Field:      "purpose",
			Path:       base + "/purpose",
		})
	}
}

func (r *Report) addError(i Issue) {
	if i.Severity == "" {
		i.Severity = SevError
	}
	r.Errors = append(r.Errors, i)
}

func (r *Report) addWarning(i Issue) {
	if i.Severity == "" {
		i.Severity = SevWarning
	}
	r.Warnings = append(r.Warnings, i)
}

func (r *Report) finalize() {
	sortIssues(r.Errors)
	sortIssues(r.Warnings)
	r.Valid = len(r.Errors) == 0
}

func sortIssues(list []Issue) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}
