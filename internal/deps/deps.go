// Package deps checks that the executables behind configured stage commands
// can be found before serve starts running them.
package deps

import (
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

// Shell runs every stage command.
const Shell = "/bin/sh"

// Requirement names one executable a stage needs.
type Requirement struct {
	Name    string
	Command string
}

// Status reports the availability of a requirement.
type Status struct {
	Name      string
	Command   string
	Available bool
	Detail    string
}

// StageRequirements returns the shell plus the leading executable of each
// stage command, keyed by stage name. Commands whose first word is a shell
// builtin or an assignment are skipped since the shell resolves those itself.
func StageRequirements(commands map[string]string) []Requirement {
	if len(commands) == 0 {
		return nil
	}
	reqs := []Requirement{{Name: "shell", Command: Shell}}
	stages := make([]string, 0, len(commands))
	for stage := range commands {
		stages = append(stages, stage)
	}
	slices.Sort(stages)
	for _, stage := range stages {
		bin := leadingExecutable(commands[stage])
		if bin == "" {
			continue
		}
		reqs = append(reqs, Requirement{Name: stage, Command: bin})
	}
	return reqs
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		st := Status{Name: req.Name, Command: strings.TrimSpace(req.Command)}
		switch path, err := exec.LookPath(st.Command); {
		case st.Command == "":
			st.Detail = "command not configured"
		case err != nil:
			st.Detail = fmt.Sprintf("binary %q not found", st.Command)
		default:
			st.Available = true
			st.Detail = path
		}
		results = append(results, st)
	}
	return results
}

var shellBuiltins = map[string]bool{
	"cd": true, "exec": true, "exit": true, "export": true, "set": true,
	"true": true, "false": true, ":": true, ".": true, "test": true, "[": true,
	"echo": true, "printf": true, "read": true,
}

func leadingExecutable(command string) string {
	for _, field := range strings.Fields(command) {
		if isAssignment(field) {
			continue
		}
		if shellBuiltins[field] {
			return ""
		}
		return strings.Trim(field, `"'`)
	}
	return ""
}

func isAssignment(field string) bool {
	name, _, ok := strings.Cut(field, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
