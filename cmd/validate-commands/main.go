// Command validate-commands checks that the host command table, the RPC
// method bindings and the handler registrations agree with each other.
package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

type loc struct {
	file string
	line int
}

type issue struct {
	msg string
}

type patterns struct {
	cmdDefRe       *regexp.Regexp
	cmdDefNonStrRe *regexp.Regexp
	methodTableRe  *regexp.Regexp
	registerMethRe *regexp.Regexp
	handlerRegRe   *regexp.Regexp
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("validate-commands", flag.ContinueOnError)
	var (
		commandsPath  = fs.String("commands", "protocol/commands.go", "path to protocol commands file")
		registryPath  = fs.String("registry", "internal/handlers/registry.go", "path to handler registrations")
		strictAllDefs = fs.Bool("require-all", false, "if true, require every Cmd* defined in commands.go to be mapped and handled")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	scan, scanIssues := parseFiles(*commandsPath, *registryPath)

	issues := append([]issue{}, scanIssues...)
	issues = append(issues, validateConsistency(scan, *strictAllDefs)...)

	if len(issues) == 0 {
		fmt.Printf(
			"ok: command table looks consistent (defs=%d mapped=%d handled=%d)\n",
			len(scan.cmdVals),
			len(scan.mapped),
			len(scan.handled),
		)
		return 0
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].msg < issues[j].msg })
	for _, it := range issues {
		fmt.Printf("- %s\n", it.msg)
	}
	return 1
}

type scanResult struct {
	cmdVals     map[string]string // const name -> command string
	cmdLoc      map[string]loc
	invalidDefs map[string]loc
	mapped      map[string]loc   // Cmd* bound to an RPC method
	handled     map[string]loc   // Cmd* passed to reg.Register
	handledAll  map[string][]loc // every registration, for duplicate detection
}

type cmdDefOcc struct {
	name string
	loc  loc
}

func defaultPatterns() patterns {
	return patterns{
		cmdDefRe:       regexp.MustCompile(`(?m)^\s*(Cmd[0-9A-Za-z_]+)\s*(?:string\s*)?=\s*"([^"]*)"\s*(?://.*)?$`),
		cmdDefNonStrRe: regexp.MustCompile(`(?m)^\s*(Cmd[0-9A-Za-z_]+)\s*(?:[A-Za-z0-9_]+\s*)?=\s*([^"\s][^/\n]*?)\s*(?://.*)?$`),
		methodTableRe:  regexp.MustCompile(`"([A-Za-z0-9_]+\.[A-Za-z0-9_]+)"\s*:\s*(Cmd[0-9A-Za-z_]+)\s*,`),
		registerMethRe: regexp.MustCompile(`RegisterFullMethodCommand\(\s*"[^"]+"\s*,\s*(?:protocol\.)?(Cmd[0-9A-Za-z_]+)\s*\)`),
		handlerRegRe:   regexp.MustCompile(`\breg\.Register\(\s*protocol\.(Cmd[0-9A-Za-z_]+)\s*,`),
	}
}

func validateConsistency(scan scanResult, requireAll bool) []issue {
	var issues []issue
	issues = append(issues, validateReferencesExist(scan)...)
	issues = append(issues, validateMappedAreHandled(scan)...)
	issues = append(issues, validateDuplicateRegistrations(scan)...)
	if requireAll {
		issues = append(issues, validateAllDefinedAreWired(scan)...)
	}
	return issues
}

func validateReferencesExist(scan scanResult) []issue {
	var issues []issue
	check := func(refs map[string]loc, what string) {
		for name, where := range refs {
			if _, bad := scan.invalidDefs[name]; bad {
				continue
			}
			if _, ok := scan.cmdVals[name]; !ok {
				issues = append(issues, issue{msg: fmt.Sprintf("%s:%d: %s unknown command protocol.%s (not found as Cmd* string const)", where.file, where.line, what, name)})
			}
		}
	}
	check(scan.mapped, "method table maps")
	check(scan.handled, "registry handles")
	return issues
}

func validateMappedAreHandled(scan scanResult) []issue {
	var issues []issue
	for name, where := range scan.mapped {
		if _, ok := scan.handled[name]; !ok {
			issues = append(issues, issue{msg: fmt.Sprintf("%s:%d: command protocol.%s is bound to an RPC method but has no handler", where.file, where.line, name)})
		}
	}
	return issues
}

func validateDuplicateRegistrations(scan scanResult) []issue {
	var issues []issue
	for name, locs := range scan.handledAll {
		if len(locs) < 2 {
			continue
		}
		items := make([]string, 0, len(locs))
		for _, l := range locs {
			items = append(items, fmt.Sprintf("%s:%d", l.file, l.line))
		}
		issues = append(issues, issue{msg: fmt.Sprintf("command protocol.%s is registered more than once (later registration wins): %v", name, items)})
	}
	return issues
}

func validateAllDefinedAreWired(scan scanResult) []issue {
	var issues []issue
	for name := range scan.cmdVals {
		defLoc := scan.cmdLoc[name]
		if _, ok := scan.mapped[name]; !ok {
			issues = append(issues, issue{msg: fmt.Sprintf("%s:%d: command protocol.%s is defined but not bound to an RPC method (enable -require-all only if this is intended)", defLoc.file, defLoc.line, name)})
		}
		if _, ok := scan.handled[name]; !ok {
			issues = append(issues, issue{msg: fmt.Sprintf("%s:%d: command protocol.%s is defined but has no handler (enable -require-all only if this is intended)", defLoc.file, defLoc.line, name)})
		}
	}
	return issues
}

func parseFiles(commandsPath, registryPath string) (scanResult, []issue) {
	pat := defaultPatterns()
	out := scanResult{
		cmdVals:     map[string]string{},
		cmdLoc:      map[string]loc{},
		invalidDefs: map[string]loc{},
		mapped:      map[string]loc{},
		handled:     map[string]loc{},
		handledAll:  map[string][]loc{},
	}
	byVal := map[string][]cmdDefOcc{}
	var issues []issue

	cmds, err := os.ReadFile(commandsPath)
	if err != nil {
		issues = append(issues, issue{msg: fmt.Sprintf("read %s: %v", commandsPath, err)})
	} else {
		s := string(cmds)
		issues = append(issues, scanCmdDefs(commandsPath, s, pat.cmdDefRe, &out, byVal)...)
		issues = append(issues, scanNonStringCmdDefs(commandsPath, s, pat.cmdDefNonStrRe, &out)...)
		scanRefs(commandsPath, s, pat.methodTableRe, 2, out.mapped, nil)
		scanRefs(commandsPath, s, pat.registerMethRe, 1, out.mapped, nil)
	}

	reg, err := os.ReadFile(registryPath)
	if err != nil {
		issues = append(issues, issue{msg: fmt.Sprintf("read %s: %v", registryPath, err)})
	} else {
		s := string(reg)
		scanRefs(registryPath, s, pat.registerMethRe, 1, out.mapped, nil)
		scanRefs(registryPath, s, pat.handlerRegRe, 1, out.handled, out.handledAll)
	}

	issues = append(issues, validateExpectations(out, commandsPath, registryPath, byVal)...)
	return out, issues
}

func scanCmdDefs(path, s string, re *regexp.Regexp, out *scanResult, byVal map[string][]cmdDefOcc) []issue {
	var issues []issue
	for _, mi := range re.FindAllStringSubmatchIndex(s, -1) {
		name := s[mi[2]:mi[3]]
		val := s[mi[4]:mi[5]]
		where := loc{file: path, line: lineNumber(s, mi[0])}
		if val == "" {
			issues = append(issues, issue{msg: fmt.Sprintf("%s:%d: protocol.%s is an empty command name", where.file, where.line, name)})
			out.invalidDefs[name] = where
			continue
		}
		out.cmdVals[name] = val
		out.cmdLoc[name] = where
		byVal[val] = append(byVal[val], cmdDefOcc{name: name, loc: where})
	}
	return issues
}

func scanNonStringCmdDefs(path, s string, re *regexp.Regexp, out *scanResult) []issue {
	var issues []issue
	for _, mi := range re.FindAllStringSubmatchIndex(s, -1) {
		name := s[mi[2]:mi[3]]
		raw := s[mi[4]:mi[5]]
		if _, ok := out.cmdVals[name]; ok {
			continue
		}
		where := loc{file: path, line: lineNumber(s, mi[0])}
		out.invalidDefs[name] = where
		issues = append(issues, issue{msg: fmt.Sprintf(
			"%s:%d: protocol.%s must be a string literal command name; got %q",
			where.file,
			where.line,
			name,
			raw,
		)})
	}
	return issues
}

func scanRefs(path, s string, re *regexp.Regexp, group int, first map[string]loc, all map[string][]loc) {
	for _, mi := range re.FindAllStringSubmatchIndex(s, -1) {
		name := s[mi[2*group]:mi[2*group+1]]
		where := loc{file: path, line: lineNumber(s, mi[0])}
		if all != nil {
			all[name] = append(all[name], where)
		}
		if _, ok := first[name]; ok {
			continue
		}
		first[name] = where
	}
}

func validateExpectations(out scanResult, commandsPath, registryPath string, byVal map[string][]cmdDefOcc) []issue {
	var issues []issue
	if len(out.cmdVals) == 0 && len(out.invalidDefs) == 0 {
		issues = append(issues, issue{msg: fmt.Sprintf("no Cmd* string constants found in %s", commandsPath)})
	}
	issues = append(issues, duplicateValueIssues(byVal)...)
	if len(out.handled) == 0 {
		issues = append(issues, issue{msg: fmt.Sprintf("no reg.Register(protocol.CmdX, ...) found in %s", registryPath)})
	}
	return issues
}

func duplicateValueIssues(byVal map[string][]cmdDefOcc) []issue {
	var issues []issue
	for v, defs := range byVal {
		if len(defs) > 1 {
			items := make([]string, 0, len(defs))
			for _, d := range defs {
				items = append(items, fmt.Sprintf("%s(%s:%d)", d.name, d.loc.file, d.loc.line))
			}
			sort.Strings(items)
			issues = append(issues, issue{msg: fmt.Sprintf("duplicate command name %q: %v", v, items)})
		}
	}
	return issues
}

func lineNumber(s string, idx int) int {
	if idx <= 0 {
		return 1
	}
	return strings.Count(s[:min(idx, len(s))], "\n") + 1
}
