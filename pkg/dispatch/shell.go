package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// dangerousChars is the metacharacter set forbidden outside the
// validated batch-bloatware-disable heredoc, per spec.md §4.4.
const dangerousChars = "|;><$`\n"

var (
	// fixedGetpropKeys is the allowed set of getprop arguments.
	fixedGetpropKeys = mapset.NewSet(
		"ro.build.version.release",
		"ro.product.model",
		"ro.serialno",
		"sys.boot_completed",
	)

	simpleShellPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^am start -a android\.intent\.action\.MAIN -c android\.intent\.category\.LAUNCHER -n [\w./]+$`),
		regexp.MustCompile(`^pm list packages(?: -[a-z0-9])?$`),
		regexp.MustCompile(`^settings (get|put) (secure|system|global) [\w.]+(?: .+)?$`),
		regexp.MustCompile(`^input (keyevent \d+|tap \d+ \d+|swipe \d+ \d+ \d+ \d+(?: \d+)?)$`),
		regexp.MustCompile(`^svc (wifi|data) (enable|disable)$`),
		regexp.MustCompile(`^cmd jobscheduler run -f [\w.]+ \d+$`),
	}

	pmDisableUserPattern = regexp.MustCompile(`^pm disable-user --user 0 ([\w.]+)$`)
	getpropPattern       = regexp.MustCompile(`^getprop ([\w.]+)$`)
)

// ShellAllowList validates remote_exec shell-mode commands against the
// fixed command shapes in spec.md §4.4, plus the enabled bloatware
// package table passed to NewShellAllowList (checked as set
// membership).
type ShellAllowList struct {
	bloatware mapset.Set[string]
}

// NewShellAllowList builds an allow-list scoped to the given enabled
// bloatware packages.
func NewShellAllowList(bloatwarePackages []string) *ShellAllowList {
	return &ShellAllowList{bloatware: mapset.NewSet(bloatwarePackages...)}
}

// Validate rejects any command that doesn't match the allow-list,
// returning a precise error naming the offending subcommand or package.
// `&&` chaining is permitted only when every subcommand independently
// validates.
func (a *ShellAllowList) Validate(command string) error {
	for _, part := range strings.Split(command, "&&") {
		part = strings.TrimSpace(part)
		if part == "" {
			return fmt.Errorf("empty subcommand in chained command")
		}
		if err := a.validateOne(part); err != nil {
			return err
		}
	}
	return nil
}

func (a *ShellAllowList) validateOne(cmd string) error {
	if strings.ContainsAny(cmd, dangerousChars) {
		return fmt.Errorf("command %q contains a forbidden metacharacter", cmd)
	}

	if m := pmDisableUserPattern.FindStringSubmatch(cmd); m != nil {
		pkg := m[1]
		if !a.bloatware.Contains(pkg) {
			return fmt.Errorf("package %q is not in the enabled bloatware table", pkg)
		}
		return nil
	}

	if m := getpropPattern.FindStringSubmatch(cmd); m != nil {
		if !fixedGetpropKeys.Contains(m[1]) {
			return fmt.Errorf("getprop key %q is not allowed", m[1])
		}
		return nil
	}

	for _, re := range simpleShellPatterns {
		if re.MatchString(cmd) {
			return nil
		}
	}

	return fmt.Errorf("command %q does not match any allow-listed shape", cmd)
}

// ValidateBatchBloatwareScript checks the one permitted heredoc shape
// (spec.md §6): every package line inside the heredoc must exist in
// the enabled bloatware table. pkgs is the package list already parsed
// from the heredoc body; this method does not parse the heredoc, and
// Validate does not call it.
func (a *ShellAllowList) ValidateBatchBloatwareScript(pkgs []string) error {
	if len(pkgs) == 0 {
		return fmt.Errorf("batch bloatware script must list at least one package")
	}
	for _, pkg := range pkgs {
		if pkg == "" {
			continue
		}
		if !a.bloatware.Contains(pkg) {
			return fmt.Errorf("package %q in batch script is not in the enabled bloatware table", pkg)
		}
	}
	return nil
}
