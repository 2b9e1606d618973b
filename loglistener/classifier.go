package loglistener

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

// ClassificationInfo is assigned to lines no pattern matches.
const ClassificationInfo = "info"

// Pattern is one classification rule. Patterns are tried in order and the first match wins.
// The regular expression may capture "test_case" and "result" as named groups.
type Pattern struct {
	Name     string `toml:"name"`
	Regex    string `toml:"regex"`
	Activity string `toml:"activity"`
}

type patternFile struct {
	Patterns []Pattern `toml:"pattern"`
}

// DefaultPatterns recognizes start markers, test result markers and error markers.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:     "start",
			Regex:    `^\s*(?:=== RUN|\[START\]|Starting test case)\s+(?P<test_case>\S+)`,
			Activity: string(types.ActivityTestCaseStarted),
		},
		{
			Name:     "result",
			Regex:    `^\s*(?:---|\[RESULT\])\s*(?P<result>PASS|FAIL|SKIP)(?:ED)?:?\s+(?P<test_case>\S+)`,
			Activity: string(types.ActivityTestCaseFinished),
		},
		{
			Name:     "error",
			Regex:    `(?i)\b(?:error|panic|fatal|exception)\b`,
			Activity: string(types.ActivityLog),
		},
	}
}

// LoadPatterns reads classification patterns from a TOML file of [[pattern]] tables.
func LoadPatterns(path string) ([]Pattern, error) {
	var file patternFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to load log patterns from %s: %w", path, err)
	}
	if len(file.Patterns) == 0 {
		return nil, fmt.Errorf("no patterns defined in %s", path)
	}
	return file.Patterns, nil
}

type rule struct {
	name     string
	re       *regexp.Regexp
	activity types.ActivityType
}

// Classifier assigns a classification to raw log lines.
type Classifier struct {
	rules []rule
}

// Classification is the result of classifying one line.
type Classification struct {
	Name     string
	Activity types.ActivityType
	TestCase string
	Result   string
	Message  string
}

func NewClassifier(patterns []Pattern) (*Classifier, error) {
	c := &Classifier{}
	for i, p := range patterns {
		if p.Name == "" {
			return nil, fmt.Errorf("pattern %d has no name", i)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Name, err)
		}
		activity := types.ActivityType(p.Activity)
		switch activity {
		case "":
			activity = types.ActivityLog
		case types.ActivityStarted, types.ActivityTestCaseStarted, types.ActivityTestCaseFinished, types.ActivityLog:
		default:
			return nil, fmt.Errorf("pattern %q: unsupported activity %q", p.Name, p.Activity)
		}
		c.rules = append(c.rules, rule{name: p.Name, re: re, activity: activity})
	}
	return c, nil
}

// Classify strips terminal escape codes from line and matches it against the patterns.
func (c *Classifier) Classify(line string) Classification {
	clean := strings.TrimRight(stripansi.Strip(line), "\r\n")
	for _, r := range c.rules {
		match := r.re.FindStringSubmatch(clean)
		if match == nil {
			continue
		}
		cl := Classification{Name: r.name, Activity: r.activity, Message: clean}
		for i, group := range r.re.SubexpNames() {
			switch group {
			case "test_case":
				cl.TestCase = match[i]
			case "result":
				cl.Result = strings.ToUpper(match[i])
			}
		}
		return cl
	}
	return Classification{Name: ClassificationInfo, Activity: types.ActivityLog, Message: clean}
}
