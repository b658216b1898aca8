package detection

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/mamoru/internal/security"
)

// Target selects which part of a request a rule inspects.
type Target string

const (
	TargetRequest   Target = "request"
	TargetUserAgent Target = "user_agent"
	TargetPath      Target = "path"
)

// Built-in rule names.
const (
	RuleSQLInjection     = "SQL_INJECTION"
	RuleXSS              = "XSS"
	RulePathTraversal    = "PATH_TRAVERSAL"
	RuleCommandInjection = "COMMAND_INJECTION"
	RuleSuspiciousPath   = "SUSPICIOUS_PATH"
	RuleScannerUserAgent = "SCANNER_USER_AGENT"
	RuleEmptyUserAgent   = "EMPTY_USER_AGENT"
)

var ErrDuplicateRule = errors.New("duplicate rule name")

// Predicate is a non-regex matcher. It returns the matched content.
type Predicate func(req Request) (string, bool)

// Rule is an immutable detection rule.
type Rule struct {
	Name        string
	Severity    security.Severity
	Description string
	Target      Target

	pattern   *regexp.Regexp
	predicate Predicate
}

// NewPatternRule compiles a regular-expression rule. Patterns are matched
// case-insensitively.
func NewPatternRule(name, pattern string, severity security.Severity, target Target, description string) (Rule, error) {
	if name == "" {
		return Rule{}, errors.New("rule name is required")
	}
	if !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", name, err)
	}
	if target == "" {
		target = TargetRequest
	}
	return Rule{
		Name:        name,
		Severity:    severity,
		Description: description,
		Target:      target,
		pattern:     re,
	}, nil
}

// NewPredicateRule builds a rule from a predicate.
func NewPredicateRule(name string, severity security.Severity, description string, fn Predicate) Rule {
	return Rule{
		Name:        name,
		Severity:    severity,
		Description: description,
		predicate:   fn,
	}
}

// Pattern returns the rule's expression, or "" for predicate rules.
func (r Rule) Pattern() string {
	if r.pattern == nil {
		return ""
	}
	return r.pattern.String()
}

// Match evaluates the rule and returns the matched content.
func (r Rule) Match(req Request) (string, bool) {
	if r.predicate != nil {
		return r.predicate(req)
	}
	if r.pattern == nil {
		return "", false
	}

	var text string
	switch r.Target {
	case TargetUserAgent:
		text = req.UserAgent
	case TargetPath:
		text = req.normalizedPath()
	default:
		text = req.Normalized()
	}

	m := r.pattern.FindString(text)
	if m == "" {
		return "", false
	}
	return m, true
}

// RuleSet is the ordered, read-only set of rules. It is built once and
// shared by every evaluation without locking.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet validates name uniqueness and freezes the order.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name)
		}
		seen[r.Name] = true
	}
	return &RuleSet{rules: append([]Rule(nil), rules...)}, nil
}

// Rules returns a copy of the rules in registration order.
func (s *RuleSet) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// SuspiciousPaths are prefixes commonly probed by vulnerability scanners.
var SuspiciousPaths = []string{
	"/.env",
	"/.git/",
	"/.aws/",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/phpmyadmin",
	"/phpinfo",
	"/config.json",
	"/secrets.json",
	"/server-status",
	"/cgi-bin/",
	"/web.config",
	"/backup.sql",
	"/dump.sql",
}

// DefaultRules returns the built-in rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		mustPattern(RuleSQLInjection,
			`(\bunion\b[\s\S]{0,32}\bselect\b|\bselect\b[\s\S]{0,64}\bfrom\b|\binsert\s+into\b|\bdrop\s+(table|database)\b|\bdelete\s+from\b|'\s*or\s+'?\w+'?\s*=\s*'?\w+|\bwaitfor\s+delay\b|\bsleep\s*\(\s*\d+\s*\)|\bxp_cmdshell\b)`,
			security.SeverityHigh, "SQL injection attempt"),
		mustPattern(RuleXSS,
			`(<\s*script\b|javascript\s*:|\bon(error|load|mouseover|focus|click)\s*=|<\s*iframe\b|<\s*svg[^>]*\bon\w+\s*=|document\.cookie)`,
			security.SeverityHigh, "Cross-site scripting attempt"),
		mustPattern(RulePathTraversal,
			`(\.\./|\.\.\\|/etc/(passwd|shadow|hosts)\b|c:\\windows\\|/proc/self/)`,
			security.SeverityHigh, "Directory traversal attempt"),
		mustPattern(RuleCommandInjection,
			"(;|\\|\\|?|&&|\\$\\(|`)\\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|rm|chmod|python|perl)\\b",
			security.SeverityCritical, "OS command injection attempt"),
		NewPredicateRule(RuleSuspiciousPath, security.SeverityMedium, "Known scanner probe path", suspiciousPath),
		mustTargetPattern(RuleScannerUserAgent,
			`(sqlmap|nikto|nmap|masscan|zgrab|gobuster|dirbuster|wfuzz|ffuf|nuclei|acunetix|nessus)`,
			security.SeverityLow, TargetUserAgent, "Vulnerability scanner user agent"),
		NewPredicateRule(RuleEmptyUserAgent, security.SeverityLow, "Missing user agent", emptyUserAgent),
	}
}

func suspiciousPath(req Request) (string, bool) {
	p := req.normalizedPath()
	for _, prefix := range SuspiciousPaths {
		if strings.HasPrefix(p, prefix) {
			return prefix, true
		}
	}
	return "", false
}

func emptyUserAgent(req Request) (string, bool) {
	if strings.TrimSpace(req.UserAgent) == "" {
		return "<empty>", true
	}
	return "", false
}

func mustPattern(name, pattern string, severity security.Severity, description string) Rule {
	return mustTargetPattern(name, pattern, severity, TargetRequest, description)
}

func mustTargetPattern(name, pattern string, severity security.Severity, target Target, description string) Rule {
	r, err := NewPatternRule(name, pattern, severity, target, description)
	if err != nil {
		panic(err)
	}
	return r
}

// ruleFile is the YAML layout of a rule file:
//
//	rules:
//	  - name: WEBSHELL_UPLOAD
//	    pattern: '\.(php|jsp)\d?$'
//	    severity: HIGH
//	    target: path
//	    description: Script upload probe
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name        string            `yaml:"name"`
	Pattern     string            `yaml:"pattern"`
	Severity    security.Severity `yaml:"severity"`
	Target      Target            `yaml:"target"`
	Description string            `yaml:"description"`
}

// ParseRules decodes YAML rule definitions.
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		switch spec.Target {
		case "", TargetRequest, TargetUserAgent, TargetPath:
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown target %q", i, spec.Name, spec.Target)
		}
		if spec.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%s): pattern is required", i, spec.Name)
		}
		r, err := NewPatternRule(spec.Name, spec.Pattern, spec.Severity, spec.Target, spec.Description)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return ParseRules(data)
}

// BuildRuleSet returns the default rules followed by those in path, if set.
func BuildRuleSet(path string) (*RuleSet, error) {
	rules := DefaultRules()
	if path != "" {
		extra, err := LoadRules(path)
		if err != nil {
			return nil, err
		}
		rules = append(rules, extra...)
	}
	return NewRuleSet(rules...)
}
