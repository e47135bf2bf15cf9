// internal/filter/filter.go
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"inference-horde/internal/domain"
)

type rule struct {
	score int
	re    *regexp.Regexp
}

// RegexChecker scores prompts against weighted regular expressions and
// screens worker names against a profanity word list.
type RegexChecker struct {
	rules     []rule
	profanity *regexp.Regexp
}

var _ domain.PromptChecker = (*RegexChecker)(nil)

// New parses rules in the "<score>:<pattern>" form, one per line.
func New(rules string, profanity []string) (*RegexChecker, error) {
	c := &RegexChecker{}
	for i, line := range strings.Split(rules, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		scoreStr, pattern, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("filter rule %d: missing score prefix", i+1)
		}
		score, err := strconv.Atoi(strings.TrimSpace(scoreStr))
		if err != nil {
			return nil, fmt.Errorf("filter rule %d: invalid score: %w", i+1, err)
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("filter rule %d: %w", i+1, err)
		}
		c.rules = append(c.rules, rule{score: score, re: re})
	}
	if len(profanity) > 0 {
		quoted := make([]string, 0, len(profanity))
		for _, w := range profanity {
			if w = strings.TrimSpace(w); w != "" {
				quoted = append(quoted, regexp.QuoteMeta(w))
			}
		}
		if len(quoted) > 0 {
			c.profanity = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
		}
	}
	return c, nil
}

func (c *RegexChecker) Check(prompt string) (int, []string) {
	score := 0
	var matches []string
	for _, r := range c.rules {
		found := r.re.FindAllString(prompt, -1)
		if len(found) == 0 {
			continue
		}
		score += r.score
		matches = append(matches, found...)
	}
	return score, matches
}

func (c *RegexChecker) Sanitize(prompt string) (string, bool) {
	out := prompt
	for _, r := range c.rules {
		out = r.re.ReplaceAllString(out, "")
	}
	out = strings.Join(strings.Fields(out), " ")
	return out, out != ""
}

func (c *RegexChecker) IsProfane(text string) bool {
	return c.profanity != nil && c.profanity.MatchString(text)
}
