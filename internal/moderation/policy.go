package moderation

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Category struct {
	Name   string   `yaml:"name"`
	Reason string   `yaml:"reason"`
	Terms  []string `yaml:"terms"`
}

type policyFile struct {
	Categories []Category `yaml:"categories"`
}

type rule struct {
	category string
	reason   string
	pattern  *regexp.Regexp
}

// Policy is a local blocklist. Terms match case-insensitively on word boundaries.
type Policy struct {
	rules []rule
}

func LoadPolicy(path string) (*Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open policy file")
	}
	defer file.Close()

	var pf policyFile
	if err := yaml.NewDecoder(file).Decode(&pf); err != nil {
		return nil, errors.Wrap(err, "failed to decode policy file")
	}
	return NewPolicy(pf.Categories)
}

func NewPolicy(categories []Category) (*Policy, error) {
	p := &Policy{}
	for _, c := range categories {
		reason := c.Reason
		if reason == "" {
			reason = fmt.Sprintf("Message blocked: %s", c.Name)
		}
		for _, term := range c.Terms {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)(^|[^\p{L}\p{M}\p{N}_])` + regexp.QuoteMeta(term) + `($|[^\p{L}\p{M}\p{N}_])`)
			if err != nil {
				return nil, errors.Wrapf(err, "category %s", c.Name)
			}
			p.rules = append(p.rules, rule{category: c.Name, reason: reason, pattern: re})
		}
	}
	return p, nil
}

func (p *Policy) Check(_ context.Context, text string) (Verdict, error) {
	for _, r := range p.rules {
		if r.pattern.MatchString(text) {
			return Verdict{Allowed: false, Reason: r.reason}, nil
		}
	}
	return Allow, nil
}
