package daemon

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/lnmt-project/lnmt/internal/domain"
)

// ClassificationRules is the app-pattern / DNS-whitelist document synced
// into the store at startup. Pattern order in the file fixes the stable
// match order used for session classification.
type ClassificationRules struct {
	AppPatterns  []AppPatternRule `yaml:"app_patterns"`
	DNSWhitelist []string         `yaml:"dns_whitelist"`
}

// AppPatternRule maps a DNS-name regex to an app category.
type AppPatternRule struct {
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
}

// ParseClassificationRules decodes and validates a rules document; every
// pattern must compile.
func ParseClassificationRules(data []byte) (*ClassificationRules, error) {
	var rules ClassificationRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse classification rules: %w", err)
	}
	for _, p := range rules.AppPatterns {
		if p.Category == "" {
			return nil, fmt.Errorf("pattern %q: category is required", p.Pattern)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Pattern, err)
		}
	}
	for _, w := range rules.DNSWhitelist {
		if _, err := regexp.Compile(w); err != nil {
			return nil, fmt.Errorf("whitelist pattern %q: %w", w, err)
		}
	}
	return &rules, nil
}

// LoadClassificationRules reads a rules file.
func LoadClassificationRules(path string) (*ClassificationRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classification rules: %w", err)
	}
	return ParseClassificationRules(data)
}

// Entities converts the document to the store's row shapes, preserving
// file order.
func (r *ClassificationRules) Entities() ([]domain.AppPattern, []domain.DnsWhitelist) {
	patterns := make([]domain.AppPattern, 0, len(r.AppPatterns))
	for _, p := range r.AppPatterns {
		patterns = append(patterns, domain.AppPattern{Pattern: p.Pattern, Category: p.Category})
	}
	whitelist := make([]domain.DnsWhitelist, 0, len(r.DNSWhitelist))
	for _, w := range r.DNSWhitelist {
		whitelist = append(whitelist, domain.DnsWhitelist{Pattern: w})
	}
	return patterns, whitelist
}
