// Package masking redacts sensitive material from tool output before it is
// streamed to subscribers or fed back into the model conversation.
// Patterns are regex-based, compiled once at startup, and organized into
// named groups so a deployment picks the coverage it needs.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Pattern is one redaction rule.
type Pattern struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// builtinPatterns are the rules shipped with the service. Custom patterns
// from configuration are compiled on top.
func builtinPatterns() map[string]Pattern {
	return map[string]Pattern{
		"api_key": {
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{16,})["']?`,
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
			Description: "API keys in key/value form",
		},
		"password": {
			Pattern:     `(?i)(?:password|pwd|pass)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "__MASKED_PASSWORD__"`,
			Description: "Passwords in key/value form",
		},
		"token": {
			Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__MASKED_TOKEN__"`,
			Description: "Access tokens",
		},
		"certificate": {
			Pattern:     `-----BEGIN [A-Z ]*(?:CERTIFICATE|PRIVATE KEY)-----[\s\S]*?-----END [A-Z ]*(?:CERTIFICATE|PRIVATE KEY)-----`,
			Replacement: `__MASKED_CERTIFICATE__`,
			Description: "PEM certificates and private keys",
		},
		"aws_access_key": {
			Pattern:     `AKIA[0-9A-Z]{16}`,
			Replacement: `__MASKED_AWS_ACCESS_KEY__`,
			Description: "AWS access key IDs",
		},
		"github_token": {
			Pattern:     `gh[ps]_[A-Za-z0-9_]{36,255}`,
			Replacement: `__MASKED_GITHUB_TOKEN__`,
			Description: "GitHub tokens",
		},
	}
}

// builtinGroups name pattern sets for configuration.
func builtinGroups() map[string][]string {
	return map[string][]string{
		"basic":   {"api_key", "password"},
		"secrets": {"api_key", "password", "token"},
		"all":     {"api_key", "password", "token", "certificate", "aws_access_key", "github_token"},
	}
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Config selects which patterns a service applies.
type Config struct {
	// Enabled turns masking on. Off means Mask is the identity.
	Enabled bool `yaml:"enabled"`
	// PatternGroup names a builtin group ("basic", "secrets", "all").
	// Empty defaults to "secrets".
	PatternGroup string `yaml:"pattern_group"`
	// CustomPatterns are compiled in addition to the group.
	CustomPatterns []Pattern `yaml:"custom_patterns"`
}

// Service applies the configured redactions. Stateless after construction
// and safe for concurrent use.
type Service struct {
	enabled  bool
	patterns []compiledPattern
	logger   *slog.Logger
}

// NewService compiles the configured pattern set. Invalid custom patterns
// are rejected; builtin patterns always compile.
func NewService(cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{enabled: cfg.Enabled, logger: logger.With("component", "masking")}
	if !cfg.Enabled {
		return s, nil
	}

	group := cfg.PatternGroup
	if group == "" {
		group = "secrets"
	}
	names, ok := builtinGroups()[group]
	if !ok {
		return nil, fmt.Errorf("masking: unknown pattern group %q", group)
	}

	builtin := builtinPatterns()
	for _, name := range names {
		p := builtin[name]
		s.patterns = append(s.patterns, compiledPattern{
			name:        name,
			regex:       regexp.MustCompile(p.Pattern),
			replacement: p.Replacement,
		})
	}
	for i, p := range cfg.CustomPatterns {
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("masking: custom pattern %d: %w", i, err)
		}
		s.patterns = append(s.patterns, compiledPattern{
			name:        fmt.Sprintf("custom:%d", i),
			regex:       compiled,
			replacement: p.Replacement,
		})
	}

	logger.Info("masking service initialized", "group", group,
		"patterns", len(s.patterns))
	return s, nil
}

// Mask applies every configured pattern to the content.
func (s *Service) Mask(content string) string {
	if !s.enabled || content == "" {
		return content
	}
	masked := content
	for _, p := range s.patterns {
		masked = p.regex.ReplaceAllString(masked, p.replacement)
	}
	return masked
}
