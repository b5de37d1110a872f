package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"stageguard/internal/config"
	"stageguard/internal/services"
)

// Source names the evidence a classification was derived from.
type Source string

const (
	SourceCategory Source = "category"
	SourceMarker   Source = "marker"
	SourceCode     Source = "code"
	SourceStatus   Source = "status"
	SourceType     Source = "type"
	SourcePattern  Source = "pattern"
	SourceDefault  Source = "default"
)

// Classification is the result of Explain.
type Classification struct {
	Category Category
	Source   Source
	Code     string
	Status   int
	Keyword  string
}

// Pattern matches an error whose type matches one of Types (any type when
// empty) and whose message contains one of Keywords, compared case-folded.
type Pattern struct {
	Types    []string
	Keywords []string
	Category Category
}

type categorized interface{ ErrorCategory() string }
type coded interface{ ErrorCode() string }
type statusCoded interface{ StatusCode() int }
type typed interface{ ErrorType() string }

var markers = []struct {
	err      error
	category Category
}{
	{services.ErrQuotaExceeded, QuotaExceeded},
	{services.ErrRateLimited, RateLimit},
	{services.ErrAuthentication, Authentication},
	{services.ErrNotFound, NotFound},
	{services.ErrValidation, Validation},
	{services.ErrNetwork, Network},
	{services.ErrTransient, Transient},
	{services.ErrSystem, System},
}

// Classifier maps failures onto a Category. Structured evidence is consulted
// before message keywords: category-reporting errors, services markers,
// client error codes, transport status codes, well-known error values, and
// finally the ordered keyword patterns. The first match wins.
//
// A Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	codes    map[string]Category
	patterns []Pattern
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithCodes adds structured code mappings. They override built-in codes.
func WithCodes(codes map[string]Category) Option {
	return func(c *Classifier) {
		for code, category := range codes {
			c.codes[fold(code)] = category
		}
	}
}

// WithPatterns places patterns ahead of the built-in patterns, in order.
func WithPatterns(patterns ...Pattern) Option {
	return func(c *Classifier) {
		extra := make([]Pattern, 0, len(patterns))
		for _, p := range patterns {
			extra = append(extra, compilePattern(p))
		}
		c.patterns = append(extra, c.patterns...)
	}
}

// New returns a classifier with the built-in codes and patterns.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		codes:    make(map[string]Category, len(builtinCodes)),
		patterns: make([]Pattern, 0, len(builtinPatterns)),
	}
	for code, category := range builtinCodes {
		c.codes[fold(code)] = category
	}
	for _, p := range builtinPatterns {
		c.patterns = append(c.patterns, compilePattern(p))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds a classifier extended with the configured codes and patterns.
func FromConfig(cfg config.Classifier) (*Classifier, error) {
	codes := make(map[string]Category, len(cfg.Codes))
	for code, name := range cfg.Codes {
		category, ok := ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("classifier code %q: unknown category %q", code, name)
		}
		codes[code] = category
	}
	patterns := make([]Pattern, 0, len(cfg.Patterns))
	for i, p := range cfg.Patterns {
		category, ok := ParseCategory(p.Category)
		if !ok {
			return nil, fmt.Errorf("classifier pattern %d: unknown category %q", i, p.Category)
		}
		patterns = append(patterns, Pattern{Types: p.Types, Keywords: p.Keywords, Category: category})
	}
	return New(WithCodes(codes), WithPatterns(patterns...)), nil
}

// Classify returns the category for err. A nil error is Unknown.
func (c *Classifier) Classify(err error) Category {
	return c.Explain(err).Category
}

// Explain returns the category for err together with the evidence used.
func (c *Classifier) Explain(err error) Classification {
	if err == nil {
		return Classification{Category: Unknown, Source: SourceDefault}
	}

	var withCategory categorized
	if errors.As(err, &withCategory) {
		if category, ok := ParseCategory(withCategory.ErrorCategory()); ok {
			return Classification{Category: category, Source: SourceCategory}
		}
	}

	for _, m := range markers {
		if errors.Is(err, m.err) {
			return Classification{Category: m.category, Source: SourceMarker}
		}
	}

	var withCode coded
	if errors.As(err, &withCode) {
		code := strings.TrimSpace(withCode.ErrorCode())
		if category, ok := c.codes[fold(code)]; ok && code != "" {
			return Classification{Category: category, Source: SourceCode, Code: code}
		}
	}

	var withStatus statusCoded
	if errors.As(err, &withStatus) {
		status := withStatus.StatusCode()
		if category, ok := categoryForStatus(status); ok {
			return Classification{Category: category, Source: SourceStatus, Status: status}
		}
	}

	if category, ok := categoryForValue(err); ok {
		return Classification{Category: category, Source: SourceType}
	}

	message := fold(err.Error())
	types := errorTypes(err)
	for _, p := range c.patterns {
		if !p.matchesType(types) {
			continue
		}
		for _, keyword := range p.Keywords {
			if strings.Contains(message, keyword) {
				return Classification{Category: p.Category, Source: SourcePattern, Keyword: keyword}
			}
		}
	}
	return Classification{Category: Unknown, Source: SourceDefault}
}

// Patterns returns the evaluation order, custom patterns first.
func (c *Classifier) Patterns() []Pattern {
	return slices.Clone(c.patterns)
}

func categoryForStatus(status int) (Category, bool) {
	switch {
	case status == 429:
		return RateLimit, true
	case status == 401 || status == 403 || status == 407:
		return Authentication, true
	case status == 402:
		return QuotaExceeded, true
	case status == 404 || status == 410:
		return NotFound, true
	case status == 400 || status == 422:
		return Validation, true
	case status == 408:
		return Transient, true
	case status == 501 || status == 505:
		return System, true
	case status >= 500 && status < 600:
		return Transient, true
	}
	return "", false
}

func categoryForValue(err error) (Category, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient, true
	case errors.Is(err, os.ErrNotExist):
		return NotFound, true
	case errors.Is(err, os.ErrPermission):
		return System, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network, true
	}
	return "", false
}

func compilePattern(p Pattern) Pattern {
	compiled := Pattern{Category: p.Category}
	for _, t := range p.Types {
		if t = strings.TrimSpace(t); t != "" {
			compiled.Types = append(compiled.Types, fold(t))
		}
	}
	for _, k := range p.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			compiled.Keywords = append(compiled.Keywords, fold(k))
		}
	}
	return compiled
}

// matchesType accepts an exact type name or a trailing component of it, so
// "operror" matches "*net.operror".
func (p Pattern) matchesType(types []string) bool {
	if len(p.Types) == 0 {
		return true
	}
	for _, want := range p.Types {
		for _, have := range types {
			if have == want || strings.HasSuffix(have, "."+want) || strings.TrimPrefix(have, "*") == want {
				return true
			}
		}
	}
	return false
}

func errorTypes(err error) []string {
	var types []string
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		types = append(types, fold(fmt.Sprintf("%T", e)))
		if t, ok := e.(typed); ok {
			if name := strings.TrimSpace(t.ErrorType()); name != "" {
				types = append(types, fold(name))
			}
		}
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		}
	}
	walk(err)
	return types
}

// fold allocates a Caser per call; Casers carry state and are not safe to share.
func fold(s string) string {
	return cases.Fold().String(s)
}
