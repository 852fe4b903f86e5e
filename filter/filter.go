package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/mailtm-drain/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter holds compiled regex patterns for filtering archived messages.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool

	mu   sync.Mutex
	hits map[*regexp.Regexp]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string
	IncludeHeaderHits     map[string]int
	IncludeBodyHits       map[string]int
	ExcludeHeaderHits     map[string]int
	ExcludeBodyHits       map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
		hits:           make(map[*regexp.Regexp]int),
	}, nil
}

// Active reports whether any pattern was configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// AllowsMessage applies the filter to an archived record. Header patterns
// see the From, To and Subject lines; body patterns see the intro text.
func (f *Filter) AllowsMessage(msg model.Message) bool {
	var header, body string
	if f.needHeaderText {
		header = HeaderText(msg)
	}
	if f.needBodyText {
		body = msg.Intro
	}
	return f.allows(header, body)
}

// Allows returns true if the header and body text pass the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}
	return f.allows(headerText, bodyText)
}

func (f *Filter) allows(headerText, bodyText string) bool {
	if f.includeMode {
		// Evaluate both lists so the hit counters stay accurate.
		headerMatched := f.matchAny(f.includeHeader, headerText)
		bodyMatched := f.matchAny(f.includeBody, bodyText)
		return headerMatched || bodyMatched
	}

	if f.excludeMode {
		headerMatched := f.matchAny(f.excludeHeader, headerText)
		bodyMatched := f.matchAny(f.excludeBody, bodyText)
		if headerMatched || bodyMatched {
			return false
		}
	}

	return true
}

// GetStats returns the per-pattern hit counters.
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return Stats{
		IncludeHeaderPatterns: sources(f.includeHeader),
		IncludeBodyPatterns:   sources(f.includeBody),
		ExcludeHeaderPatterns: sources(f.excludeHeader),
		ExcludeBodyPatterns:   sources(f.excludeBody),
		IncludeHeaderHits:     f.hitsFor(f.includeHeader),
		IncludeBodyHits:       f.hitsFor(f.includeBody),
		ExcludeHeaderHits:     f.hitsFor(f.excludeHeader),
		ExcludeBodyHits:       f.hitsFor(f.excludeBody),
	}
}

// HeaderText renders the header lines patterns are matched against.
func HeaderText(msg model.Message) string {
	var sb strings.Builder
	sb.WriteString("From: ")
	sb.WriteString(FormatAddress(msg.From))
	sb.WriteString("\n")
	if len(msg.To) > 0 {
		to := make([]string, 0, len(msg.To))
		for _, addr := range msg.To {
			to = append(to, FormatAddress(addr))
		}
		sb.WriteString("To: ")
		sb.WriteString(strings.Join(to, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("Subject: ")
	sb.WriteString(msg.Subject)
	sb.WriteString("\n")
	return sb.String()
}

// FormatAddress renders "Name <address>" or the bare address.
func FormatAddress(addr model.Address) string {
	if addr.Name == "" {
		return addr.Address
	}
	return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			f.mu.Lock()
			f.hits[re]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

func (f *Filter) hitsFor(patterns []*regexp.Regexp) map[string]int {
	out := make(map[string]int, len(patterns))
	for _, re := range patterns {
		out[re.String()] = f.hits[re]
	}
	return out
}

func sources(patterns []*regexp.Regexp) []string {
	out := make([]string, 0, len(patterns))
	for _, re := range patterns {
		out = append(out, re.String())
	}
	return out
}
