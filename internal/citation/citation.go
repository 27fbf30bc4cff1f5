// Package citation parses user-supplied references to passages of the U.S.
// Constitution ("3:2") and the Bill of Rights ("AMD 1").
package citation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies what a citation points at.
type Kind int

const (
	KindArticle Kind = iota + 1
	KindAmendment
)

func (k Kind) String() string {
	switch k {
	case KindArticle:
		return "article"
	case KindAmendment:
		return "amendment"
	default:
		return "unknown"
	}
}

// Bounds for numeric parts of a citation.
const (
	MaxArticle   = 7
	MaxAmendment = 27
)

// amendmentKeyword selects the Bill of Rights document.
const amendmentKeyword = "AMD"

// ErrIncomplete is returned when an article is given without a section. The
// partial Citation returned alongside it carries the article number.
var ErrIncomplete = errors.New("citation: section missing")

// ParseError reports citation text that cannot be interpreted.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("citation: cannot parse %q: %s", e.Input, e.Reason)
}

// Citation is a structured reference to a single passage.
type Citation struct {
	Kind      Kind
	Article   int    // 1-7, KindArticle only
	Section   string // anchor fragment, KindArticle only
	Amendment int    // KindAmendment only
}

// IsAmendment reports whether the citation selects the Bill of Rights.
func (c Citation) IsAmendment() bool {
	return c.Kind == KindAmendment
}

// Title is the human heading for the passage.
func (c Citation) Title() string {
	if c.Kind == KindAmendment {
		return fmt.Sprintf("Amendment %d", c.Amendment)
	}
	roman, _ := Roman(c.Article)
	return fmt.Sprintf("Article %s Section %s", roman, c.Section)
}

// Key returns a stable identifier: the element id prefix for articles
// (aIII-s2) and "amdN" for amendments.
func (c Citation) Key() string {
	if c.Kind == KindAmendment {
		return fmt.Sprintf("amd%d", c.Amendment)
	}
	roman, _ := Roman(c.Article)
	return "a" + roman + "-s" + c.Section
}

func (c Citation) String() string {
	if c.Kind == KindAmendment {
		return fmt.Sprintf("AMD %d", c.Amendment)
	}
	return fmt.Sprintf("%d:%s", c.Article, c.Section)
}

// Parse interprets free text as a citation. A leading AMD keyword selects an
// amendment ("AMD 1", "amd1"); otherwise the first token is read as
// article[:section]. An article without a section yields ErrIncomplete.
func Parse(text string) (Citation, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return Citation{}, &ParseError{Input: text, Reason: "empty"}
	}

	first := strings.ToUpper(words[0])
	if first == amendmentKeyword {
		if len(words) < 2 {
			return Citation{}, &ParseError{Input: text, Reason: "amendment number missing"}
		}
		return ParseAmendment(words[1])
	}
	if strings.HasPrefix(first, amendmentKeyword) && isDigits(first[len(amendmentKeyword):]) {
		return ParseAmendment(first[len(amendmentKeyword):])
	}

	articleText, section, hasColon := strings.Cut(words[0], ":")
	article, err := parseArticle(articleText)
	if err != nil {
		return Citation{}, &ParseError{Input: text, Reason: err.Error()}
	}
	if !hasColon {
		return Citation{Kind: KindArticle, Article: article}, ErrIncomplete
	}
	return parseSection(text, article, section)
}

// ParseAmendment parses an amendment number, with or without a leading AMD
// keyword.
func ParseAmendment(text string) (Citation, error) {
	words := strings.Fields(text)
	if len(words) > 0 {
		first := strings.ToUpper(words[0])
		switch {
		case first == amendmentKeyword:
			words = words[1:]
		case strings.HasPrefix(first, amendmentKeyword) && isDigits(first[len(amendmentKeyword):]):
			words[0] = first[len(amendmentKeyword):]
		}
	}
	if len(words) == 0 {
		return Citation{}, &ParseError{Input: text, Reason: "amendment number missing"}
	}
	n, err := strconv.Atoi(words[0])
	if err != nil {
		return Citation{}, &ParseError{Input: text, Reason: "amendment is not a number"}
	}
	if n < 1 || n > MaxAmendment {
		return Citation{}, &ParseError{Input: text, Reason: fmt.Sprintf("amendment %d out of range", n)}
	}
	return Citation{Kind: KindAmendment, Amendment: n}, nil
}

// ParseSection completes an article citation with the section given in text.
// Text containing a colon is parsed as a full citation instead.
func ParseSection(article int, text string) (Citation, error) {
	if i := strings.Index(text, ":"); i > 0 && strings.TrimSpace(text[:i]) != "" {
		return Parse(text)
	}
	words := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), ":"))
	if len(words) == 0 {
		return Citation{}, &ParseError{Input: text, Reason: "section missing"}
	}
	return parseSection(text, article, words[0])
}

// parseSection checks a single section token. Only the first colon of a
// citation separates article from section, so "2:1" is not a section.
func parseSection(input string, article int, section string) (Citation, error) {
	if _, ok := Roman(article); !ok {
		return Citation{}, &ParseError{Input: input, Reason: fmt.Sprintf("article %d out of range", article)}
	}
	if section == "" {
		return Citation{}, &ParseError{Input: input, Reason: "section missing"}
	}
	if !isSectionToken(section) {
		return Citation{}, &ParseError{Input: input, Reason: "invalid section"}
	}
	return Citation{Kind: KindArticle, Article: article, Section: section}, nil
}

func parseArticle(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("article %q is not a number", s)
	}
	if n < 1 || n > MaxArticle {
		return 0, fmt.Errorf("article %d out of range", n)
	}
	return n, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isSectionToken accepts the characters that can appear in an element id
// fragment. Anything else would end up inside a selector.
func isSectionToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-':
		default:
			return false
		}
	}
	return true
}
