package statement

import (
	"regexp"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/parser"
)

var (
	leadingAlter  = regexp.MustCompile(`(?i)^ALTER(\s)`)
	leadingCreate = regexp.MustCompile(`(?i)^CREATE(\s)`)
	// statements with no ALTER form in some dialect
	noAlterForm = regexp.MustCompile(`(?i)^CREATE\s+(TYPE|OR\s+REPLACE|OR\s+ALTER)\b`)
)

// Classifier turns object source into CREATE and ALTER statements and into the
// canonical form used to detect changes.
type Classifier struct {
	Parser  parser.Parser
	Markers Markers
}

// NewClassifier creates a classifier using the default grammar when p is nil
func NewClassifier(p parser.Parser, m Markers) *Classifier {
	if p == nil {
		p = parser.New()
	}
	return &Classifier{Parser: p, Markers: m}
}

// Preprocess rewrites marker lines of text
func (c *Classifier) Preprocess(text, fileName, objectName string) (string, error) {
	return Preprocess(c.Parser, c.Markers, text, fileName, objectName)
}

// ToCreate returns the statement creating the object
func (c *Classifier) ToCreate(text, fileName, objectName string) (string, error) {
	s, err := c.Preprocess(text, fileName, objectName)
	if err != nil {
		return "", err
	}
	return NormalizeSource(s), nil
}

// ToAlter returns the statement altering the object. CREATE TYPE, CREATE OR
// REPLACE and CREATE OR ALTER are returned unchanged.
func (c *Classifier) ToAlter(text, fileName, objectName string) (string, error) {
	s, err := c.Preprocess(text, fileName, objectName)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if noAlterForm.MatchString(s) {
		return s, nil
	}
	return leadingCreate.ReplaceAllString(s, "ALTER$1"), nil
}

// Canonical returns what change detection compares: the column signature of
// a table type, otherwise the CREATE form of the source.
func (c *Classifier) Canonical(text, fileName, objectName string) (string, error) {
	s, err := c.Preprocess(text, fileName, objectName)
	if err != nil {
		return "", err
	}
	stmt, err := c.Parser.Parse(s)
	if err == nil && stmt.Kind == parser.KindTableType {
		return parser.FieldSignature(stmt.Fields), nil
	}
	return NormalizeSource(s), nil
}

// NormalizeSource trims text and turns a leading ALTER into CREATE
func NormalizeSource(text string) string {
	return leadingAlter.ReplaceAllString(strings.TrimSpace(text), "CREATE$1")
}
