// Package schema provides types for representing catalog snapshots and object files
package schema

import (
	"maps"
	"path"
	"slices"
	"strings"
)

// ObjectID is the lowercase "namespace.name" key of a catalog object
type ObjectID string

// NewObjectID builds an ObjectID from a namespace and an object name, removing
// identifier quoting and lower-casing both parts.
func NewObjectID(namespace, name string) ObjectID {
	if namespace == "" {
		return ObjectID(strings.ToLower(Unquote(name)))
	}
	return ObjectID(strings.ToLower(Unquote(namespace) + "." + Unquote(name)))
}

// ParseObjectID converts a possibly quoted qualified name ("s"."t", [s].[t], s.t) into an ObjectID
func ParseObjectID(qualified string) ObjectID {
	return ObjectID(strings.ToLower(Unquote(qualified)))
}

// Namespace returns the part before the first dot
func (id ObjectID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), ".")
	return ns
}

// Name returns the part after the first dot, or the whole id when there is none
func (id ObjectID) Name() string {
	_, name, ok := strings.Cut(string(id), ".")
	if !ok {
		return string(id)
	}
	return name
}

// Unquote strips double quotes, brackets and backticks used to quote identifiers
func Unquote(s string) string {
	return strings.NewReplacer(`"`, "", "[", "", "]", "", "`", "").Replace(s)
}

// Snapshot is the normalized view of a catalog used for diffing and binding
type Snapshot struct {
	Source    map[ObjectID]string     // canonical source per object, "" when the object has no body
	ParseList []RoutineBinding        // routines selected for binding, in catalog order
	Types     map[ObjectID][]Column   // table-type columns
	Deps      map[ObjectID]Dependents // objects that must be dropped before altering the key
}

// Dependents lists objects depending on another object and the statements dropping them
type Dependents struct {
	Names []ObjectID
	Drops []string
}

// NewSnapshot creates a new empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Source: make(map[ObjectID]string),
		Types:  make(map[ObjectID][]Column),
		Deps:   make(map[ObjectID]Dependents),
	}
}

// Clone returns a copy whose maps can be modified without touching s
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Source:    maps.Clone(s.Source),
		ParseList: slices.Clone(s.ParseList),
		Types:     maps.Clone(s.Types),
		Deps:      maps.Clone(s.Deps),
	}
	if c.Source == nil {
		c.Source = make(map[ObjectID]string)
	}
	if c.Types == nil {
		c.Types = make(map[ObjectID][]Column)
	}
	if c.Deps == nil {
		c.Deps = make(map[ObjectID]Dependents)
	}
	return c
}

// Has reports whether the catalog knows about id
func (s *Snapshot) Has(id ObjectID) bool {
	_, ok := s.Source[id]
	return ok
}

// Column describes a table or table-type column
type Column struct {
	Name    string
	Type    string
	Length  string  // empty when the type has no length
	Scale   string  // empty when the type has no scale
	Default *string // literal default, nil when absent
	// UpdateFlag marks a synthetic boolean <column>Updated column
	UpdateFlag bool
	// UpdateCompanionOf is set on a "<c>Updated" column and names <c>
	UpdateCompanionOf string
}

// ObjectFile is one object definition read from a schema directory
type ObjectFile struct {
	FileName   string
	ObjectName string
	ObjectID   ObjectID
	Content    string
}

// ObjectNameFromFile strips an optional "prefix$" segment and the extension from a file name
func ObjectNameFromFile(fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if i := strings.IndexByte(name, '$'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

// NewObjectFile builds an ObjectFile from a file name and its content
func NewObjectFile(fileName, content string) ObjectFile {
	name := ObjectNameFromFile(fileName)
	return ObjectFile{
		FileName:   fileName,
		ObjectName: name,
		ObjectID:   ParseObjectID(name),
		Content:    content,
	}
}

// RoutineBinding is a catalog routine selected for binding
type RoutineBinding struct {
	QualifiedName string
	ID            ObjectID
	RawParams     string // parameter list as reported by the catalog
	SourceFile    string // object file the routine was applied from, when known
	SingleRow     bool   // routine returns one row rather than a set
}

// Param describes one routine parameter
type Param struct {
	Name   string
	Type   string
	Length string
	Scale  string
	// UpdateCompanionOf is set on a "<x>$update" parameter and names <x>
	UpdateCompanionOf string
	IsOutput          bool
	Default           *string
	TableType         ObjectID // set for table-valued parameters
	Columns           []Column // table-valued parameters only
}

// IsTable reports whether the parameter carries rows of a table type
func (p Param) IsTable() bool {
	return p.TableType != ""
}
