package parser

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/mizuchilabs/sqlport/pkg/schema"
)

func TestParseKinds(t *testing.T) {
	tests := []struct {
		name      string
		sql       string
		wantKind  Kind
		wantName  string
		wantID    schema.ObjectID
		wantError bool
	}{
		{"table", `CREATE TABLE [core].[item] (id int)`, KindTable, "[core].[item]", "core.item", false},
		{"quoted table", `CREATE TABLE "s"."T" (a int, b varchar(10))`, KindTable, `"s"."T"`, "s.t", false},
		{"table if not exists", `CREATE TABLE IF NOT EXISTS core.item (id int)`, KindTable, "core.item", "core.item", false},
		{"alter procedure", `ALTER PROCEDURE core.itemGet @id int AS SELECT 1`, KindProcedure, "core.itemGet", "core.itemget", false},
		{"proc shorthand", `create proc [core].[x] as select 1`, KindProcedure, "[core].[x]", "core.x", false},
		{"create or replace function", `CREATE OR REPLACE FUNCTION core."itemGet"(a int) RETURNS int AS $$ SELECT a $$ LANGUAGE sql`, KindFunction, `core."itemGet"`, "core.itemget", false},
		{"create or alter view", `CREATE OR ALTER VIEW core.vItem AS SELECT 1 AS x`, KindView, "core.vItem", "core.vitem", false},
		{"materialized view", `CREATE MATERIALIZED VIEW core.mv AS SELECT 1`, KindView, "core.mv", "core.mv", false},
		{"table type", `CREATE TYPE core.itemTT AS TABLE (id int)`, KindTableType, "core.itemTT", "core.itemtt", false},
		{"composite type", `CREATE TYPE core.point AS (x int, y int)`, KindTableType, "core.point", "core.point", false},
		{"enum type", `CREATE TYPE core.mood AS ENUM ('sad', 'ok')`, KindType, "core.mood", "core.mood", false},
		{"trigger", `CREATE TRIGGER core.trg ON core.item AFTER INSERT AS SELECT 1`, KindTrigger, "core.trg", "core.trg", false},
		{"leading comment", "-- header\n/* more */ CREATE TABLE core.a (x int)", KindTable, "core.a", "core.a", false},
		{"index is other", `CREATE INDEX ix ON core.item(id)`, KindOther, "", "", false},
		{"plain select", `SELECT 1`, KindOther, "", "", false},
		{"missing name", `CREATE TABLE`, "", "", "", true},
		{"table without columns", `CREATE TABLE core.a AS SELECT 1`, "", "", "", true},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := p.Parse(tt.sql)
			if (err != nil) != tt.wantError {
				t.Fatalf("Parse() error = %v, wantError %v", err, tt.wantError)
			}
			if err != nil {
				return
			}
			if stmt.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", stmt.Kind, tt.wantKind)
			}
			if stmt.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", stmt.Name, tt.wantName)
			}
			if tt.wantID != "" && stmt.ID() != tt.wantID {
				t.Errorf("ID() = %q, want %q", stmt.ID(), tt.wantID)
			}
		})
	}
}

func TestParseTableColumns(t *testing.T) {
	sql := `CREATE TABLE [core].[item] (
		[itemId] BIGINT IDENTITY(1,1) NOT NULL,
		name NVARCHAR(200) NOT NULL,
		price DECIMAL(18, 2) DEFAULT (0),
		note varchar(max) NULL,
		status char(1) DEFAULT 'A' NOT NULL,
		created timestamp with time zone DEFAULT now(),
		tags text[],
		CONSTRAINT pkItem PRIMARY KEY (itemId),
		UNIQUE (name)
	)`

	stmt, err := New().Parse(sql)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	zero, a, now := "(0)", "'A'", "now()"
	want := []Field{
		{Name: "itemId", Type: "BIGINT"},
		{Name: "name", Type: "NVARCHAR", Length: "200"},
		{Name: "price", Type: "DECIMAL", Length: "18", Scale: "2", Default: &zero},
		{Name: "note", Type: "varchar", Length: "max"},
		{Name: "status", Type: "char", Length: "1", Default: &a},
		{Name: "created", Type: "timestamp with time zone", Default: &now},
		{Name: "tags", Type: "text[]"},
	}
	if !reflect.DeepEqual(stmt.Fields, want) {
		t.Errorf("Fields =\n%+v\nwant\n%+v", stmt.Fields, want)
	}
}

func TestParseProcedureParams(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []Field
	}{
		{
			name: "t-sql without parentheses",
			sql: `CREATE PROCEDURE core.itemEdit
				@itemId bigint,
				@item core.itemTTU READONLY,
				@name$update bit = 0,
				@total money OUTPUT,
				@meta core.metaDataTT READONLY
			AS
			BEGIN
				SELECT 1
			END`,
			want: []Field{
				{Name: "itemId", Type: "bigint"},
				{Name: "item", Type: "core.itemTTU", ReadOnly: true},
				{Name: "name$update", Type: "bit", Default: ptr("0")},
				{Name: "total", Type: "money", Output: true},
				{Name: "meta", Type: "core.metaDataTT", ReadOnly: true},
			},
		},
		{
			name: "t-sql with AS before type",
			sql:  `CREATE PROCEDURE core.x @a AS int, @b AS nvarchar(10) = N'x' AS SELECT 1`,
			want: []Field{
				{Name: "a", Type: "int"},
				{Name: "b", Type: "nvarchar", Length: "10", Default: ptr("N'x'")},
			},
		},
		{
			name: "no params",
			sql:  `CREATE PROCEDURE core.x AS SELECT 1`,
			want: nil,
		},
		{
			name: "postgres modes",
			sql:  `CREATE FUNCTION core.f(IN a integer, OUT b text, INOUT c numeric(10,2), d character varying DEFAULT 'x', integer) RETURNS record AS $$ $$ LANGUAGE sql`,
			want: []Field{
				{Name: "a", Type: "integer"},
				{Name: "b", Type: "text", Output: true},
				{Name: "c", Type: "numeric", Length: "10", Scale: "2", Output: true},
				{Name: "d", Type: "character varying", Default: ptr("'x'")},
				{Type: "integer"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := New().Parse(tt.sql)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !stmt.IsRoutine() {
				t.Fatalf("Kind = %q, want a routine", stmt.Kind)
			}
			if !reflect.DeepEqual(stmt.Params, tt.want) {
				t.Errorf("Params =\n%+v\nwant\n%+v", stmt.Params, tt.want)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	params, err := ParseParams("@id int, @name nvarchar(50) OUTPUT, @rows [core].[itemTT] READONLY")
	if err != nil {
		t.Fatalf("ParseParams() error = %v", err)
	}
	if len(params) != 3 {
		t.Fatalf("got %d params, want 3", len(params))
	}
	if params[1].Name != "name" || params[1].Length != "50" || !params[1].Output {
		t.Errorf("params[1] = %+v", params[1])
	}
	if params[2].Type != "[core].[itemTT]" || !params[2].ReadOnly {
		t.Errorf("params[2] = %+v", params[2])
	}

	params, err = ParseParams("a integer, rows core.itemtt[]")
	if err != nil {
		t.Fatalf("ParseParams() error = %v", err)
	}
	if params[1].Type != "core.itemtt[]" {
		t.Errorf("array type = %q", params[1].Type)
	}

	params, err = ParseParams("")
	if err != nil || len(params) != 0 {
		t.Errorf("empty list = %v, %v", params, err)
	}
}

func TestSignature(t *testing.T) {
	file, err := New().Parse(`CREATE TYPE [core].[itemTT] AS TABLE (ItemId INTEGER, Name NVARCHAR(50), Price DECIMAL(18))`)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	catalog := []schema.Column{
		{Name: "itemId", Type: "int"},
		{Name: "name", Type: "nvarchar", Length: "50"},
		{Name: "price", Type: "numeric", Length: "18", Scale: "0"},
	}

	got := FieldSignature(file.Fields)
	want := "itemid\tint\t\t\nname\tnvarchar\t50\t\nprice\tnumeric\t18\t0"
	if got != want {
		t.Errorf("FieldSignature() = %q, want %q", got, want)
	}
	if Signature(catalog) != got {
		t.Errorf("catalog signature %q differs from file signature %q", Signature(catalog), got)
	}
}

func TestNormalizeType(t *testing.T) {
	tests := map[string]string{
		"INTEGER":                  "int",
		"Character  Varying":       "varchar",
		"timestamp with time zone": "timestamptz",
		"int4[]":                   "int[]",
		"[core].[itemTT]":          "core.itemtt",
	}
	for in, want := range tests {
		if got := NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReadDir(t *testing.T) {
	dir := createSchemaDir(t, map[string]string{
		"200$core.itemGet.sql": "CREATE PROCEDURE core.itemGet AS SELECT 1",
		"100$core.item.sql":    "CREATE TABLE core.item (id int)",
		".hidden.sql":          "garbage",
		"README.md":            "docs",
	})
	if err := os.Mkdir(filepath.Join(dir, "nested.sql"), 0o750); err != nil {
		t.Fatal(err)
	}

	files, err := ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].ObjectID != "core.item" || files[1].ObjectID != "core.itemget" {
		t.Errorf("files out of order: %q, %q", files[0].ObjectID, files[1].ObjectID)
	}
	if files[1].FileName != filepath.Join(dir, "200$core.itemGet.sql") {
		t.Errorf("FileName = %q", files[1].FileName)
	}
	if files[0].Content != "CREATE TABLE core.item (id int)" {
		t.Errorf("Content = %q", files[0].Content)
	}

	if _, err := ReadDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestReadDirFS(t *testing.T) {
	SetBaseFS(fstest.MapFS{
		"db/b.sql": {Data: []byte("CREATE VIEW core.b AS SELECT 1")},
		"db/a.sql": {Data: []byte("CREATE TABLE core.a (x int)")},
	})
	t.Cleanup(func() { SetBaseFS(nil) })

	if BaseFS() == nil {
		t.Fatal("BaseFS() should return the configured filesystem")
	}

	files, err := ReadDir("db")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(files) != 2 || files[0].FileName != "db/a.sql" {
		t.Fatalf("files = %+v", files)
	}
}

func createSchemaDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func ptr(s string) *string {
	return &s
}
