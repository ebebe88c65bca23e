package main

import (
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	testCases := []struct {
		name        string
		dsn         string
		driver      string
		wantPath    string
		wantPragmas []string
	}{
		{name: "postgres", dsn: "postgres://genesis@db/genesis", driver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://genesis@db/genesis", driver: driverPostgres},
		{
			name:        "sqlite url gets a busy timeout",
			dsn:         "sqlite://" + filepath.Join(directory, "a", "genesis.db"),
			driver:      driverSQLite,
			wantPath:    filepath.Join(directory, "a", "genesis.db"),
			wantPragmas: []string{defaultSQLiteBusyTimeout},
		},
		{
			name:        "configured pragmas are kept",
			dsn:         "sqlite://" + filepath.Join(directory, "b.db") + "?_pragma=busy_timeout(250)&_pragma=journal_mode(WAL)",
			driver:      driverSQLite,
			wantPath:    filepath.Join(directory, "b.db"),
			wantPragmas: []string{"busy_timeout(250)", "journal_mode(WAL)"},
		},
		{
			name:        "bare path keeps its options",
			dsn:         filepath.Join(directory, "c", "..", "c.db") + "?_pragma=foreign_keys(1)",
			driver:      driverSQLite,
			wantPath:    filepath.Join(directory, "c.db"),
			wantPragmas: []string{"foreign_keys(1)", defaultSQLiteBusyTimeout},
		},
		{name: "memory", dsn: ":memory:", driver: driverSQLite, wantPath: ":memory:"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			driver, driverDSN, err := resolveDriver(testCase.dsn)
			if err != nil {
				test.Fatalf("resolve driver: %v", err)
			}
			if driver != testCase.driver {
				test.Fatalf("expected driver %s, got %s", testCase.driver, driver)
			}
			if driver != driverSQLite {
				return
			}
			path, rawQuery, _ := strings.Cut(driverDSN, "?")
			if path != testCase.wantPath {
				test.Fatalf("expected path %q, got %q", testCase.wantPath, path)
			}
			options, err := url.ParseQuery(rawQuery)
			if err != nil {
				test.Fatalf("parse options: %v", err)
			}
			if !reflect.DeepEqual(options[sqlitePragmaOption], testCase.wantPragmas) {
				test.Fatalf("expected pragmas %v, got %v", testCase.wantPragmas, options[sqlitePragmaOption])
			}
		})
	}
}

func TestParseSQLiteTargetDefaultsFileName(test *testing.T) {
	test.Parallel()
	for _, dsn := range []string{"sqlite://", "sqlite:///"} {
		target, err := parseSQLiteTarget(dsn)
		if err != nil {
			test.Fatalf("%q: %v", dsn, err)
		}
		if target.path != defaultSQLiteFile {
			test.Fatalf("%q: expected %s, got %q", dsn, defaultSQLiteFile, target.path)
		}
	}
	if _, err := parseSQLiteTarget("sqlite://genesis.db?_pragma=%zz"); err == nil {
		test.Fatalf("expected malformed options to be rejected")
	}
}

func TestApplyServiceKey(test *testing.T) {
	test.Parallel()
	withKey, err := applyServiceKey("postgres://genesis@db:5432/genesis?sslmode=require", "s3cret")
	if err != nil {
		test.Fatalf("apply service key: %v", err)
	}
	if withKey != "postgres://genesis:s3cret@db:5432/genesis?sslmode=require" {
		test.Fatalf("unexpected dsn %q", withKey)
	}

	const explicit = "postgres://genesis:given@db/genesis"
	if kept, err := applyServiceKey(explicit, "s3cret"); err != nil || kept != explicit {
		test.Fatalf("expected explicit password kept, got %q (%v)", kept, err)
	}
	if _, err := applyServiceKey("postgres://db/genesis", "s3cret"); err == nil {
		test.Fatalf("expected error for a url without user")
	}
	if sqliteDSN, err := applyServiceKey("sqlite:///tmp/genesis.db", "s3cret"); err != nil || sqliteDSN != "sqlite:///tmp/genesis.db" {
		test.Fatalf("expected sqlite dsn untouched, got %q (%v)", sqliteDSN, err)
	}
}
