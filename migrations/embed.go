package main

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// migrationFilenameRegex enforces the NNN_name.(up|down).sql naming scheme.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// migrationSet wraps a filesystem of migration SQL files and validates its
// shape before anything runs against the database: every filename parseable,
// every sequence a complete up/down pair, and the sequence gapless from 001.
type migrationSet struct {
	fs fs.FS
}

// newMigrationSet wraps the given filesystem; nil means the embedded files.
func newMigrationSet(filesystem fs.FS) *migrationSet {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &migrationSet{fs: filesystem}
}

// migrationFile is one parsed migration filename.
type migrationFile struct {
	sequence  int
	name      string
	direction string
}

// parseMigrationFilename splits a migration filename into its parts.
func parseMigrationFilename(filename string) (migrationFile, error) {
	m := migrationFilenameRegex.FindStringSubmatch(filename)
	if m == nil {
		return migrationFile{}, fmt.Errorf(
			"invalid migration filename %q (want NNN_name.up.sql / NNN_name.down.sql)", filename)
	}

	sequence, err := strconv.Atoi(m[1])
	if err != nil {
		return migrationFile{}, fmt.Errorf("invalid migration sequence in %q: %w", filename, err)
	}

	return migrationFile{sequence: sequence, name: m[2], direction: m[3]}, nil
}

// files returns every .sql filename in the set, sorted.
func (s *migrationSet) files() ([]string, error) {
	entries, err := fs.ReadDir(s.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}

// validate rejects the set unless every filename parses, every sequence has
// both directions under one name, and the sequences run 001, 002, ... with
// no gaps.
func (s *migrationSet) validate() error {
	files, err := s.files()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return errors.New("no migration files embedded")
	}

	directions := make(map[int]map[string]bool)
	names := make(map[int]string)

	for _, filename := range files {
		parsed, err := parseMigrationFilename(filename)
		if err != nil {
			return err
		}

		if known, ok := names[parsed.sequence]; ok && known != parsed.name {
			return fmt.Errorf("sequence %03d used by both %q and %q", parsed.sequence, known, parsed.name)
		}

		names[parsed.sequence] = parsed.name

		if directions[parsed.sequence] == nil {
			directions[parsed.sequence] = make(map[string]bool)
		}

		directions[parsed.sequence][parsed.direction] = true
	}

	sequences := make([]int, 0, len(directions))
	for sequence := range directions {
		sequences = append(sequences, sequence)
	}

	sort.Ints(sequences)

	for i, sequence := range sequences {
		if sequence != i+1 {
			return fmt.Errorf("migration sequence has a gap: expected %03d, found %03d", i+1, sequence)
		}

		if !directions[sequence]["up"] {
			return fmt.Errorf("missing up migration for %03d_%s", sequence, names[sequence])
		}

		if !directions[sequence]["down"] {
			return fmt.Errorf("missing down migration for %03d_%s", sequence, names[sequence])
		}
	}

	return nil
}

// maxSequence returns the highest migration sequence in the set.
func (s *migrationSet) maxSequence() (int, error) {
	files, err := s.files()
	if err != nil {
		return 0, err
	}

	max := 0

	for _, filename := range files {
		parsed, err := parseMigrationFilename(filename)
		if err != nil {
			return 0, err
		}

		if parsed.sequence > max {
			max = parsed.sequence
		}
	}

	return max, nil
}
