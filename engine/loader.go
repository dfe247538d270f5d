/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const migrationFileName = "migration.sql"

// MigrationScript is one saved migration loaded from the migrations
// directory. Scripts apply in lexicographic name order, so names normally
// start with a timestamp.
type MigrationScript struct {
	Name string
	// Checksum is the hex SHA-256 of the raw file contents. It pins the
	// history table to the exact script text that was applied.
	Checksum   string
	Statements []string
	Source     string
}

// LoadMigrationScripts reads every migration under dir, in lexicographic
// order. Both layouts are accepted: a flat `<name>.sql` file and a
// `<name>/migration.sql` subdirectory. Other entries are skipped.
func LoadMigrationScripts(dir string) ([]MigrationScript, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", dir, err)
	}

	var scripts []MigrationScript
	for _, entry := range entries {
		var name, path string
		if entry.IsDir() {
			name = entry.Name()
			path = filepath.Join(dir, name, migrationFileName)
			if _, err = os.Stat(path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("stat migration %s: %w", name, err)
			}
		} else {
			if !strings.HasSuffix(entry.Name(), ".sql") {
				continue
			}
			name = strings.TrimSuffix(entry.Name(), ".sql")
			path = filepath.Join(dir, entry.Name())
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		scripts = append(scripts, MigrationScript{
			Name:       name,
			Checksum:   hex.EncodeToString(sum[:]),
			Statements: splitStatements(string(content)),
			Source:     string(content),
		})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Name < scripts[j].Name })
	return scripts, nil
}

// splitStatements splits script text into individual statements on
// line-terminating semicolons. Line comments are dropped; semicolons inside
// string literals only break the split when the literal also ends its line.
func splitStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmt := strings.TrimSpace(current.String())
			if stmt != "" && stmt != ";" {
				statements = append(statements, strings.TrimSuffix(stmt, ";"))
			}
			current.Reset()
		}
	}

	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" && stmt != ";" {
			statements = append(statements, strings.TrimSuffix(stmt, ";"))
		}
	}

	return statements
}
