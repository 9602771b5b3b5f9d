// Package scaffold creates a starter pkgshift project.
package scaffold

import (
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dyluth/pkgshift/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Template    string
	Permissions os.FileMode
}

var projectFiles = []FileInfo{
	{Path: config.DefaultPath, Template: "templates/pkgshift.yml.tmpl", Permissions: 0644},
	{Path: filepath.Join("builds", "example", "build.sh"), Template: "templates/build.sh.tmpl", Permissions: 0755},
}

// CheckExisting returns an error naming every project file already in dir.
func CheckExisting(dir string) error {
	var existing []string
	for _, f := range projectFiles {
		if _, err := os.Stat(filepath.Join(dir, f.Path)); err == nil {
			existing = append(existing, f.Path)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	msg := "project already initialized\n\nFound existing"
	if len(existing) == 1 {
		msg += fmt.Sprintf(": %s\n", existing[0])
	} else {
		msg += " files:\n"
		for _, f := range existing {
			msg += fmt.Sprintf("  - %s\n", f)
		}
	}
	msg += "\nUse 'pkgshift init --force' to reinitialize (this will overwrite existing configuration)"
	return fmt.Errorf("%s", msg)
}

// Initialize writes the starter project into dir, overwriting existing
// files only when force is set, and checks the written config loads.
func Initialize(dir string, force bool) error {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return err
		}
	}

	for _, f := range projectFiles {
		content, err := templatesFS.ReadFile(f.Template)
		if err != nil {
			return fmt.Errorf("failed to read %s template: %w", f.Path, err)
		}
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(path, content, f.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}

	if _, err := config.Load(filepath.Join(dir, config.DefaultPath)); err != nil {
		return fmt.Errorf("created %s does not load: %w", config.DefaultPath, err)
	}
	return nil
}

// PrintSuccess lists the created files and the next steps.
func PrintSuccess(w io.Writer) {
	fmt.Fprintln(w, "\n✅ Successfully initialized pkgshift project!")
	fmt.Fprintln(w, "\nCreated:")
	for _, f := range projectFiles {
		fmt.Fprintf(w, "  ✓ %s\n", f.Path)
	}
	fmt.Fprintln(w, "\nNext steps:")
	fmt.Fprintln(w, "  1. Start a ledger: pkgshift up")
	fmt.Fprintln(w, "  2. Dispatch the example jobs: pkgshift build")
	fmt.Fprintln(w, "  3. Inspect the results: pkgshift artifacts")
}
