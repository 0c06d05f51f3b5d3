// Package catalog loads operator-authored templates from YAML files and
// seeds them into the template store at start-up.
package catalog

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/models"
	"github.com/HanTheDev/promptgen/internal/template"
)

type templateFile struct {
	ID          string                       `yaml:"id"`
	Name        string                       `yaml:"name"`
	Description string                       `yaml:"description,omitempty"`
	Category    string                       `yaml:"category,omitempty"`
	AccessLevel string                       `yaml:"access_level,omitempty"`
	Parameters  []models.ParameterDescriptor `yaml:"parameters,omitempty"`
	Content     string                       `yaml:"content"`
}

// Issue describes a file that was skipped.
type Issue struct {
	File string
	Err  error
}

func (i Issue) Error() string { return i.File + ": " + i.Err.Error() }

type Upserter interface {
	UpsertTemplate(ctx context.Context, tpl *models.Template) error
}

// LoadDir parses every .yaml and .yml file in dir, sorted by name. Files that
// fail to parse or compile are reported as issues and left out.
func LoadDir(dir string) ([]*models.Template, []Issue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read template dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var (
		out    []*models.Template
		issues []Issue
		seen   = make(map[string]string)
	)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			issues = append(issues, Issue{File: name, Err: err})
			continue
		}
		tpl, err := Parse(data)
		if err != nil {
			issues = append(issues, Issue{File: name, Err: err})
			continue
		}
		if prev, dup := seen[tpl.ID]; dup {
			issues = append(issues, Issue{File: name, Err: errors.Newf("template id %q already defined in %s", tpl.ID, prev)})
			continue
		}
		seen[tpl.ID] = name
		out = append(out, tpl)
	}
	return out, issues, nil
}

// Parse decodes one template document and compile-checks it. Unknown fields
// are rejected.
func Parse(data []byte) (*models.Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f templateFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, errors.New("empty document")
		}
		return nil, errors.Wrap(err, "decode yaml")
	}

	if strings.TrimSpace(f.ID) == "" {
		return nil, errors.New("id is required")
	}
	if strings.TrimSpace(f.Content) == "" {
		return nil, errors.Newf("template %s: content is required", f.ID)
	}
	access := models.AccessLevel(f.AccessLevel)
	if access == "" {
		access = models.AccessFree
	}
	if !access.Valid() {
		return nil, errors.Newf("template %s: unknown access_level %q", f.ID, f.AccessLevel)
	}

	tpl := &models.Template{
		ID:              f.ID,
		Name:            f.Name,
		Description:     f.Description,
		Category:        f.Category,
		Content:         f.Content,
		ParameterSchema: f.Parameters,
		AccessLevel:     access,
	}
	if tpl.Name == "" {
		tpl.Name = tpl.ID
	}
	if _, err := template.Compile(tpl); err != nil {
		return nil, errors.Wrapf(err, "template %s", tpl.ID)
	}
	return tpl, nil
}

// Seed loads dir and upserts every valid template. It returns the number
// stored. Skipped files are logged.
func Seed(ctx context.Context, store Upserter, dir string, logger *zap.Logger) (int, error) {
	templates, issues, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, issue := range issues {
		logger.Warn("skipping template file", zap.String("file", issue.File), zap.Error(issue.Err))
	}

	stored := 0
	for _, tpl := range templates {
		if err := store.UpsertTemplate(ctx, tpl); err != nil {
			return stored, errors.Wrapf(err, "seed template %s", tpl.ID)
		}
		stored++
	}
	logger.Info("template catalog seeded", zap.String("dir", dir), zap.Int("stored", stored), zap.Int("skipped", len(issues)))
	return stored, nil
}
