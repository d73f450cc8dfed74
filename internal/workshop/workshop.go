// Package workshop holds the lesson catalog, the per-workshop sequence of
// drip lessons with their day offsets and content templates. The catalog
// is loaded once from a JSON file at startup; content does not change
// while the daemon runs.
package workshop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"sort"

	"github.com/modfin/henry/compare"
	"github.com/modfin/henry/slicez"
)

type Lesson struct {
	Key        string `json:"key"`
	OffsetDays int    `json:"offset_days"`
	Subject    string `json:"subject"`
	Preheader  string `json:"preheader"`
	HTML       string `json:"html"`

	tmpl *template.Template
}

// Render fills the lesson body template. FirstName falls back to a
// generic salutation for subscribers who did not leave a name.
func (l *Lesson) Render(firstName string) (string, error) {
	if l.tmpl == nil {
		return "", fmt.Errorf("lesson %s has not been parsed", l.Key)
	}
	data := struct {
		FirstName string
		Preheader string
	}{
		FirstName: compare.Coalesce(firstName, "there"),
		Preheader: l.Preheader,
	}
	var buff bytes.Buffer
	err := l.tmpl.Execute(&buff, data)
	if err != nil {
		return "", fmt.Errorf("could not render lesson %s, %w", l.Key, err)
	}
	return buff.String(), nil
}

type Workshop struct {
	Slug    string   `json:"-"`
	Name    string   `json:"name"`
	Lessons []Lesson `json:"lessons"`
}

type Catalog struct {
	workshops map[string]*Workshop
}

// Load reads and parses the catalog file. Lesson templates are compiled
// up front so a broken template fails the daemon at startup rather than
// the first send.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read workshop catalog, %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var raw map[string]*Workshop
	err := json.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("could not decode workshop catalog, %w", err)
	}

	for slug, w := range raw {
		w.Slug = slug
		if len(w.Lessons) == 0 {
			return nil, fmt.Errorf("workshop %s has no lessons", slug)
		}

		keys := slicez.Map(w.Lessons, func(l Lesson) string { return l.Key })
		if len(slicez.Uniq(keys)) != len(keys) {
			return nil, fmt.Errorf("workshop %s has duplicate lesson keys", slug)
		}

		for i := range w.Lessons {
			l := &w.Lessons[i]
			if l.Key == "" {
				return nil, fmt.Errorf("workshop %s has a lesson without a key", slug)
			}
			if l.OffsetDays < 0 {
				return nil, fmt.Errorf("workshop %s lesson %s has a negative offset", slug, l.Key)
			}
			l.tmpl, err = template.New(l.Key).Parse(l.HTML)
			if err != nil {
				return nil, fmt.Errorf("could not parse template for %s/%s, %w", slug, l.Key, err)
			}
		}

		// deterministic enqueue order
		sort.SliceStable(w.Lessons, func(i, j int) bool {
			return w.Lessons[i].OffsetDays < w.Lessons[j].OffsetDays
		})
	}

	return &Catalog{workshops: raw}, nil
}

// Get returns the workshop for a slug.
func (c *Catalog) Get(slug string) (*Workshop, error) {
	w, ok := c.workshops[slug]
	if !ok {
		return nil, fmt.Errorf("unknown workshop %q", slug)
	}
	return w, nil
}

// Lesson returns one lesson of one workshop.
func (c *Catalog) Lesson(slug, key string) (*Lesson, error) {
	w, err := c.Get(slug)
	if err != nil {
		return nil, err
	}
	for i := range w.Lessons {
		if w.Lessons[i].Key == key {
			return &w.Lessons[i], nil
		}
	}
	return nil, fmt.Errorf("unknown lesson %q in workshop %q", key, slug)
}
