// Package catalog loads the static course/level/subject defaults that seed
// every user's subject and topic lists.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	c, err := Parse(defaultYAML)
	if err != nil {
		return nil, fmt.Errorf("loading embedded catalog: %w", err)
	}
	return c, nil
}

// Load reads a catalog from a YAML file. An empty path loads the embedded
// default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading catalog %s: %w", path, err)
	}

	slog.Info("catalog loaded", "path", path, "version", c.Version, "courses", len(c.Courses))
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing catalog YAML: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	if err := c.checkUnique(); err != nil {
		return nil, err
	}
	return &c, nil
}

// checkUnique enforces key uniqueness the schema cannot express.
func (c *Catalog) checkUnique() error {
	courses := make(map[string]bool)
	for _, course := range c.Courses {
		if courses[course.ID] {
			return fmt.Errorf("duplicate course %q", course.ID)
		}
		courses[course.ID] = true

		levels := make(map[string]bool)
		for _, level := range course.Levels {
			if levels[level.Key] {
				return fmt.Errorf("course %s: duplicate level %q", course.ID, level.Key)
			}
			levels[level.Key] = true

			subjects := make(map[string]bool)
			for _, s := range level.Subjects {
				if subjects[s.Key] {
					return fmt.Errorf("level %s: duplicate subject %q", level.Key, s.Key)
				}
				subjects[s.Key] = true

				topics := make(map[string]bool)
				for _, t := range s.Topics {
					if topics[t] {
						return fmt.Errorf("subject %s/%s: duplicate topic %q", level.Key, s.Key, t)
					}
					topics[t] = true
				}
			}
		}
	}
	return nil
}

// Course returns a course by ID.
func (c *Catalog) Course(id string) (Course, bool) {
	for _, course := range c.Courses {
		if course.ID == id {
			return course, true
		}
	}
	return Course{}, false
}

// Level returns a level of a course.
func (c *Catalog) Level(courseID, levelKey string) (Level, bool) {
	course, ok := c.Course(courseID)
	if !ok {
		return Level{}, false
	}
	for _, l := range course.Levels {
		if l.Key == levelKey {
			return l, true
		}
	}
	return Level{}, false
}

// LevelIndex returns the position of a level within its course, or -1.
func (c *Catalog) LevelIndex(courseID, levelKey string) int {
	course, ok := c.Course(courseID)
	if !ok {
		return -1
	}
	for i, l := range course.Levels {
		if l.Key == levelKey {
			return i
		}
	}
	return -1
}

// NextLevel returns the level that follows levelKey in its course. It
// reports false for the final level or an unknown level.
func (c *Catalog) NextLevel(courseID, levelKey string) (Level, bool) {
	i := c.LevelIndex(courseID, levelKey)
	if i < 0 {
		return Level{}, false
	}
	course, _ := c.Course(courseID)
	if i+1 >= len(course.Levels) {
		return Level{}, false
	}
	return course.Levels[i+1], true
}

// Subject returns the default definition of a subject.
func (c *Catalog) Subject(courseID, levelKey, subjectKey string) (Subject, bool) {
	level, ok := c.Level(courseID, levelKey)
	if !ok {
		return Subject{}, false
	}
	for _, s := range level.Subjects {
		if s.Key == subjectKey {
			return s, true
		}
	}
	return Subject{}, false
}
