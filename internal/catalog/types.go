package catalog

// Catalog is the static course → level → subject → topic tree used to seed
// per-user subject lists.
type Catalog struct {
	Version int      `yaml:"version" json:"version"`
	Courses []Course `yaml:"courses" json:"courses"`
}

// Course is a top-level exam track (e.g., CA, JEE).
type Course struct {
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name" json:"name"`
	Levels []Level `yaml:"levels" json:"levels"`
}

// Level is an ordered stage within a course (e.g., CA Foundation).
type Level struct {
	Key      string    `yaml:"key" json:"key"`
	Name     string    `yaml:"name" json:"name"`
	Subjects []Subject `yaml:"subjects" json:"subjects"`
}

// Subject is the default definition of a subject within a level.
type Subject struct {
	Key         string   `yaml:"key" json:"key"`
	Label       string   `yaml:"label" json:"label"`
	TargetHours float64  `yaml:"target_hours" json:"target_hours"`
	Color       string   `yaml:"color" json:"color"`
	Topics      []string `yaml:"topics" json:"topics"`
}
