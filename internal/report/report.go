// Package report exports a user's tracker data as an .xlsx workbook.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-tracker/internal/catalog"
	"github.com/p-n-ai/pai-tracker/internal/tracker"
)

const (
	enrollmentsSheet = "Enrollments"
	historySheet     = "History"
	dateLayout       = "2006-01-02"
	maxSheetName     = 31
)

// Source is the read side of the tracker the report is built from.
type Source interface {
	Catalog() *catalog.Catalog
	ListEnrollments(ctx context.Context, userID string) ([]tracker.Enrollment, error)
	Progress(ctx context.Context, ref tracker.LevelRef) (tracker.LevelProgress, error)
	History(ctx context.Context, userID, courseID string) ([]tracker.LevelHistory, error)
}

// Build assembles the workbook for userID: an Enrollments sheet, one
// progress sheet per open enrollment and a History sheet across all
// courses.
func Build(ctx context.Context, src Source, userID string) (*excelize.File, error) {
	enrollments, err := src.ListEnrollments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}

	f := excelize.NewFile()
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	w := &writer{f: f, header: header}

	if err := f.SetSheetName("Sheet1", enrollmentsSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	cat := src.Catalog()

	rows := [][]any{{"Slot", "Course", "Level", "Status", "Enrolled", "Name"}}
	for _, e := range enrollments {
		rows = append(rows, []any{
			e.Slot,
			courseName(cat, e.CourseID),
			levelName(cat, e.CourseID, e.CurrentLevel),
			string(e.Status),
			e.EnrolledAt.Format(dateLayout),
			e.CustomName,
		})
	}
	if err := w.table(enrollmentsSheet, rows); err != nil {
		f.Close()
		return nil, err
	}

	for _, e := range enrollments {
		ref := tracker.LevelRef{UserID: userID, CourseID: e.CourseID, LevelKey: e.CurrentLevel}
		p, err := src.Progress(ctx, ref)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("progress for %s: %w", e.CourseID, err)
		}
		if err := w.progressSheet(sheetName(e), p); err != nil {
			f.Close()
			return nil, err
		}
	}

	// History covers every catalog course so completed and removed
	// enrollments keep their cleared levels in the export.
	history := [][]any{{"Course", "Level", "Cleared", "Notes"}}
	var courses []catalog.Course
	if cat != nil {
		courses = cat.Courses
	}
	for _, c := range courses {
		levels, err := src.History(ctx, userID, c.ID)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("history for %s: %w", c.ID, err)
		}
		for _, h := range levels {
			cleared := ""
			if h.Cleared && !h.ClearedAt.IsZero() {
				cleared = h.ClearedAt.Format(dateLayout)
			}
			history = append(history, []any{
				courseName(cat, h.CourseID),
				levelName(cat, h.CourseID, h.LevelKey),
				cleared,
				h.Notes,
			})
		}
	}

	if _, err := f.NewSheet(historySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet %s: %w", historySheet, err)
	}
	if err := w.table(historySheet, history); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Write builds the workbook and writes it to out.
func Write(ctx context.Context, out io.Writer, src Source, userID string) error {
	f, err := Build(ctx, src, userID)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(out); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

type writer struct {
	f      *excelize.File
	header int
}

func (w *writer) progressSheet(name string, p tracker.LevelProgress) error {
	if _, err := w.f.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}

	rows := [][]any{{"Subject", "Target hours", "Logged hours", "Percent", "Topics", "Frozen"}}
	for _, s := range p.Subjects {
		rows = append(rows, []any{
			s.Subject.Label,
			s.Subject.TargetHours,
			s.LoggedHours,
			s.Percent,
			s.Topics,
			s.Subject.Frozen,
		})
	}
	rows = append(rows, []any{"Total", p.TotalTarget, p.TotalLogged})
	return w.table(name, rows)
}

// table writes rows from A1 down with the first row as a bold header.
func (w *writer) table(sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := w.f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
	if err != nil {
		return err
	}
	if err := w.f.SetCellStyle(sheet, "A1", last, w.header); err != nil {
		return fmt.Errorf("style %s header: %w", sheet, err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(rows[0]))
	if err != nil {
		return err
	}
	return w.f.SetColWidth(sheet, "A", lastCol, 18)
}

func sheetName(e tracker.Enrollment) string {
	name := strings.ToUpper(e.CourseID) + " " + e.CurrentLevel
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, name)
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	return name
}

func courseName(cat *catalog.Catalog, courseID string) string {
	if cat != nil {
		if c, ok := cat.Course(courseID); ok {
			return c.Name
		}
	}
	return courseID
}

func levelName(cat *catalog.Catalog, courseID, levelKey string) string {
	if cat != nil {
		if l, ok := cat.Level(courseID, levelKey); ok {
			return l.Name
		}
	}
	return levelKey
}
