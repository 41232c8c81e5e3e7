package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"
)

// LoadTextbooks reads every *.txt file in dir. A line starting with "## "
// opens a new concept; the lines up to the next heading are its content.
// Unreadable files are logged and skipped.
func LoadTextbooks(dir string) ([]ContentItem, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("textbook directory: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var items []ContentItem
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Error("reading textbook", "path", p, "error", err)
			continue
		}
		items = append(items, parseTextbook(string(data))...)
	}
	return items, nil
}

func parseTextbook(text string) []ContentItem {
	var (
		items   []ContentItem
		concept string
		lines   []string
	)
	flush := func() {
		if concept != "" {
			items = append(items, textbookItem(concept, lines))
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			concept = strings.TrimSpace(line[3:])
			lines = nil
			continue
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	flush()
	return items
}

func textbookItem(concept string, lines []string) ContentItem {
	return ContentItem{
		ConceptName:        concept,
		Topic:              InferTopic(concept),
		Subtopic:           concept,
		GradeLevel:         InferGradeLevel(concept),
		Difficulty:         InferDifficulty(concept),
		ContentType:        ContentConcept,
		Content:            strings.Join(lines, ""),
		Metadata:           map[string]string{"source": "textbook"},
		LearningObjectives: extractObjectives(lines),
	}
}

type catalog struct {
	Subjects []struct {
		Title string `json:"title" yaml:"title"`
		Units []struct {
			Title   string          `json:"title" yaml:"title"`
			Lessons []catalogLesson `json:"lessons" yaml:"lessons"`
		} `json:"units" yaml:"units"`
	} `json:"subjects" yaml:"subjects"`
}

type catalogLesson struct {
	Title              string   `json:"title" yaml:"title"`
	GradeLevel         string   `json:"grade_level" yaml:"grade_level"`
	Difficulty         string   `json:"difficulty" yaml:"difficulty"`
	Description        string   `json:"description" yaml:"description"`
	KeyPoints          []string `json:"key_points" yaml:"key_points"`
	LearningObjectives []string `json:"learning_objectives" yaml:"learning_objectives"`
	VideoID            string   `json:"video_id" yaml:"video_id"`
	Duration           any      `json:"duration" yaml:"duration"`
	Examples           []struct {
		Title   string `json:"title" yaml:"title"`
		Content string `json:"content" yaml:"content"`
	} `json:"examples" yaml:"examples"`
	PracticeProblems []struct {
		Question string `json:"question" yaml:"question"`
		Solution string `json:"solution" yaml:"solution"`
	} `json:"practice_problems" yaml:"practice_problems"`
}

// LoadCatalog reads a course catalog shaped subjects[].units[].lessons[].
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadCatalog(path string) ([]ContentItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	var c catalog
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &c)
	default:
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	var items []ContentItem
	for _, subject := range c.Subjects {
		for _, unit := range subject.Units {
			for _, lesson := range unit.Lessons {
				md := map[string]string{"source": "catalog", "video_id": lesson.VideoID}
				if lesson.Duration != nil {
					md["duration"] = fmt.Sprint(lesson.Duration)
				}
				items = append(items, ContentItem{
					ConceptName:        or(lesson.Title, "Untitled"),
					Topic:              or(subject.Title, "Mathematics"),
					Subtopic:           unit.Title,
					GradeLevel:         or(lesson.GradeLevel, "high_school"),
					Difficulty:         or(lesson.Difficulty, DifficultyIntermediate),
					ContentType:        ContentConcept,
					Content:            formatLesson(lesson),
					Metadata:           md,
					LearningObjectives: lesson.LearningObjectives,
				})
			}
		}
	}
	return items, nil
}

func formatLesson(l catalogLesson) string {
	var parts []string
	if l.Description != "" {
		parts = append(parts, "## Description\n"+l.Description+"\n")
	}
	if len(l.KeyPoints) > 0 {
		parts = append(parts, "## Key Points")
		for _, p := range l.KeyPoints {
			parts = append(parts, "- "+p)
		}
	}
	if len(l.Examples) > 0 {
		parts = append(parts, "\n## Examples")
		for _, ex := range l.Examples {
			parts = append(parts, "### "+or(ex.Title, "Example"), ex.Content)
		}
	}
	if len(l.PracticeProblems) > 0 {
		parts = append(parts, "\n## Practice Problems")
		for _, p := range l.PracticeProblems {
			parts = append(parts, "**Problem:** "+p.Question, "**Solution:** "+p.Solution+"\n")
		}
	}
	return strings.Join(parts, "\n")
}

// LoadTabular reads a spreadsheet export (.csv or .xlsx) with a header row.
// Recognised columns: concept_name, chapter, section, grade_level,
// difficulty, content_type, content, isbn, page, prerequisites and
// learning_objectives. The last two hold JSON string arrays.
func LoadTabular(path string) ([]ContentItem, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err = readCSV(path)
	case ".xlsx":
		rows, err = readXLSX(path)
	default:
		return nil, fmt.Errorf("unsupported tabular file %s", path)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var items []ContentItem
	for _, row := range rows[1:] {
		if len(row) == 0 {
			continue
		}
		items = append(items, ContentItem{
			ConceptName: or(get(row, "concept_name"), "Unknown"),
			Topic:       or(get(row, "chapter"), "Mathematics"),
			Subtopic:    get(row, "section"),
			GradeLevel:  or(get(row, "grade_level"), "high_school"),
			Difficulty:  or(get(row, "difficulty"), DifficultyIntermediate),
			ContentType: or(get(row, "content_type"), ContentConcept),
			Content:     get(row, "content"),
			Metadata: map[string]string{
				"source": "tabular",
				"isbn":   get(row, "isbn"),
				"page":   get(row, "page"),
			},
			Prerequisites:      parseList(get(row, "prerequisites")),
			LearningObjectives: parseList(get(row, "learning_objectives")),
		})
	}
	return items, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		rows = append(rows, rec)
	}
}

// readXLSX returns the rows of the workbook's first sheet.
func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

// parseList decodes a JSON string array. Anything else yields nil.
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

var practiceTopics = []struct {
	topic     string
	subtopics []string
}{
	{"Algebra", []string{
		"Linear Equations", "Quadratic Equations", "Polynomials",
		"Rational Expressions", "Exponents and Logarithms",
		"Systems of Equations", "Inequalities", "Functions",
	}},
	{"Geometry", []string{
		"Lines and Angles", "Triangles", "Circles", "Quadrilaterals",
		"Polygons", "Coordinate Geometry", "Transformations", "Solid Geometry",
	}},
	{"Trigonometry", []string{
		"Right Triangle Trig", "Unit Circle", "Trig Identities",
		"Graphing Trig Functions", "Trig Equations",
		"Law of Sines and Cosines", "Polar Coordinates",
	}},
	{"Pre-Calculus", []string{
		"Complex Numbers", "Matrices", "Conic Sections",
		"Sequences and Series", "Limits", "Vectors",
	}},
	{"Calculus", []string{
		"Derivatives", "Integrals", "Applications of Derivatives",
		"Applications of Integrals", "Differential Equations",
	}},
	{"Statistics", []string{
		"Data Analysis", "Probability", "Distributions",
		"Hypothesis Testing", "Regression",
	}},
}

var practiceProblems = map[string][]string{
	DifficultyBeginner: {
		"Find the value of x in the equation: 2x + 5 = 15",
		"Calculate the area of a rectangle with length 8 and width 5",
		"Simplify the expression: 3(x + 2) - 2x",
		"What is the slope of the line passing through points (1,2) and (3,6)?",
		"Solve for y: y/3 = 9",
	},
	DifficultyIntermediate: {
		"Solve the quadratic equation: x² - 5x + 6 = 0",
		"Find the derivative of f(x) = 3x² + 2x - 5",
		"Calculate the probability of getting at least 3 heads in 5 coin tosses",
		"Find the equation of the line tangent to y = x² at x = 2",
		"Solve the system: 2x + y = 7, x - y = 3",
	},
	DifficultyAdvanced: {
		"Prove that the sum of angles in a triangle is 180 degrees",
		"Find the limit as x approaches infinity of (3x² + 2x)/(2x² - x)",
		"Solve the differential equation: dy/dx = 2xy, with y(0) = 1",
		"Calculate the volume of revolution formed by rotating y = x² around x-axis from x=0 to x=2",
		"Find the eigenvalues of the matrix [[2, 1], [1, 2]]",
	},
}

// GeneratePractice builds one practice set per subtopic and difficulty.
func GeneratePractice() []ContentItem {
	var items []ContentItem
	for _, t := range practiceTopics {
		for _, sub := range t.subtopics {
			for _, diff := range []string{DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced} {
				problems := practiceProblems[diff]
				var b strings.Builder
				fmt.Fprintf(&b, "## Practice Problems: %s (%s Level)\n\n", sub, titleCase(diff))
				for i, p := range problems {
					fmt.Fprintf(&b, "**Problem %d:** %s\n", i+1, p)
					b.WriteString("**Solution:** [Solution will be generated when requested]\n\n")
				}
				items = append(items, ContentItem{
					ConceptName: fmt.Sprintf("%s - %s Practice", sub, titleCase(diff)),
					Topic:       t.topic,
					Subtopic:    sub,
					GradeLevel:  "9th-12th",
					Difficulty:  diff,
					ContentType: ContentPractice,
					Content:     b.String(),
					Metadata: map[string]string{
						"source":        "generated",
						"problem_count": fmt.Sprint(len(problems)),
					},
				})
			}
		}
	}
	return items
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
