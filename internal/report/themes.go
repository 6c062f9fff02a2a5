// Package report parses chairman synthesis output into the structured
// assessment form: the closed section set, the 21 Belgian impact themes
// with impact tags, and source citations resolved against the synthesized
// context.
package report

// Impact is the closed impact tag set.
type Impact string

const (
	ImpactPositive Impact = "positive"
	ImpactNegative Impact = "negative"
	ImpactNone     Impact = "none"
	ImpactUnknown  Impact = "unknown" // theme missing in synthesis
)

// ThemeCount is the fixed number of Belgian impact themes.
const ThemeCount = 21

// ThemeTitles lists the 21 Belgian impact themes in canonical order.
// Index i holds theme i+1.
var ThemeTitles = [ThemeCount]string{
	"Fight against poverty",
	"Equal opportunities and social cohesion",
	"Equality between women and men",
	"Health",
	"Employment",
	"Consumption and production patterns",
	"Economic development",
	"Investments",
	"Research and development",
	"SMEs",
	"Administrative burden",
	"Energy",
	"Mobility and transport",
	"Food",
	"Climate change",
	"Natural resources",
	"Outdoor air, water and soil",
	"Biodiversity",
	"Noise and other nuisances",
	"Public authorities",
	"Policy coherence for development",
}

// SectionTitles is the closed set of top-level section headings the
// extractor recognizes, in expected document order.
var SectionTitles = []string{
	"Background and Problem Definition",
	"Executive Summary",
	"Proposal Overview",
	"21 Belgian Impact Themes Assessment",
	"Overall Assessment Summary",
}

// ThemeAssessment is one theme's parsed assessment.
type ThemeAssessment struct {
	Number      int      `json:"number"` // 1..21
	Title       string   `json:"title"`
	Impact      Impact   `json:"impact"`
	Explanation string   `json:"explanation"`
	Citations   []string `json:"citations"`
}

// QualityMetrics summarize extraction completeness.
type QualityMetrics struct {
	ThemesFound    int  `json:"themes_found"`
	ThemesMissing  int  `json:"themes_missing"`
	CitationCount  int  `json:"citation_count"`
	SectionsFound  int  `json:"sections_found"`
	AllThemesKnown bool `json:"all_themes_known"`
}

// Report is the structured parse of a chairman synthesis.
type Report struct {
	Sections  map[string]string `json:"sections"`
	Themes    []ThemeAssessment `json:"themes"` // always length 21, ordered
	Citations []string          `json:"citations"`
	Warnings  []string          `json:"warnings"`
	Metrics   QualityMetrics    `json:"metrics"`
}
