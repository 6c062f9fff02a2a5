package report

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"riacouncil/internal/logging"
)

// missingExplanation is recorded for themes the synthesis omitted.
const missingExplanation = "missing in synthesis"

var (
	// themeMarker matches "[N]" subsection markers inside the themes
	// section, capturing N.
	themeMarker = regexp.MustCompile(`(?m)^\s*\[(\d{1,2})\]`)

	// bracketRef matches bracketed citation tokens: chunk ids or document
	// names emitted during context synthesis.
	bracketRef = regexp.MustCompile(`\[([A-Za-z0-9][A-Za-z0-9._/-]*)\]`)
)

// sectionHeading builds the regex for one closed-set section title:
// the title on its own line, optionally decorated with markdown heading
// or emphasis characters.
func sectionHeading(title string) *regexp.Regexp {
	return regexp.MustCompile(`(?mi)^\s*(?:#+\s*|\*{0,2})` + regexp.QuoteMeta(title) + `\*{0,2}\s*:?\s*$`)
}

var sectionPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(SectionTitles))
	for _, t := range SectionTitles {
		m[t] = sectionHeading(t)
	}
	return m
}()

// Extract parses chairman output into the structured report. knownSources
// maps the chunk ids and document names emitted during context synthesis;
// bracketed references outside that set are not counted as citations.
// Missing input never causes a crash: absent sections come back empty and
// absent themes are filled with impact=unknown.
func Extract(text string, knownSources map[string]bool) *Report {
	timer := logging.StartTimer(logging.CategoryReport, "Extract")
	defer timer.Stop()

	r := &Report{
		Sections: make(map[string]string, len(SectionTitles)),
	}

	// Locate every recognized heading, then slice the text between
	// consecutive headings.
	type headingPos struct {
		title      string
		start, end int
	}
	var found []headingPos
	for _, title := range SectionTitles {
		loc := sectionPatterns[title].FindStringIndex(text)
		if loc == nil {
			r.Warnings = append(r.Warnings, fmt.Sprintf("section %q not found", title))
			continue
		}
		found = append(found, headingPos{title: title, start: loc[0], end: loc[1]})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })

	for i, h := range found {
		end := len(text)
		if i+1 < len(found) {
			end = found[i+1].start
		}
		r.Sections[h.title] = strings.TrimSpace(text[h.end:end])
	}
	r.Metrics.SectionsFound = len(found)

	themesBody, ok := r.Sections["21 Belgian Impact Themes Assessment"]
	if !ok {
		// Fall back to scanning the whole text for theme markers so a
		// mis-headed synthesis still yields theme data.
		themesBody = text
	}
	r.Themes = extractThemes(themesBody, knownSources, r)

	// Report-level citations: union of theme citations plus any bracketed
	// references in the remaining sections.
	cited := make(map[string]bool)
	for _, th := range r.Themes {
		for _, c := range th.Citations {
			cited[c] = true
		}
	}
	for title, body := range r.Sections {
		if title == "21 Belgian Impact Themes Assessment" {
			continue
		}
		for _, c := range extractCitations(body, knownSources) {
			cited[c] = true
		}
	}
	r.Citations = make([]string, 0, len(cited))
	for c := range cited {
		r.Citations = append(r.Citations, c)
	}
	sort.Strings(r.Citations)

	r.Metrics.CitationCount = len(r.Citations)
	r.Metrics.AllThemesKnown = r.Metrics.ThemesMissing == 0

	logging.Report("Extracted %d sections, %d/%d themes, %d citations",
		len(found), r.Metrics.ThemesFound, ThemeCount, len(r.Citations))
	return r
}

// extractThemes splits the themes section on [N] markers and parses each
// subsection. The result is always length 21 in theme order.
func extractThemes(body string, knownSources map[string]bool, r *Report) []ThemeAssessment {
	themes := make([]ThemeAssessment, ThemeCount)
	for i := range themes {
		themes[i] = ThemeAssessment{
			Number:      i + 1,
			Title:       ThemeTitles[i],
			Impact:      ImpactUnknown,
			Explanation: missingExplanation,
		}
	}

	markers := themeMarker.FindAllStringSubmatchIndex(body, -1)
	for i, m := range markers {
		numStr := body[m[2]:m[3]]
		n, err := strconv.Atoi(numStr)
		if err != nil || n < 1 || n > ThemeCount {
			r.Warnings = append(r.Warnings, fmt.Sprintf("theme marker [%s] out of range", numStr))
			continue
		}
		end := len(body)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		sub := strings.TrimSpace(body[m[1]:end])

		th := &themes[n-1]
		if th.Impact != ImpactUnknown {
			// Duplicate marker; first occurrence wins.
			r.Warnings = append(r.Warnings, fmt.Sprintf("duplicate theme marker [%d]", n))
			continue
		}
		th.Impact = detectImpact(sub)
		th.Explanation = stripTitleLine(sub, ThemeTitles[n-1])
		th.Citations = extractCitations(sub, knownSources)
		r.Metrics.ThemesFound++
	}

	r.Metrics.ThemesMissing = ThemeCount - r.Metrics.ThemesFound
	return themes
}

// detectImpact matches normalized impact phrases near the start of a theme
// subsection. Unrecognized openings degrade to none.
func detectImpact(sub string) Impact {
	head := strings.ToLower(sub)
	if len(head) > 200 {
		head = head[:200]
	}
	switch {
	case strings.Contains(head, "positive impact"):
		return ImpactPositive
	case strings.Contains(head, "negative impact"):
		return ImpactNegative
	case strings.Contains(head, "no impact"):
		return ImpactNone
	}
	return ImpactNone
}

// stripTitleLine drops a leading theme-title line so the explanation
// starts with substance.
func stripTitleLine(sub, title string) string {
	lines := strings.SplitN(sub, "\n", 2)
	first := strings.TrimSpace(strings.Trim(lines[0], "*#: "))
	if strings.EqualFold(first, title) && len(lines) == 2 {
		return strings.TrimSpace(lines[1])
	}
	return sub
}

// extractCitations scans bracketed references and keeps the ones that
// resolve to known chunk ids or document names. With no known set, every
// bracketed non-numeric token counts.
func extractCitations(text string, knownSources map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range bracketRef.FindAllStringSubmatch(text, -1) {
		ref := m[1]
		if _, err := strconv.Atoi(ref); err == nil {
			// Pure numbers are theme markers, not citations.
			continue
		}
		if knownSources != nil && !knownSources[ref] {
			continue
		}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}
