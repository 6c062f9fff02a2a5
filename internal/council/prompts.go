package council

import (
	"fmt"
	"sort"
	"strings"
)

const firstOpinionSystem = "You are a regulatory impact analyst. Ground every claim in the provided context; cite chunk ids in square brackets. Do not invent sources."

// buildFirstOpinionPrompt produces the shared stage-1 prompt.
func buildFirstOpinionPrompt(proposal, contextText string) string {
	var b strings.Builder
	b.WriteString("Draft a regulatory impact assessment for the proposal below.\n\n")
	b.WriteString("## Proposal\n\n")
	b.WriteString(proposal)
	b.WriteString("\n\n## Historical context\n\n")
	b.WriteString(contextText)
	b.WriteString("\n\nAssess expected impacts across legal, economic, technological, social, environmental, and administrative dimensions. Cite context chunk ids in square brackets for every factual claim.")
	return b.String()
}

const rankingSystem = "You are ranking anonymized peer assessments. Return only the ranking line, nothing else."

// buildRankingPrompt produces the stage-2 evaluation prompt for one
// bootstrap iteration: the proposal, the criterion, and the responses in
// permuted order under fresh labels.
func buildRankingPrompt(proposal string, criterion Criterion, presented []Opinion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rank the following %d anonymized assessments of a regulatory proposal.\n\n", len(presented))
	fmt.Fprintf(&b, "Criterion: %s — %s\n\n", criterion.Name, criterion.Focus)
	b.WriteString("## Proposal\n\n")
	b.WriteString(proposal)
	b.WriteString("\n\n")
	for _, op := range presented {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", op.Label, op.Text)
	}
	fmt.Fprintf(&b, "Return a strict ordered ranking of all %d responses from best to worst on the stated criterion, formatted exactly as: RANKING: ", len(presented))
	labels := make([]string, len(presented))
	for i, op := range presented {
		labels[i] = op.Label
	}
	b.WriteString(strings.Join(labels, " > "))
	b.WriteString(" (with your own order). Output nothing else.")
	return b.String()
}

const chairmanSystem = "You are the chairman of a regulatory assessment council. Synthesize the council's work into the final structured assessment. Keep every citation traceable to the provided context."

// buildChairmanPrompt produces the single stage-3 synthesis prompt.
func buildChairmanPrompt(proposal, contextText string, run *Run, feedback string) string {
	var b strings.Builder
	b.WriteString("Produce the final regulatory impact assessment for the proposal below.\n\n")
	b.WriteString("## Proposal\n\n")
	b.WriteString(proposal)
	b.WriteString("\n\n## Historical context\n\n")
	b.WriteString(contextText)
	b.WriteString("\n\n## Council first opinions\n\n")
	for _, op := range run.Opinions {
		fmt.Fprintf(&b, "### %s (%s)\n\n%s\n\n", op.Label, op.ModelID, op.Text)
	}

	if len(run.Stage2Aggregated) > 0 {
		b.WriteString("## Peer ranking consensus\n\n")
		fmt.Fprintf(&b, "Bootstrap: %d iterations, criteria %s, aggregation %s.\n\n",
			run.Bootstrap.Iterations, strings.Join(run.Bootstrap.Criteria, ", "), run.Bootstrap.Aggregation)
		for _, ev := range sortedKeys(run.Stage2Aggregated) {
			fmt.Fprintf(&b, "- Evaluator %s: %s\n", ev, strings.Join(run.Stage2Aggregated[ev], " > "))
		}
		b.WriteString("\n")
	}

	if feedback != "" {
		b.WriteString("## Reviewer feedback on the previous synthesis\n\n")
		b.WriteString(feedback)
		b.WriteString("\n\nAddress this feedback explicitly in the revised assessment.\n\n")
	}

	b.WriteString(`## Required structure

Produce these sections, with these exact headings:

Background and Problem Definition
Executive Summary
Proposal Overview
21 Belgian Impact Themes Assessment
Overall Assessment Summary

In the themes section, assess each of the 21 Belgian impact themes as a
numbered subsection "[N] <theme title>" for N in 1..21. Open each with one
of "Positive impact", "Negative impact", or "No impact", followed by an
explanation and source citations referencing context chunk ids in square
brackets.`)
	return b.String()
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
