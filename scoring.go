package pipeline

// Quality rubric sub-score caps. Each signal is capped so no single one
// dominates, and the total never exceeds 100.
const (
	maxStructureScore = 30
	maxEntityScore    = 25
	maxDensityScore   = 25
	maxLengthScore    = 20
	maxQualityScore   = 100
)

// ScoreContent rates screenplay-shaped text on a fixed 0-100 rubric:
// scene-heading presence, distinct character count, dialogue density, and a
// bounded length bonus. The function is pure, so the same text always yields
// the same score and merges stay reproducible.
func ScoreContent(text string) int {
	if text == "" {
		return 0
	}

	structure := len(ExtractSceneHeadings(text)) * 10
	if structure > maxStructureScore {
		structure = maxStructureScore
	}

	entities := len(ExtractCharacters(text)) * 5
	if entities > maxEntityScore {
		entities = maxEntityScore
	}

	density := len(ExtractDialogueBlocks(text)) * 5
	if density > maxDensityScore {
		density = maxDensityScore
	}

	length := len(text) / 200
	if length > maxLengthScore {
		length = maxLengthScore
	}

	total := structure + entities + density + length
	if total > maxQualityScore {
		total = maxQualityScore
	}
	return total
}
