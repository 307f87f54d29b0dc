package pipeline

import (
	"regexp"
	"strings"
)

// Structural analysis of screenplay-shaped text. These are pure functions:
// the merge strategies and the quality rubric are built on top of them, so
// identical input must always produce identical output.

var (
	sceneHeadingRe = regexp.MustCompile(`^(INT\.|EXT\.|I/E\.|EST\.)`)
	characterCueRe = regexp.MustCompile(`^[A-Z][A-Z0-9_ ]*$`)
)

// SplitBlocks splits text into non-empty blocks separated by blank lines.
func SplitBlocks(text string) []string {
	raw := strings.Split(text, "\n\n")
	blocks := make([]string, 0, len(raw))
	for _, block := range raw {
		block = strings.TrimSpace(block)
		if block != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// IsSceneHeading reports whether a line is a scene heading (INT./EXT./I/E./EST.).
func IsSceneHeading(line string) bool {
	return sceneHeadingRe.MatchString(strings.TrimSpace(line))
}

// ExtractSceneHeadings returns every scene heading line in order of appearance.
func ExtractSceneHeadings(text string) []string {
	var headings []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if IsSceneHeading(line) {
			headings = append(headings, line)
		}
	}
	return headings
}

// IsDialogueBlock reports whether a block is a character cue followed by
// speech: an all-caps first line that is not a scene heading, with at least
// one more line after it.
func IsDialogueBlock(block string) bool {
	lines := strings.Split(strings.TrimSpace(block), "\n")
	if len(lines) < 2 {
		return false
	}
	cue := strings.TrimSpace(lines[0])
	return characterCueRe.MatchString(cue) && !IsSceneHeading(cue)
}

// ExtractDialogueBlocks returns every dialogue block in order of appearance.
func ExtractDialogueBlocks(text string) []string {
	var blocks []string
	for _, block := range SplitBlocks(text) {
		if IsDialogueBlock(block) {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// ExtractCharacters returns the distinct character names in order of first
// appearance: all-caps lines that are not scene headings.
func ExtractCharacters(text string) []string {
	seen := make(map[string]bool)
	var characters []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || IsSceneHeading(line) {
			continue
		}
		if characterCueRe.MatchString(line) && !seen[line] {
			seen[line] = true
			characters = append(characters, line)
		}
	}
	return characters
}

// ValidateStructure checks that text contains at least one scene heading and
// at least one content block that is not a heading.
func ValidateStructure(text string) bool {
	if len(ExtractSceneHeadings(text)) == 0 {
		return false
	}
	for _, block := range SplitBlocks(text) {
		if !IsSceneHeading(block) {
			return true
		}
	}
	return false
}
