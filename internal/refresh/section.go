package refresh

import (
	"errors"
	"fmt"
	"strings"
)

// Section identifies one logical content block shared by editors and display components.
type Section string

const (
	SectionHero     Section = "hero"
	SectionMission  Section = "mission"
	SectionNews     Section = "news"
	SectionStories  Section = "stories"
	SectionVideos   Section = "videos"
	SectionMetrics  Section = "metrics"
	SectionDonation Section = "donation"
	SectionFooter   Section = "footer"
)

// ErrUnknownSection is returned by ParseSection for keys outside the known set.
var ErrUnknownSection = errors.New("refresh.unknown_section")

var knownSections = []Section{
	SectionHero,
	SectionMission,
	SectionNews,
	SectionStories,
	SectionVideos,
	SectionMetrics,
	SectionDonation,
	SectionFooter,
}

// Sections lists every known section in display order.
func Sections() []Section {
	cloned := make([]Section, len(knownSections))
	copy(cloned, knownSections)
	return cloned
}

// Valid reports whether the section belongs to the known set.
func (section Section) Valid() bool {
	for _, known := range knownSections {
		if section == known {
			return true
		}
	}
	return false
}

// ParseSection converts an external key into a Section.
func ParseSection(raw string) (Section, error) {
	candidate := Section(strings.ToLower(strings.TrimSpace(raw)))
	if !candidate.Valid() {
		return "", fmt.Errorf("refresh.parse_section %q: %w", raw, ErrUnknownSection)
	}
	return candidate, nil
}
