// Package episode guesses show/season/episode from media file names and picks
// the files to fetch after the one being played.
package episode

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"peershare/pkg/types"
)

// Match is the parsed identity of an episode file name.
type Match struct {
	Show    string // normalized, lower case
	ShowKey string // Show with non-alphanumerics removed
	Season  int
	Episode int
}

// Tried in order; the first hit wins.
var seasonEpisode = []*regexp.Regexp{
	regexp.MustCompile(`(?i)s(\d{1,2})e(\d{1,3})`),                                   // S01E01
	regexp.MustCompile(`\b(\d{1,2})x(\d{2,3})\b`),                                    // 1x01
	regexp.MustCompile(`(?i)season[\s._-]*(\d{1,2})[\s._-]*episode[\s._-]*(\d{1,3})`), // Season 1 Episode 1
	regexp.MustCompile(`(?i)s(\d{1,2})[.\s_-]e(\d{1,3})`),                            // S01.E01
}

// Episode number only; season is assumed to be 1.
var episodeOnly = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:^|[^a-z])episode[\s._-]*(\d{1,3})`),
	regexp.MustCompile(`(?i)(?:^|[^a-z])part[\s._-]*(\d{1,3})`),
	regexp.MustCompile(`\s-\s(\d{1,3})(?:[\s.\[(]|$)`),
}

var (
	separators = regexp.MustCompile(`[._-]+`)
	yearTag    = regexp.MustCompile(`[(\[]\d{4}[)\]]`)
	spaces     = regexp.MustCompile(`\s+`)
)

// Parse extracts show, season and episode from a file name.
func Parse(filename string) (Match, bool) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))

	for _, re := range seasonEpisode {
		loc := re.FindStringSubmatchIndex(base)
		if loc == nil {
			continue
		}
		season, _ := strconv.Atoi(base[loc[2]:loc[3]])
		ep, _ := strconv.Atoi(base[loc[4]:loc[5]])
		return newMatch(base[:loc[0]], season, ep), true
	}
	for _, re := range episodeOnly {
		loc := re.FindStringSubmatchIndex(base)
		if loc == nil {
			continue
		}
		ep, _ := strconv.Atoi(base[loc[2]:loc[3]])
		return newMatch(base[:loc[0]], 1, ep), true
	}
	return Match{}, false
}

func newMatch(prefix string, season, ep int) Match {
	show := NormalizeShow(prefix)
	return Match{Show: show, ShowKey: ShowKey(show), Season: season, Episode: ep}
}

// NormalizeShow turns "The.Office_(2005) -" into "the office".
func NormalizeShow(s string) string {
	s = yearTag.ReplaceAllString(s, " ")
	s = separators.ReplaceAllString(s, " ")
	s = spaces.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

func ShowKey(show string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(show) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameShow reports whether both names parse and share a show key.
func SameShow(a, b string) bool {
	ma, okA := Parse(a)
	mb, okB := Parse(b)
	return okA && okB && ma.ShowKey == mb.ShowKey
}

type candidate struct {
	entry types.MediaEntry
	match Match
}

// NextEpisodes returns up to n files of the same show that come after current:
// a later episode in the same season or any episode of a later season, in
// (season, episode) order.
func NextEpisodes(current types.MediaEntry, siblings []types.MediaEntry, n int) []types.MediaEntry {
	cur, ok := Parse(current.Name)
	if !ok || n <= 0 {
		return nil
	}
	var cands []candidate
	for _, e := range siblings {
		if e.IsFolder() || e.ID == current.ID {
			continue
		}
		m, ok := Parse(e.Name)
		if !ok || m.ShowKey != cur.ShowKey {
			continue
		}
		if (m.Season == cur.Season && m.Episode > cur.Episode) || m.Season > cur.Season {
			cands = append(cands, candidate{e, m})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].match.Season != cands[j].match.Season {
			return cands[i].match.Season < cands[j].match.Season
		}
		return cands[i].match.Episode < cands[j].match.Episode
	})
	if len(cands) > n {
		cands = cands[:n]
	}
	out := make([]types.MediaEntry, len(cands))
	for i, c := range cands {
		out[i] = c.entry
	}
	return out
}

// NextAlphabetical returns up to n files whose names sort strictly after
// current, case-insensitively.
func NextAlphabetical(current types.MediaEntry, siblings []types.MediaEntry, n int) []types.MediaEntry {
	if n <= 0 {
		return nil
	}
	curName := strings.ToLower(current.Name)
	var after []types.MediaEntry
	for _, e := range siblings {
		if e.IsFolder() || e.ID == current.ID {
			continue
		}
		if strings.ToLower(e.Name) > curName {
			after = append(after, e)
		}
	}
	sort.SliceStable(after, func(i, j int) bool {
		return strings.ToLower(after[i].Name) < strings.ToLower(after[j].Name)
	})
	if len(after) > n {
		after = after[:n]
	}
	return after
}

// Select picks current plus up to n follow-ups. Pattern matches are used
// when there is at least one; a single match is topped up from the
// alphabetical order. The returned method is the one that contributed most
// of the follow-ups, pattern on a tie.
func Select(current types.MediaEntry, siblings []types.MediaEntry, n int) ([]types.MediaEntry, types.DetectionMethod) {
	selected := []types.MediaEntry{current}
	seen := map[string]bool{current.ID: true}

	byPattern := NextEpisodes(current, siblings, n)
	for _, e := range byPattern {
		selected = append(selected, e)
		seen[e.ID] = true
	}
	if len(byPattern) == 0 {
		for _, e := range NextAlphabetical(current, siblings, n) {
			selected = append(selected, e)
		}
		return selected, types.DetectFallback
	}

	fallback := 0
	if len(byPattern) == 1 {
		for _, e := range NextAlphabetical(current, siblings, len(siblings)) {
			if len(selected)-1 >= n {
				break
			}
			if seen[e.ID] {
				continue
			}
			selected = append(selected, e)
			seen[e.ID] = true
			fallback++
		}
	}
	if fallback > len(byPattern) {
		return selected, types.DetectFallback
	}
	return selected, types.DetectPattern
}
