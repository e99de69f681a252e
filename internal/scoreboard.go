package internal

import (
	"cmp"
	"slices"

	"github.com/dustin/go-humanize"
)

const (
	scoreboardTitle = "Scoreboard"
	scoreboardIcon  = "trophy"
)

// emptyScoreboard 尚未完成任何回合時的佔位區塊
func emptyScoreboard() []ScoreboardSection {
	return []ScoreboardSection{{
		Title:   scoreboardTitle,
		Icon:    scoreboardIcon,
		Entries: []ScoreEntry{},
	}}
}

// buildScoreboard 依分數由高到低排序，同分保留回報順序
func buildScoreboard(results []ResultEntry) []ScoreboardSection {
	sorted := slices.Clone(results)
	slices.SortStableFunc(sorted, func(a, b ResultEntry) int {
		return cmp.Compare(b.Result.Score, a.Result.Score)
	})

	entries := make([]ScoreEntry, 0, len(sorted))
	for _, r := range sorted {
		entries = append(entries, ScoreEntry{
			UserID: r.UserID,
			Value:  formatScore(r.Result.Score),
		})
	}

	return []ScoreboardSection{{
		Title:   scoreboardTitle,
		Icon:    scoreboardIcon,
		Entries: entries,
	}}
}

// formatScore 千分位格式（1234567 → "1,234,567"）
func formatScore(score int64) string {
	return humanize.Comma(score)
}
