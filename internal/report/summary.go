package report

import (
	"sort"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
)

// SubjectCount is a subject with its number of occurrences
type SubjectCount struct {
	Subject string
	Country string
	Count   int
}

// JailCount holds per-jail totals
type JailCount struct {
	Jail   string
	Bans   int
	Unbans int
	Found  int
}

// Summary is the aggregated content of one report window
type Summary struct {
	Window domain.ReportWindow

	Banned   []SubjectCount // unique, sorted by subject
	Unbanned []SubjectCount // unique, sorted by subject
	TopFound []SubjectCount // most frequent failed-attempt subjects

	BanEvents      int
	UnbanEvents    int
	FailedAttempts int
	Jails          []JailCount
}

// Summarize aggregates events. topN <= 0 disables the top list.
func Summarize(window domain.ReportWindow, events []domain.Event, topN int) Summary {
	s := Summary{Window: window}

	banned := make(map[string]int)
	unbanned := make(map[string]int)
	found := make(map[string]int)
	jails := make(map[string]*JailCount)

	for _, e := range events {
		jc, ok := jails[e.Jail]
		if !ok {
			jc = &JailCount{Jail: e.Jail}
			jails[e.Jail] = jc
		}

		switch e.Kind {
		case domain.KindBan:
			s.BanEvents++
			jc.Bans++
			banned[e.Subject]++
		case domain.KindUnban:
			s.UnbanEvents++
			jc.Unbans++
			unbanned[e.Subject]++
		case domain.KindFound:
			s.FailedAttempts++
			jc.Found++
			if e.Subject != "" {
				found[e.Subject]++
			}
		}
	}

	s.Banned = sortedBySubject(banned)
	s.Unbanned = sortedBySubject(unbanned)
	s.TopFound = topByCount(found, topN)

	for _, jc := range jails {
		if jc.Jail == "" {
			jc.Jail = "-"
		}
		s.Jails = append(s.Jails, *jc)
	}
	sort.Slice(s.Jails, func(i, j int) bool {
		return s.Jails[i].Jail < s.Jails[j].Jail
	})

	return s
}

func sortedBySubject(counts map[string]int) []SubjectCount {
	out := make([]SubjectCount, 0, len(counts))
	for subject, n := range counts {
		out = append(out, SubjectCount{Subject: subject, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Subject < out[j].Subject
	})
	return out
}

// topByCount orders by count descending, ties by subject
func topByCount(counts map[string]int, n int) []SubjectCount {
	if n <= 0 {
		return nil
	}
	out := make([]SubjectCount, 0, len(counts))
	for subject, c := range counts {
		out = append(out, SubjectCount{Subject: subject, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Subject < out[j].Subject
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
