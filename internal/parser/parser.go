package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
)

// Typical fail2ban lines:
//
//	2024-05-01 10:15:30,123 fail2ban.actions [1234]: NOTICE  [sshd] Ban 192.168.0.101
//	2024-05-01 10:25:30,123 fail2ban.actions [1234]: NOTICE  [sshd] Unban 192.168.0.101
//	2024-05-01 10:14:02,456 fail2ban.filter  [1234]: INFO    [sshd] Found 192.168.0.101 - 2024-05-01 10:14:02
var (
	timestampRegex = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})(?:[,.](\d{1,6}))?`)
	banRegex       = regexp.MustCompile(`(?:\[([^\]\s]+)\]\s+)?\bBan\s+(\S+)`)
	unbanRegex     = regexp.MustCompile(`(?:\[([^\]\s]+)\]\s+)?\bUnban\s+(\S+)`)
	foundRegex     = regexp.MustCompile(`(?:\[([^\]\s]+)\]\s+)?\bFound\b(?:\s+(\S+))?`)
)

const timestampLayout = "2006-01-02 15:04:05"

// Parser converts fail2ban log lines into events
type Parser struct {
	loc *time.Location
}

// New creates a parser interpreting log timestamps in loc (time.Local if nil)
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{loc: loc}
}

// Parse returns the events found in lines, in input order.
// Lines that are not ban/unban/found lines or lack a timestamp are skipped.
func (p *Parser) Parse(lines []string) []domain.Event {
	events := make([]domain.Event, 0, len(lines))
	for _, line := range lines {
		event, err := p.ParseLine(line)
		if err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// ParseLine parses a single line
func (p *Parser) ParseLine(line string) (domain.Event, error) {
	ts, err := p.parseTimestamp(line)
	if err != nil {
		return domain.Event{}, err
	}

	// Ban is checked before Unban before Found
	if m := banRegex.FindStringSubmatch(line); m != nil {
		return domain.Event{Kind: domain.KindBan, Jail: m[1], Subject: m[2], OccurredAt: ts}, nil
	}
	if m := unbanRegex.FindStringSubmatch(line); m != nil {
		return domain.Event{Kind: domain.KindUnban, Jail: m[1], Subject: m[2], OccurredAt: ts}, nil
	}
	if m := foundRegex.FindStringSubmatch(line); m != nil {
		return domain.Event{Kind: domain.KindFound, Jail: m[1], Subject: strings.TrimSpace(m[2]), OccurredAt: ts}, nil
	}

	return domain.Event{}, fmt.Errorf("no ban, unban or found marker")
}

// parseTimestamp extracts the leading timestamp, e.g. "2024-05-01 10:15:30,123"
func (p *Parser) parseTimestamp(line string) (time.Time, error) {
	m := timestampRegex.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, fmt.Errorf("no leading timestamp")
	}

	ts, err := time.ParseInLocation(timestampLayout, m[1], p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	if m[2] != "" {
		// Fractional part: ",123" is milliseconds, right-pad to nanoseconds
		frac := m[2] + strings.Repeat("0", 9-len(m[2]))
		if nanos, err := strconv.Atoi(frac); err == nil {
			ts = ts.Add(time.Duration(nanos))
		}
	}

	return ts, nil
}
