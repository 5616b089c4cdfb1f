package parser

import (
	"testing"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/domain"
)

func TestParseLine(t *testing.T) {
	p := New(time.UTC)

	tests := []struct {
		name    string
		line    string
		wantErr bool
		want    domain.Event
	}{
		{
			name: "ban ipv4",
			line: "2024-05-01 10:15:30,123 fail2ban.actions [1234]: NOTICE  [sshd] Ban 192.168.0.101",
			want: domain.Event{
				Kind:       domain.KindBan,
				Subject:    "192.168.0.101",
				Jail:       "sshd",
				OccurredAt: time.Date(2024, 5, 1, 10, 15, 30, 123000000, time.UTC),
			},
		},
		{
			name: "unban ipv6",
			line: "2024-05-01 10:25:30,000 fail2ban.actions [1234]: NOTICE  [nginx-http-auth] Unban 2001:db8::1",
			want: domain.Event{
				Kind:       domain.KindUnban,
				Subject:    "2001:db8::1",
				Jail:       "nginx-http-auth",
				OccurredAt: time.Date(2024, 5, 1, 10, 25, 30, 0, time.UTC),
			},
		},
		{
			name: "found with subject",
			line: "2024-05-01 10:14:02,456 fail2ban.filter  [1234]: INFO    [sshd] Found 10.0.0.5 - 2024-05-01 10:14:02",
			want: domain.Event{
				Kind:       domain.KindFound,
				Subject:    "10.0.0.5",
				Jail:       "sshd",
				OccurredAt: time.Date(2024, 5, 1, 10, 14, 2, 456000000, time.UTC),
			},
		},
		{
			name: "found without subject",
			line: "2024-05-01 10:14:02 Found",
			want: domain.Event{
				Kind:       domain.KindFound,
				OccurredAt: time.Date(2024, 5, 1, 10, 14, 2, 0, time.UTC),
			},
		},
		{
			name: "ban network without jail",
			line: "2024-05-01 10:15:30 Ban 203.0.113.0/24",
			want: domain.Event{
				Kind:       domain.KindBan,
				Subject:    "203.0.113.0/24",
				OccurredAt: time.Date(2024, 5, 1, 10, 15, 30, 0, time.UTC),
			},
		},
		{
			name:    "no timestamp",
			line:    "fail2ban.actions [1234]: NOTICE  [sshd] Ban 192.168.0.101",
			wantErr: true,
		},
		{
			name:    "invalid timestamp",
			line:    "2024-13-45 99:15:30,123 fail2ban.actions [1234]: NOTICE  [sshd] Ban 1.2.3.4",
			wantErr: true,
		},
		{
			name:    "unrelated line",
			line:    "2024-05-01 10:15:30,123 fail2ban.server [1234]: INFO    Starting Fail2ban v1.0.2",
			wantErr: true,
		},
		{
			name:    "ban without subject",
			line:    "2024-05-01 10:15:30,123 fail2ban.actions [1234]: NOTICE  [sshd] Ban ",
			wantErr: true,
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ParseLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Kind != tt.want.Kind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.want.Kind)
			}
			if got.Subject != tt.want.Subject {
				t.Errorf("Subject = %q, want %q", got.Subject, tt.want.Subject)
			}
			if got.Jail != tt.want.Jail {
				t.Errorf("Jail = %q, want %q", got.Jail, tt.want.Jail)
			}
			if !got.OccurredAt.Equal(tt.want.OccurredAt) {
				t.Errorf("OccurredAt = %v, want %v", got.OccurredAt, tt.want.OccurredAt)
			}
		})
	}
}

func TestParse_KeepsOrderAndSkipsMalformed(t *testing.T) {
	p := New(time.UTC)
	lines := []string{
		"2024-05-01 10:00:00,000 fail2ban.actions [1]: NOTICE  [sshd] Ban 10.0.0.5",
		"garbage",
		"2024-05-01 10:00:01,000 fail2ban.filter  [1]: INFO    [sshd] Found 10.0.0.6",
		"2024-05-01 10:00:02,000 fail2ban.filter  [1]: INFO    [sshd] Found 10.0.0.6",
		"2024-05-01 10:00:03,000 fail2ban.actions [1]: NOTICE  [sshd] Unban 10.0.0.5",
	}

	events := p.Parse(lines)
	wantKinds := []domain.EventKind{domain.KindBan, domain.KindFound, domain.KindFound, domain.KindUnban}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d", len(events), len(wantKinds))
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind {
			t.Errorf("event %d kind = %s, want %s", i, events[i].Kind, kind)
		}
	}
}

func TestParse_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	p := New(loc)
	ev, err := p.ParseLine("2024-05-01 10:00:00 Ban 1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	if !ev.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", ev.OccurredAt.UTC(), want)
	}
}
