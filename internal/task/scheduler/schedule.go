package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"clipflow/internal/model"
)

// Accepted schedule forms:
//   - cron: "*/5 * * * *", "0 30 9 * * *" (optional seconds), "@hourly", "@every 55m"
//   - interval: "55m", "2h30m", or HH:MM like "02:30" (2h30m), run as "@every"
//
// A "cron:" prefix forces cron parsing; "every:" or "interval:" forces an interval.

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func invalidCron() error { return model.Validation(ErrInvalidCron) }

// normalizeSchedule maps raw onto an expression the cron parser accepts.
func normalizeSchedule(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		return expr, expr != ""
	case strings.HasPrefix(low, "every:"):
		return everyExpr(s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return everyExpr(s[len("interval:"):])
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, true
	}
	return everyExpr(s)
}

func everyExpr(v string) (string, bool) {
	d, ok := parseInterval(v)
	if !ok {
		return "", false
	}
	return "@every " + d.String(), true
}

func parseInterval(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, false
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		return d, d > 0
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// parseSchedule validates raw and returns its cron schedule.
func (s *Service) parseSchedule(raw string) (cron.Schedule, string, error) {
	expr, ok := normalizeSchedule(raw)
	if !ok {
		return nil, "", invalidCron()
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, "", invalidCron()
	}
	return sched, expr, nil
}

// NextRun evaluates schedule and returns its first activation strictly after
// from, in the scheduler's timezone.
func (s *Service) NextRun(schedule string, from time.Time) (time.Time, error) {
	sched, _, err := s.parseSchedule(schedule)
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if loc != nil {
		from = from.In(loc)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, invalidCron()
	}
	return next, nil
}
