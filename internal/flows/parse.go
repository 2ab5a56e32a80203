package flows

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/parlolabs/parlo/internal/models"
)

// The customer picks from a numbered list, so the parsers accept a bare list
// number ("2", "la 3") or a clock time matching a presented start ("10:30",
// "a las 4:00"). Anything else declines and falls back to the model.
var (
	indexRe = regexp.MustCompile(`^\s*(?:la\s+|el\s+|opci[oó]n\s+)?(\d{1,2})\s*[).]?\s*$`)
	clockRe = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
)

func pickSlot(text string, slots []presentedSlot, loc *time.Location) int {
	if idx := matchIndex(text, len(slots)); idx >= 0 {
		return idx
	}
	if clock, ok := matchClock(text); ok {
		for i, s := range slots {
			if s.Start.In(loc).Format("15:04") == clock {
				return i
			}
		}
	}
	return -1
}

func pickOption(text string, options []apptOption, loc *time.Location) int {
	if idx := matchIndex(text, len(options)); idx >= 0 {
		return idx
	}
	if clock, ok := matchClock(text); ok {
		for i, o := range options {
			if o.Start.In(loc).Format("15:04") == clock {
				return i
			}
		}
	}
	return -1
}

func matchIndex(text string, n int) int {
	groups := indexRe.FindStringSubmatch(strings.ToLower(text))
	if groups == nil {
		return -1
	}
	idx, err := strconv.Atoi(groups[1])
	if err != nil || idx < 1 || idx > n {
		return -1
	}
	return idx - 1
}

func matchClock(text string) (string, bool) {
	groups := clockRe.FindStringSubmatch(text)
	if groups == nil {
		return "", false
	}
	hour, err := strconv.Atoi(groups[1])
	if err != nil || hour > 23 {
		return "", false
	}
	return fmt.Sprintf("%02d:%s", hour, groups[2]), true
}

// matchService looks for an active service whose name equals or appears in
// the message, longest name first so "corte y barba" wins over "corte".
func matchService(services []models.ServiceType, text string) *models.ServiceType {
	lower := strings.ToLower(strings.TrimSpace(text))
	best := -1
	for i := range services {
		name := strings.ToLower(services[i].Name)
		if lower == name || strings.Contains(lower, name) {
			if best < 0 || len(services[i].Name) > len(services[best].Name) {
				best = i
			}
		}
	}
	if best < 0 {
		return nil
	}
	return &services[best]
}

var yesWords = map[string]bool{
	"sí": true, "si": true, "sip": true, "claro": true, "confirmo": true,
	"confirmar": true, "ok": true, "okay": true, "va": true, "sale": true,
	"dale": true, "de acuerdo": true, "perfecto": true, "así está bien": true,
}

var noWords = map[string]bool{
	"no": true, "nel": true, "mejor no": true, "no gracias": true,
	"cancelar": true, "cancela": true, "olvídalo": true, "olvidalo": true,
	"déjalo": true, "dejalo": true, "ya no": true,
}

func normalizeAnswer(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.Trim(s, ".!¡¿? ")
}

func isYes(text string) bool { return yesWords[normalizeAnswer(text)] }
func isNo(text string) bool  { return noWords[normalizeAnswer(text)] }

var (
	shortDays   = [...]string{"dom", "lun", "mar", "mié", "jue", "vie", "sáb"}
	shortMonths = [...]string{"ene", "feb", "mar", "abr", "may", "jun", "jul", "ago", "sep", "oct", "nov", "dic"}
)

// formatSlotTime renders a start like "lun 2 mar, 10:00".
func formatSlotTime(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	return fmt.Sprintf("%s %d %s, %s",
		shortDays[local.Weekday()], local.Day(), shortMonths[local.Month()-1], local.Format("15:04"))
}

func formatSlotList(slots []presentedSlot, loc *time.Location) string {
	lines := make([]string, len(slots))
	for i, s := range slots {
		lines[i] = fmt.Sprintf("%d) %s con %s", i+1, formatSlotTime(s.Start, loc), s.StaffName)
	}
	return strings.Join(lines, "\n")
}

func formatOptionList(options []apptOption, loc *time.Location) string {
	lines := make([]string, len(options))
	for i, o := range options {
		line := fmt.Sprintf("%d) %s el %s", i+1, o.ServiceName, formatSlotTime(o.Start, loc))
		if o.StaffName != "" {
			line += " con " + o.StaffName
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

func formatServiceList(services []models.ServiceType) string {
	lines := make([]string, len(services))
	for i := range services {
		s := &services[i]
		lines[i] = fmt.Sprintf("• %s - $%d %s (%d min)", s.Name, s.PriceCents/100, s.Currency, s.DurationMinutes)
	}
	return strings.Join(lines, "\n")
}
