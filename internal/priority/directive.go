package priority

import (
	"regexp"
	"strings"

	"github.com/xela07ax/botfleet/internal/domain"
)

// Маркеры директив в свободном тексте сообщения mesh-сети.
const (
	markerActivated   = "PRIORITY MODE ACTIVATED"
	markerDeactivated = "PRIORITY MODE DEACTIVATED"
)

var taskRe = regexp.MustCompile(`\*\*Task\*\*: (.+)`)

type Directive struct {
	Op   Op
	Task string
}

// ParseDirective извлекает директиву из текста. Пример активации:
//
//	🚨 PRIORITY MODE ACTIVATED
//	**Task**: fix checkout outage
func ParseDirective(text string) (Directive, error) {
	switch {
	case strings.Contains(text, markerDeactivated):
		return Directive{Op: OpDeactivate}, nil
	case strings.Contains(text, markerActivated):
		task := DefaultTask
		if m := taskRe.FindStringSubmatch(text); m != nil {
			if t := strings.TrimSpace(m[1]); t != "" {
				task = t
			}
		}
		return Directive{Op: OpActivate, Task: task}, nil
	}
	return Directive{}, domain.ErrUnknownDirective
}
