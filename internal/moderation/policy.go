// Package moderation enforces the message content policy at the persistence
// layer, so every insert path goes through the same check.
package moderation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"gorm.io/gorm"

	"github.com/ngapox/malenga-knowledge-clinic/internal/models"
)

// ErrRejected is returned from the create callback when a message violates the
// policy. Callers match it with errors.Is.
var ErrRejected = errors.New("messages_no_profanity: content rejected by policy")

const callbackName = "moderation:content_policy"

// Env is what a CONTENT_RULE expression sees. Renaming a field breaks
// configured rules.
type Env struct {
	Content string
	Words   []string
	Length  int
	RoomID  uint
	UserID  uint
}

type Policy struct {
	banned map[string]struct{}
	rule   *vm.Program
}

// New compiles the policy. An empty rule disables expression checks.
func New(banned []string, rule string) (*Policy, error) {
	p := &Policy{banned: make(map[string]struct{}, len(banned))}
	for _, w := range banned {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			p.banned[w] = struct{}{}
		}
	}
	if strings.TrimSpace(rule) != "" {
		prog, err := expr.Compile(rule, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile content rule: %w", err)
		}
		p.rule = prog
	}
	return p, nil
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Check reports ErrRejected if content contains a banned word or matches the rule.
func (p *Policy) Check(roomID, userID uint, content string) error {
	if p == nil {
		return nil
	}
	ws := words(content)
	for _, w := range ws {
		if _, ok := p.banned[w]; ok {
			return ErrRejected
		}
	}
	if p.rule == nil {
		return nil
	}
	out, err := expr.Run(p.rule, Env{
		Content: content,
		Words:   ws,
		Length:  utf8.RuneCountInString(content),
		RoomID:  roomID,
		UserID:  userID,
	})
	if err != nil {
		return fmt.Errorf("evaluate content rule: %w", err)
	}
	if reject, _ := out.(bool); reject {
		return ErrRejected
	}
	return nil
}

// Register installs the policy as a create callback for messages.
func (p *Policy) Register(db *gorm.DB) error {
	return db.Callback().Create().Before("gorm:create").Register(callbackName, func(tx *gorm.DB) {
		if tx.Error != nil {
			return
		}
		var msgs []*models.Message
		switch d := tx.Statement.Dest.(type) {
		case *models.Message:
			msgs = append(msgs, d)
		case []models.Message:
			for i := range d {
				msgs = append(msgs, &d[i])
			}
		case []*models.Message:
			msgs = d
		default:
			return
		}
		for _, m := range msgs {
			if err := p.Check(m.RoomID, m.UserID, m.Content); err != nil {
				_ = tx.AddError(err)
				return
			}
		}
	})
}
