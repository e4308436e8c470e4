package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"relaybot/internal/linkresolve"
)

// ValidationError is a user-input problem; its text is safe to show.
type ValidationError struct{ msg string }

func (e ValidationError) Error() string { return e.msg }

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return ValidationError{msg: err.Error()}
}

// TaskRequest is everything needed to create a task.
type TaskRequest struct {
	Name        string
	Owner       string
	AccountKey  string
	PrimaryRef  string
	FallbackRef string

	StartAt         time.Time
	EndAt           time.Time
	IntervalMinutes int

	FolderID  int64
	TargetAll bool

	CreatedBy  int64
	TemplateID int64
	ConfigJSON string
}

var messageLink = validation.By(func(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	if _, err := linkresolve.ParseMessage(s); err != nil {
		return errors.New("must be a message link like https://t.me/channel/123 or https://t.me/c/123456/789")
	}
	return nil
})

func (r TaskRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Owner, validation.Required),
		validation.Field(&r.AccountKey, validation.Required),
		validation.Field(&r.PrimaryRef, validation.Required, messageLink),
		validation.Field(&r.FallbackRef, messageLink),
		validation.Field(&r.EndAt, validation.When(!r.StartAt.IsZero() && !r.EndAt.IsZero(),
			validation.By(func(any) error {
				if r.EndAt.Before(r.StartAt) {
					return errors.New("must not be before the start time")
				}
				return nil
			}),
		)),
		validation.Field(&r.IntervalMinutes, validation.Min(0)),
		validation.Field(&r.FolderID, validation.When(!r.TargetAll, validation.Required.Error("pick a folder or target all groups"))),
	)
}

// TemplateConfig is the JSON body of a task template.
type TemplateConfig struct {
	IntervalMinutes int    `json:"repetition_interval"`
	TargetAll       bool   `json:"send_to_all_groups"`
	PrimaryRef      string `json:"message_link,omitempty"`
	FallbackRef     string `json:"fallback_link,omitempty"`
}

func (c TemplateConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.IntervalMinutes, validation.Min(1)),
		validation.Field(&c.PrimaryRef, messageLink),
		validation.Field(&c.FallbackRef, messageLink),
	)
}

// ParseTemplateConfig decodes and validates raw. A missing interval becomes
// 60 minutes.
func ParseTemplateConfig(raw string) (TemplateConfig, error) {
	var c TemplateConfig
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return TemplateConfig{}, ValidationError{msg: "template config is not valid JSON: " + err.Error()}
	}
	if c.IntervalMinutes == 0 {
		c.IntervalMinutes = 60
	}
	if err := c.Validate(); err != nil {
		return TemplateConfig{}, invalid(err)
	}
	return c, nil
}

func (c TemplateConfig) JSON() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// Invitation is a parsed "30d 4acc" request.
type Invitation struct {
	Days     int
	Accounts int
}

func (i Invitation) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Days, validation.Required, validation.Max(3650)),
		validation.Field(&i.Accounts, validation.Required, validation.Max(100)),
	)
}

var reInvitation = regexp.MustCompile(`^(\d+)\s*d\s+(\d+)\s*acc$`)

func ParseInvitation(s string) (Invitation, error) {
	m := reInvitation.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return Invitation{}, ValidationError{msg: fmt.Sprintf("invalid invitation %q, use e.g. \"30d 4acc\"", s)}
	}
	days, _ := strconv.Atoi(m[1])
	accounts, _ := strconv.Atoi(m[2])
	inv := Invitation{Days: days, Accounts: accounts}
	if err := inv.Validate(); err != nil {
		return Invitation{}, invalid(err)
	}
	return inv, nil
}
