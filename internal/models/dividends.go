package models

import (
	"strings"
	"time"
)

// Dividends maps subnet id -> hotkey -> dividend amount (rao)
type Dividends map[int]map[string]int64

// Subject identifies what a dividends query is about
type Subject struct {
	Netuid *int   `json:"netuid,omitempty"`
	Hotkey string `json:"hotkey,omitempty"`
}

// Normalize returns a copy with presentation differences removed
func (s Subject) Normalize() Subject {
	out := Subject{Hotkey: strings.TrimSpace(s.Hotkey)}
	if s.Netuid != nil {
		n := *s.Netuid
		out.Netuid = &n
	}
	return out
}

// Resolve fills in defaults for fields the caller left empty.
func (s Subject) Resolve(defaultNetuid int, defaultHotkey string) Subject {
	out := s.Normalize()
	if out.Netuid == nil {
		n := defaultNetuid
		out.Netuid = &n
	}
	if out.Hotkey == "" {
		out.Hotkey = defaultHotkey
	}
	return out
}

// NetuidOr returns the subnet id or fallback when none was requested
func (s Subject) NetuidOr(fallback int) int {
	if s.Netuid == nil {
		return fallback
	}
	return *s.Netuid
}

// IntPtr is a small helper for building subjects
func IntPtr(v int) *int {
	return &v
}

// RequestContext travels with a request into the background pipeline.
// It is created once at entry and never modified.
type RequestContext struct {
	RequestID     string
	Subject       Subject
	TriggerAction bool
}

// ActionTriggered tells the caller whether the background pipeline was started
type ActionTriggered struct {
	Triggered bool `json:"triggered"`
	SubnetID  int  `json:"subnet_id"`
}

// DividendsAnswer is the response of the tao_dividends endpoint
type DividendsAnswer struct {
	Dividends       Dividends       `json:"dividends"`
	CollectedAt     time.Time       `json:"collected_at"`
	Cached          bool            `json:"cached"`
	ActionTriggered ActionTriggered `json:"action_triggered"`
	RequestID       string          `json:"request_id"`
}

// SignalItem is one piece of social signal (a tweet)
type SignalItem struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
