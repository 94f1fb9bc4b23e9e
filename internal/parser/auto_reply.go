package parser

import (
	"regexp"
	"strings"
)

// Signals are the parts of a message that reveal it was sent by a machine
type Signals struct {
	From                  string
	Subject               string
	AutoSubmitted         string // RFC 3834
	Precedence            string
	XAutoreply            string
	XAutoResponseSuppress string // Exchange
}

// AutoReplyDetector recognizes auto-generated mail that must never be answered
type AutoReplyDetector struct {
	patterns []*autoReplyPattern
}

type autoReplyPattern struct {
	Reason string
	Regex  *regexp.Regexp
}

// NewAutoReplyDetector creates a new auto-reply detector
func NewAutoReplyDetector() *AutoReplyDetector {
	return &AutoReplyDetector{
		patterns: []*autoReplyPattern{
			// Vacation responders
			{
				Reason: "out_of_office",
				Regex:  regexp.MustCompile(`(?i)^\s*(?:auto(?:matic)?[\s\-_]*(?:reply|response|answer)|out\s+of\s+(?:the\s+)?office|ooo\b|автоответ|автоматический\s+ответ|abwesenheitsnotiz)`),
			},
			// Bounces and delivery reports
			{
				Reason: "bounce",
				Regex:  regexp.MustCompile(`(?i)^\s*(?:undeliver(?:able|ed)|delivery\s+(?:status\s+notification|failure)|mail\s+delivery\s+(?:failed|failure|subsystem)|returned\s+mail|недоставленное\s+сообщение)`),
			},
		},
	}
}

// Detect reports whether the message is auto-generated and why
func (d *AutoReplyDetector) Detect(s Signals) (bool, string) {
	if v := strings.ToLower(strings.TrimSpace(s.AutoSubmitted)); v != "" && v != "no" {
		return true, "auto_submitted"
	}
	if strings.TrimSpace(s.XAutoreply) != "" {
		return true, "x_autoreply"
	}
	switch strings.ToLower(strings.TrimSpace(s.Precedence)) {
	case "bulk", "junk", "list", "auto_reply":
		return true, "precedence"
	}
	if v := strings.ToLower(s.XAutoResponseSuppress); strings.Contains(v, "all") || strings.Contains(v, "oof") {
		return true, "auto_response_suppress"
	}

	local, _, _ := strings.Cut(strings.ToLower(s.From), "@")
	if local == "mailer-daemon" || local == "postmaster" {
		return true, "bounce"
	}

	for _, pattern := range d.patterns {
		if pattern.Regex.MatchString(s.Subject) {
			return true, pattern.Reason
		}
	}
	return false, ""
}
