package verify

import (
	"fmt"
	"strings"
	"time"
)

// TemplateID names one of the audited verification templates. The set is
// closed: posters choose a template and fill its validated parameters, they
// never supply logic. Arbitrary poster-authored predicates are rejected by
// construction because of injection risk.
type TemplateID string

const (
	TemplateGuestbookEntry TemplateID = "guestbook_entry"
	TemplateReferralCount  TemplateID = "referral_count"
	TemplateSiteContent    TemplateID = "site_content"
	TemplateMessageSent    TemplateID = "message_sent"
	TemplateRingJoined     TemplateID = "ring_joined"
	TemplateWalletVerified TemplateID = "wallet_verified"
	TemplateManualApproval TemplateID = "manual_approval"
)

// Template couples a template identifier with its parameter schema and
// whether a pass releases funds automatically.
type Template struct {
	ID     TemplateID
	Auto   bool
	schema []fieldSpec
}

var registry = map[TemplateID]Template{
	TemplateGuestbookEntry: {
		ID:   TemplateGuestbookEntry,
		Auto: true,
		schema: []fieldSpec{
			{name: "site", kind: kindString, required: true, maxLen: 256},
			{name: "min_length", kind: kindInt, minInt: 10, maxInt: 4000},
			{name: "keywords", kind: kindStringList, maxLen: 8},
		},
	},
	TemplateReferralCount: {
		ID:   TemplateReferralCount,
		Auto: true,
		schema: []fieldSpec{
			{name: "count", kind: kindInt, required: true, minInt: 1, maxInt: 100},
			{name: "window", kind: kindDuration, minDur: time.Hour, maxDur: 90 * 24 * time.Hour},
		},
	},
	TemplateSiteContent: {
		ID:   TemplateSiteContent,
		Auto: true,
		schema: []fieldSpec{
			{name: "required_text", kind: kindString, required: true, maxLen: 512},
			{name: "min_word_count", kind: kindInt, minInt: 1, maxInt: 50_000},
			{name: "freshness", kind: kindDuration, minDur: time.Minute, maxDur: 30 * 24 * time.Hour},
		},
	},
	TemplateMessageSent: {
		ID:   TemplateMessageSent,
		Auto: true,
		schema: []fieldSpec{
			{name: "recipient", kind: kindAddress, required: true, maxLen: 128},
		},
	},
	TemplateRingJoined: {
		ID:   TemplateRingJoined,
		Auto: true,
		schema: []fieldSpec{
			{name: "ring", kind: kindString, required: true, maxLen: 128},
		},
	},
	TemplateWalletVerified: {
		ID:     TemplateWalletVerified,
		Auto:   true,
		schema: nil,
	},
	TemplateManualApproval: {
		ID:     TemplateManualApproval,
		Auto:   false,
		schema: nil,
	},
}

// LookupTemplate resolves a template by identifier.
func LookupTemplate(id TemplateID) (Template, bool) {
	tpl, ok := registry[TemplateID(strings.TrimSpace(string(id)))]
	return tpl, ok
}

// ValidateJobParams checks poster-supplied parameters for a template at job
// creation time. Unknown templates and malformed parameters are rejected
// synchronously.
func ValidateJobParams(id TemplateID, params Params) error {
	tpl, ok := LookupTemplate(id)
	if !ok {
		return fmt.Errorf("%w: unknown template %q", ErrInvalidParams, id)
	}
	return ValidateParams(tpl.schema, params)
}

// IsAuto reports whether a pass for the template should trigger automatic
// release, or whether it instead opens a poster review window.
func IsAuto(id TemplateID) bool {
	tpl, ok := LookupTemplate(id)
	return ok && tpl.Auto
}
