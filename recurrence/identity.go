package recurrence

import (
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/warp/recurrence-engine/generic"
)

// OccurrenceNamespace is the fixed UUID namespace occurrence ids are derived
// in. Changing it changes every occurrence id and orphans materialized rows.
var OccurrenceNamespace = uuid.MustParse("d0c4b2a6-6a1e-4f6e-9a57-3e1f2b8c7d10")

// IdentityOf derives the occurrence id for (ruleID, date): a version 5 UUID
// over "{ruleID}-{YYYY-MM-DD}". The rule id is NFC-normalized and the date
// reduced to its calendar day first, so the result depends only on the
// logical occurrence.
func IdentityOf(ruleID generic.RuleID, date generic.TimePoint) generic.OccurrenceID {
	name := norm.NFC.String(string(ruleID)) + "-" + date.Normalized().String()
	return generic.OccurrenceID(uuid.NewSHA1(OccurrenceNamespace, []byte(name)).String())
}
