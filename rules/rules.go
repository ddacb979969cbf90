// Package rules implements the subscription-side rule/filter data model
// (component I, spec §4.8 and §3). The source's class hierarchy
// (Filter ← SqlFilter ← FalseFilter, ...) is replaced with tagged
// variants per spec §9's design note: concrete structs implementing
// marker interfaces, dispatched by the (out-of-core) wire codec on a
// type switch rather than virtual dispatch.
package rules

import (
	"strings"

	"github.com/Azure/go-sbcore/errorkind"
)

const (
	maxRuleNameLen = 50
	maxSQLExprLen  = 1024
	// DefaultRuleName is the rule every newly created subscription
	// carries, per spec §3.
	DefaultRuleName = "$Default"
)

// Filter is the sum type of filter kinds a rule can carry.
type Filter interface {
	isFilter()
}

// SQLFilter matches messages against a SQL-like boolean expression.
type SQLFilter struct {
	Expression string
	Parameters map[string]interface{}
}

func (SQLFilter) isFilter() {}

// CorrelationFilter matches iff every populated field equals the
// corresponding system property on the message (spec §4.8). All fields
// are optional; an unset field is not checked.
type CorrelationFilter struct {
	CorrelationID    *string
	MessageID        *string
	To               *string
	ReplyTo          *string
	Label            *string
	SessionID        *string
	ReplyToSessionID *string
	ContentType      *string
	Properties       map[string]interface{}
}

func (CorrelationFilter) isFilter() {}

// TrueFilter always matches.
type TrueFilter struct{}

func (TrueFilter) isFilter() {}

// FalseFilter never matches.
type FalseFilter struct{}

func (FalseFilter) isFilter() {}

// Action is the sum type of server-side actions evaluated when a rule
// matches.
type Action interface {
	isAction()
}

// SQLAction runs a SQL-like expression against the message's properties
// when its filter matches, e.g. to stamp additional properties.
type SQLAction struct {
	Expression string
	Parameters map[string]interface{}
}

func (SQLAction) isAction() {}

// EmptyAction performs no transformation.
type EmptyAction struct{}

func (EmptyAction) isAction() {}

// Rule is the tuple (name, filter, action) a subscription evaluates
// server-side against every topic message.
type Rule struct {
	Name   string
	Filter Filter
	Action Action
}

// NewDefaultRule returns the $Default rule every new subscription
// carries: a true filter with no action.
func NewDefaultRule() Rule {
	return Rule{Name: DefaultRuleName, Filter: TrueFilter{}, Action: EmptyAction{}}
}

var reservedNameChars = "/\\?#"

// Validate enforces spec §3/§4.8's structural constraints on a rule
// description before it is sent to the broker.
func Validate(r Rule) error {
	if r.Name == "" {
		return errorkind.New(errorkind.ArgumentInvalid, "rule name must not be empty")
	}
	if len(r.Name) > maxRuleNameLen {
		return errorkind.Newf(errorkind.ArgumentInvalid, "rule name exceeds %d characters", maxRuleNameLen)
	}
	if strings.ContainsAny(r.Name, reservedNameChars) {
		return errorkind.New(errorkind.ArgumentInvalid, "rule name must not contain a path delimiter or URI-reserved character")
	}
	switch f := r.Filter.(type) {
	case SQLFilter:
		if len(f.Expression) > maxSQLExprLen {
			return errorkind.Newf(errorkind.ArgumentInvalid, "sql filter expression exceeds %d characters", maxSQLExprLen)
		}
	case nil:
		return errorkind.New(errorkind.ArgumentInvalid, "rule filter must not be nil")
	}
	if a, ok := r.Action.(SQLAction); ok {
		if len(a.Expression) > maxSQLExprLen {
			return errorkind.Newf(errorkind.ArgumentInvalid, "sql action expression exceeds %d characters", maxSQLExprLen)
		}
	}
	return nil
}

// Equal implements the structural equality spec §3 requires: same name
// (case-insensitive), equal filter, equal action.
func (r Rule) Equal(other Rule) bool {
	if !strings.EqualFold(r.Name, other.Name) {
		return false
	}
	return filterEqual(r.Filter, other.Filter) && actionEqual(r.Action, other.Action)
}

func filterEqual(a, b Filter) bool {
	switch av := a.(type) {
	case SQLFilter:
		bv, ok := b.(SQLFilter)
		return ok && av.Expression == bv.Expression && mapEqual(av.Parameters, bv.Parameters)
	case CorrelationFilter:
		bv, ok := b.(CorrelationFilter)
		if !ok {
			return false
		}
		return strPtrEqual(av.CorrelationID, bv.CorrelationID) &&
			strPtrEqual(av.MessageID, bv.MessageID) &&
			strPtrEqual(av.To, bv.To) &&
			strPtrEqual(av.ReplyTo, bv.ReplyTo) &&
			strPtrEqual(av.Label, bv.Label) &&
			strPtrEqual(av.SessionID, bv.SessionID) &&
			strPtrEqual(av.ReplyToSessionID, bv.ReplyToSessionID) &&
			strPtrEqual(av.ContentType, bv.ContentType) &&
			mapEqual(av.Properties, bv.Properties)
	case TrueFilter:
		_, ok := b.(TrueFilter)
		return ok
	case FalseFilter:
		_, ok := b.(FalseFilter)
		return ok
	default:
		return false
	}
}

func actionEqual(a, b Action) bool {
	switch av := a.(type) {
	case SQLAction:
		bv, ok := b.(SQLAction)
		return ok && av.Expression == bv.Expression && mapEqual(av.Parameters, bv.Parameters)
	case EmptyAction:
		_, ok := b.(EmptyAction)
		return ok
	default:
		return false
	}
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func mapEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || bv != v {
			return false
		}
	}
	return true
}

// Matches evaluates a CorrelationFilter/TrueFilter/FalseFilter against
// a message's correlation-relevant properties. SQLFilter cannot be
// evaluated client-side (spec §4.8: "these are declarative — the
// client does not evaluate them; it transports them") and Matches
// returns false for it; callers that need server-accurate matching must
// rely on the broker.
func Matches(f Filter, props CorrelationProperties) bool {
	switch v := f.(type) {
	case TrueFilter:
		return true
	case FalseFilter:
		return false
	case CorrelationFilter:
		return correlationMatches(v, props)
	default:
		return false
	}
}

// CorrelationProperties is the subset of a message's system properties
// a CorrelationFilter can match against.
type CorrelationProperties struct {
	CorrelationID    string
	MessageID        string
	To               string
	ReplyTo          string
	Label            string
	SessionID        string
	ReplyToSessionID string
	ContentType      string
	Properties       map[string]interface{}
}

func correlationMatches(f CorrelationFilter, p CorrelationProperties) bool {
	if f.CorrelationID != nil && *f.CorrelationID != p.CorrelationID {
		return false
	}
	if f.MessageID != nil && *f.MessageID != p.MessageID {
		return false
	}
	if f.To != nil && *f.To != p.To {
		return false
	}
	if f.ReplyTo != nil && *f.ReplyTo != p.ReplyTo {
		return false
	}
	if f.Label != nil && *f.Label != p.Label {
		return false
	}
	if f.SessionID != nil && *f.SessionID != p.SessionID {
		return false
	}
	if f.ReplyToSessionID != nil && *f.ReplyToSessionID != p.ReplyToSessionID {
		return false
	}
	if f.ContentType != nil && *f.ContentType != p.ContentType {
		return false
	}
	for k, v := range f.Properties {
		if pv, ok := p.Properties[k]; !ok || pv != v {
			return false
		}
	}
	return true
}
