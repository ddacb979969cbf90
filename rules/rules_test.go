package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strp(s string) *string { return &s }

func TestValidate_NameRules(t *testing.T) {
	assert.Error(t, Validate(Rule{Name: "", Filter: TrueFilter{}, Action: EmptyAction{}}))
	assert.Error(t, Validate(Rule{Name: "has/slash", Filter: TrueFilter{}, Action: EmptyAction{}}))
	assert.Error(t, Validate(Rule{Name: "has?query", Filter: TrueFilter{}, Action: EmptyAction{}}))
	assert.NoError(t, Validate(Rule{Name: "ValidRule", Filter: TrueFilter{}, Action: EmptyAction{}}))
}

func TestValidate_SQLExpressionLength(t *testing.T) {
	long := make([]byte, 1025)
	for i := range long {
		long[i] = 'a'
	}
	r := Rule{Name: "r", Filter: SQLFilter{Expression: string(long)}, Action: EmptyAction{}}
	assert.Error(t, Validate(r))
}

func TestRuleEqual_StructuralAndCaseInsensitiveName(t *testing.T) {
	a := Rule{
		Name:   "MyRule",
		Filter: CorrelationFilter{CorrelationID: strp("abc")},
		Action: EmptyAction{},
	}
	b := Rule{
		Name:   "myrule",
		Filter: CorrelationFilter{CorrelationID: strp("abc")},
		Action: EmptyAction{},
	}
	assert.True(t, a.Equal(b))

	c := b
	c.Filter = CorrelationFilter{CorrelationID: strp("xyz")}
	assert.False(t, a.Equal(c))
}

func TestDefaultRule(t *testing.T) {
	d := NewDefaultRule()
	assert.Equal(t, DefaultRuleName, d.Name)
	assert.IsType(t, TrueFilter{}, d.Filter)
}

func TestMatches_TrueAndFalseFilters(t *testing.T) {
	assert.True(t, Matches(TrueFilter{}, CorrelationProperties{}))
	assert.False(t, Matches(FalseFilter{}, CorrelationProperties{}))
}

func TestMatches_CorrelationFilterRequiresEverySpecifiedField(t *testing.T) {
	f := CorrelationFilter{
		CorrelationID: strp("corr-1"),
		Label:         strp("invoice"),
	}
	assert.True(t, Matches(f, CorrelationProperties{CorrelationID: "corr-1", Label: "invoice"}))
	assert.False(t, Matches(f, CorrelationProperties{CorrelationID: "corr-1", Label: "other"}))
}
