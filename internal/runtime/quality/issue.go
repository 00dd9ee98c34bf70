// Package quality models data quality findings raised while handling a
// message and the update request that forwards them to the quality catalogue.
package quality

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	keyCheckID         = "check_id"
	keyEntityID        = "entity_id"
	keySeqnr           = "seqnr"
	keyStartValidity   = "start_validity"
	keyEndValidity     = "end_validity"
	keyAttribute       = "attribute"
	keyValue           = "value"
	keyComparedTo      = "compared_to"
	keyComparedToValue = "compared_to_value"
	keyExplanation     = "explanation"
)

// Check describes a quality rule an issue refers to.
type Check struct {
	ID  string
	Msg string
}

var checks = map[string]Check{}

// RegisterCheck makes a check known so issues can render its message.
func RegisterCheck(c Check) {
	checks[c.ID] = c
}

// Issue is a finding against one attribute of one entity. Issues sharing a
// UniqueID are joined by merging their values.
type Issue struct {
	CheckID         string
	EntityID        string
	Seqnr           string
	StartValidity   string
	EndValidity     string
	Attribute       string
	ComparedTo      string
	ComparedToValue string
	Explanation     string

	values []string
}

// NewIssue creates an issue for a single offending value.
func NewIssue(checkID, entityID, attribute string, value any) Issue {
	i := Issue{CheckID: checkID, EntityID: entityID, Attribute: attribute}
	i.AddValue(value)
	return i
}

// UniqueID is the joining key (check, attribute, entity, seqnr).
func (i Issue) UniqueID() string {
	return strings.Join([]string{i.CheckID, i.Attribute, i.EntityID, i.Seqnr}, "_")
}

// AddValue adds value to the set of offending values.
func (i *Issue) AddValue(value any) {
	s := formatValue(value)
	if slices.Contains(i.values, s) {
		return
	}
	i.values = append(i.values, s)
}

// Join folds other into i. Both must share the same UniqueID.
func (i *Issue) Join(other Issue) {
	for _, v := range other.values {
		i.AddValue(v)
	}
}

// Values returns the distinct offending values, sorted.
func (i Issue) Values() []string {
	out := slices.Clone(i.values)
	slices.Sort(out)
	return out
}

// Value renders the offending values as a sorted comma separated list.
func (i Issue) Value() string {
	return strings.Join(i.Values(), ", ")
}

// Msg is a short human readable description.
func (i Issue) Msg() string {
	text := i.CheckID
	if c, ok := checks[i.CheckID]; ok && c.Msg != "" {
		text = c.Msg
	}
	return fmt.Sprintf("%s: %s", i.Attribute, text)
}

func (i Issue) ToMap() map[string]any {
	out := map[string]any{
		keyCheckID:   i.CheckID,
		keyEntityID:  i.EntityID,
		keyAttribute: i.Attribute,
		keyValue:     i.Value(),
	}
	optional := map[string]string{
		keySeqnr:           i.Seqnr,
		keyStartValidity:   i.StartValidity,
		keyEndValidity:     i.EndValidity,
		keyComparedTo:      i.ComparedTo,
		keyComparedToValue: i.ComparedToValue,
		keyExplanation:     i.Explanation,
	}
	for k, v := range optional {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// IssueFromMap reads the wire form written by ToMap.
func IssueFromMap(in map[string]any) Issue {
	get := func(k string) string {
		if v, ok := in[k]; ok && v != nil {
			return formatValue(v)
		}
		return ""
	}
	i := Issue{
		CheckID:         get(keyCheckID),
		EntityID:        get(keyEntityID),
		Seqnr:           get(keySeqnr),
		StartValidity:   get(keyStartValidity),
		EndValidity:     get(keyEndValidity),
		Attribute:       get(keyAttribute),
		ComparedTo:      get(keyComparedTo),
		ComparedToValue: get(keyComparedToValue),
		Explanation:     get(keyExplanation),
	}
	if v := get(keyValue); v != "" {
		for part := range strings.SplitSeq(v, ", ") {
			i.AddValue(part)
		}
	}
	return i
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
