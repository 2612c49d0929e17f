package model

import (
	"fmt"
	"strings"
)

// Family is a built-in top-level defect type group.
type Family string

// Defect type families.
const (
	FamilyProductBug    Family = "PRODUCT_BUG"
	FamilyAutomationBug Family = "AUTOMATION_BUG"
	FamilySystemIssue   Family = "SYSTEM_ISSUE"
	FamilyToInvestigate Family = "TO_INVESTIGATE"
	FamilyNoDefect      Family = "NO_DEFECT"
)

// NotIssueLocator is the sentinel locator that clears a classification.
const NotIssueLocator = "NOT_ISSUE"

// ParseFamily converts a string into a Family.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToUpper(s)); f {
	case FamilyProductBug, FamilyAutomationBug, FamilySystemIssue,
		FamilyToInvestigate, FamilyNoDefect:
		return f, nil
	default:
		return "", fmt.Errorf("unknown defect family %q", s)
	}
}

// DefaultLocator returns the locator of the family's built-in type.
func (f Family) DefaultLocator() string {
	switch f {
	case FamilyProductBug:
		return "pb001"
	case FamilyAutomationBug:
		return "ab001"
	case FamilySystemIssue:
		return "si001"
	case FamilyToInvestigate:
		return "ti001"
	case FamilyNoDefect:
		return "nd001"
	default:
		return ""
	}
}

// Families lists the built-in families in display order.
func Families() []Family {
	return []Family{
		FamilyProductBug,
		FamilyAutomationBug,
		FamilySystemIssue,
		FamilyToInvestigate,
		FamilyNoDefect,
	}
}

// DefectType is one entry of a project's defect taxonomy.
type DefectType struct {
	Locator   string `json:"locator"`
	Family    Family `json:"family"`
	LongName  string `json:"long_name"`
	ShortName string `json:"short_name"`
	Color     string `json:"color,omitempty"`
}

// IsNotIssue reports whether locator is the "not an issue" sentinel.
func IsNotIssue(locator string) bool {
	return strings.EqualFold(locator, NotIssueLocator)
}
