package credits

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewAccountID(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		raw      string
		expected string
		err      error
	}{
		{name: "trimmed", raw: "  user-1 ", expected: "user-1"},
		{name: "empty", raw: "   ", err: ErrInvalidAccountID},
		{name: "delimiter", raw: "team:1", err: ErrInvalidAccountID},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			id, err := NewAccountID(testCase.raw)
			if testCase.err != nil {
				if !errors.Is(err, testCase.err) {
					test.Fatalf("expected %v, got %v", testCase.err, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if id.String() != testCase.expected {
				test.Fatalf("expected %q, got %q", testCase.expected, id.String())
			}
		})
	}
}

func TestAccountKeyRoundTrip(test *testing.T) {
	test.Parallel()
	ref := TeamRef(mustAccountID(test, "team-42"))
	if ref.Key() != "team:team-42" {
		test.Fatalf("unexpected key %q", ref.Key())
	}
	parsed, err := ParseAccountKey(ref.Key())
	if err != nil {
		test.Fatalf("parse key: %v", err)
	}
	if parsed != ref {
		test.Fatalf("expected %v, got %v", ref, parsed)
	}
	for _, raw := range []string{"user", "org:abc", "user:"} {
		if _, err := ParseAccountKey(raw); !errors.Is(err, ErrInvalidAccountKey) {
			test.Fatalf("%q: expected ErrInvalidAccountKey, got %v", raw, err)
		}
	}
}

func TestParseEnumerations(test *testing.T) {
	test.Parallel()
	if plan, err := ParsePlanType(" PRO "); err != nil || plan != PlanPro {
		test.Fatalf("expected pro, got %q err=%v", plan, err)
	}
	if _, err := ParsePlanType("platinum"); !errors.Is(err, ErrInvalidPlanType) {
		test.Fatalf("expected ErrInvalidPlanType, got %v", err)
	}
	if preference, err := ParseAPIKeyPreference(""); err != nil || preference.IsSet() {
		test.Fatalf("expected unset preference, got %q err=%v", preference, err)
	}
	if preference, err := ParseAPIKeyPreference("BYOK"); err != nil || preference != PreferenceBYOK {
		test.Fatalf("expected byok, got %q err=%v", preference, err)
	}
	if _, err := ParseAPIKeyPreference("shared"); !errors.Is(err, ErrInvalidAPIKeyPreference) {
		test.Fatalf("expected ErrInvalidAPIKeyPreference, got %v", err)
	}
	if _, err := ParseScope("org"); !errors.Is(err, ErrInvalidScope) {
		test.Fatalf("expected ErrInvalidScope, got %v", err)
	}
	if _, err := ParseTransactionType("gift"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestMetadataJSON(test *testing.T) {
	test.Parallel()
	empty, err := NewMetadataJSON("")
	if err != nil || empty.String() != "{}" {
		test.Fatalf("expected default metadata, got %q err=%v", empty.String(), err)
	}
	if _, err := NewMetadataJSON("{broken"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatalf("expected zero metadata to render as {}")
	}
}

func TestOperationCosts(test *testing.T) {
	test.Parallel()
	expected := map[string]string{
		OperationTwitterPost:       "1",
		OperationLinkedInPost:      "1.5",
		OperationFacebookPost:      "1",
		OperationInstagramPost:     "1.5",
		OperationContentGeneration: "1",
		OperationImageGeneration:   "2",
		OperationHashtagGeneration: "0.5",
		OperationContentRewrite:    "0.5",
	}
	for operation, cost := range expected {
		actual, err := OperationCost(operation)
		if err != nil {
			test.Fatalf("%s: %v", operation, err)
		}
		assertDecimal(test, operation, cost, actual)
	}
	override, err := ResolveCost("anything", decimal.NewNullDecimal(decimal.RequireFromString("0.25")))
	if err != nil {
		test.Fatalf("resolve override: %v", err)
	}
	assertDecimal(test, "override", "0.25", override)
}

func TestMonthlyAllotmentMatrix(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		plan       PlanType
		preference APIKeyPreference
		expected   int64
	}{
		{plan: PlanFree, preference: PreferencePlatform, expected: 15},
		{plan: PlanFree, preference: PreferenceBYOK, expected: 50},
		{plan: PlanPro, preference: PreferencePlatform, expected: 100},
		{plan: PlanPro, preference: PreferenceBYOK, expected: 180},
		{plan: PlanEnterprise, preference: PreferencePlatform, expected: 500},
		{plan: PlanEnterprise, preference: PreferenceBYOK, expected: 1000},
		{plan: PlanEnterprise, preference: PreferenceUnset, expected: 0},
		{plan: PlanFree, preference: PreferenceUnset, expected: 0},
	}
	for _, testCase := range testCases {
		allotment, err := MonthlyAllotment(testCase.plan, testCase.preference)
		if err != nil {
			test.Fatalf("%s/%s: %v", testCase.plan, testCase.preference, err)
		}
		if !allotment.Equal(decimal.NewFromInt(testCase.expected)) {
			test.Fatalf("%s/%s: expected %d, got %s", testCase.plan, testCase.preference, testCase.expected, allotment)
		}
	}
	if _, err := MonthlyAllotment(PlanType("platinum"), PreferenceBYOK); !errors.Is(err, ErrInvalidPlanType) {
		test.Fatalf("expected ErrInvalidPlanType, got %v", err)
	}
}

func TestNeedsMonthlyReset(test *testing.T) {
	test.Parallel()
	now := time.Date(2025, time.April, 1, 0, 30, 0, 0, time.UTC)
	lastMonth := time.Date(2025, time.March, 31, 23, 59, 59, 0, time.UTC)
	thisMonth := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	if !NeedsMonthlyReset(nil, now) {
		test.Fatalf("expected never-reset account to need a reset")
	}
	if !NeedsMonthlyReset(&lastMonth, now) {
		test.Fatalf("expected last month's watermark to need a reset")
	}
	if NeedsMonthlyReset(&thisMonth, now) {
		test.Fatalf("expected this month's watermark to be current")
	}
	offset := time.FixedZone("UTC+5", 5*60*60)
	if start := MonthStartUTC(time.Date(2025, time.May, 1, 2, 0, 0, 0, offset)); !start.Equal(thisMonth) {
		test.Fatalf("expected month start in UTC %s, got %s", thisMonth, start)
	}
}
