package credits

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Operation names billed against credits.
const (
	OperationTwitterPost       = "twitter_post"
	OperationLinkedInPost      = "linkedin_post"
	OperationFacebookPost      = "facebook_post"
	OperationInstagramPost     = "instagram_post"
	OperationContentGeneration = "content_generation"
	OperationImageGeneration   = "image_generation"
	OperationHashtagGeneration = "hashtag_generation"
	OperationContentRewrite    = "content_rewrite"
)

var operationCosts = map[string]decimal.Decimal{
	OperationTwitterPost:       decimal.NewFromInt(1),
	OperationLinkedInPost:      decimal.RequireFromString("1.5"),
	OperationFacebookPost:      decimal.NewFromInt(1),
	OperationInstagramPost:     decimal.RequireFromString("1.5"),
	OperationContentGeneration: decimal.NewFromInt(1),
	OperationImageGeneration:   decimal.NewFromInt(2),
	OperationHashtagGeneration: decimal.RequireFromString("0.5"),
	OperationContentRewrite:    decimal.RequireFromString("0.5"),
}

// OperationCost looks up the unit cost of an operation.
func OperationCost(operation string) (decimal.Decimal, error) {
	cost, ok := operationCosts[strings.TrimSpace(operation)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	return cost, nil
}

// ResolveCost prefers an explicit cost over the table entry.
func ResolveCost(operation string, explicit decimal.NullDecimal) (decimal.Decimal, error) {
	if explicit.Valid {
		return NewCreditAmount(explicit.Decimal)
	}
	return OperationCost(operation)
}

// NewCreditAmount validates that an amount is strictly positive.
func NewCreditAmount(raw decimal.Decimal) (decimal.Decimal, error) {
	if !raw.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return raw, nil
}
