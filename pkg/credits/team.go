package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// TeamService routes credit operations to a team pool or the personal balance.
// Team balances bypass the cache and change inside one Ledger transaction.
type TeamService struct {
	credits *Service
}

// TeamCredits is a balance together with the account it was read from.
type TeamCredits struct {
	Credits   decimal.Decimal
	Source    Scope
	AccountID AccountID
}

// TeamDeductRequest charges an operation to a team when TeamID is set,
// otherwise to the acting user.
type TeamDeductRequest struct {
	UserID      AccountID
	TeamID      AccountID
	Amount      decimal.NullDecimal
	Operation   string
	Description string
}

// TeamAddRequest credits a team when TeamID is set, otherwise the acting user.
type TeamAddRequest struct {
	UserID      AccountID
	TeamID      AccountID
	Amount      decimal.Decimal
	Type        TransactionType
	Description string
	Payment     *PaymentMetadata
}

// NewTeamService builds a TeamService over the personal credit service.
func NewTeamService(credits *Service) (*TeamService, error) {
	if credits == nil {
		return nil, fmt.Errorf("%w: credit service is nil", ErrInvalidServiceConfig)
	}
	return &TeamService{credits: credits}, nil
}

// GetCredits reads a team balance from the Ledger, or the personal balance
// through the cache when teamID is zero.
func (service *TeamService) GetCredits(ctx context.Context, userID AccountID, teamID AccountID) (TeamCredits, error) {
	if teamID.IsZero() {
		balance, err := service.credits.GetBalance(ctx, userID)
		if err != nil {
			return TeamCredits{}, err
		}
		return TeamCredits{Credits: balance, Source: ScopeUser, AccountID: userID}, nil
	}
	account, err := service.credits.ledger.GetAccount(ctx, TeamRef(teamID))
	if err != nil {
		return TeamCredits{}, err
	}
	return TeamCredits{Credits: account.CreditsRemaining, Source: ScopeTeam, AccountID: teamID}, nil
}

// GetUserTeamContext returns the active team of a user; false means personal.
func (service *TeamService) GetUserTeamContext(ctx context.Context, userID AccountID) (AccountID, bool, error) {
	teamID, err := service.credits.ledger.ActiveTeamID(ctx, userID)
	if err != nil {
		return AccountID{}, false, err
	}
	return teamID, !teamID.IsZero(), nil
}

// CreditsForContext reads the balance of whatever scope the user is acting in.
func (service *TeamService) CreditsForContext(ctx context.Context, userID AccountID) (TeamCredits, error) {
	teamID, _, err := service.GetUserTeamContext(ctx, userID)
	if err != nil {
		return TeamCredits{}, err
	}
	return service.GetCredits(ctx, userID, teamID)
}

// HasSufficientCreditsForContext checks one run of operation against the
// balance of the scope the user is acting in.
func (service *TeamService) HasSufficientCreditsForContext(ctx context.Context, userID AccountID, operation string) (bool, TeamCredits, error) {
	cost, err := OperationCost(operation)
	if err != nil {
		return false, TeamCredits{}, err
	}
	balance, err := service.CreditsForContext(ctx, userID)
	if err != nil {
		return false, TeamCredits{}, err
	}
	return balance.Credits.GreaterThanOrEqual(cost), balance, nil
}

// DeductForContext charges the scope the user is acting in, ignoring any TeamID on the request.
func (service *TeamService) DeductForContext(ctx context.Context, request TeamDeductRequest) (DeductResult, TeamCredits, error) {
	teamID, _, err := service.GetUserTeamContext(ctx, request.UserID)
	if err != nil {
		return DeductResult{}, TeamCredits{}, err
	}
	request.TeamID = teamID
	result, err := service.DeductCredits(ctx, request)
	if err != nil {
		return DeductResult{}, TeamCredits{}, err
	}
	source := TeamCredits{Credits: result.CreditsRemaining, Source: ScopeUser, AccountID: request.UserID}
	if !teamID.IsZero() {
		source = TeamCredits{Credits: result.CreditsRemaining, Source: ScopeTeam, AccountID: teamID}
	}
	return result, source, nil
}

// DeductCredits charges the team pool or, without a team, the personal balance.
func (service *TeamService) DeductCredits(ctx context.Context, request TeamDeductRequest) (DeductResult, error) {
	if request.TeamID.IsZero() {
		return service.credits.DeductCredits(ctx, DeductRequest{
			AccountID:   request.UserID,
			Operation:   request.Operation,
			Description: request.Description,
			Cost:        request.Amount,
		})
	}
	amount, err := ResolveCost(request.Operation, request.Amount)
	if err != nil {
		return DeductResult{}, err
	}
	ref := TeamRef(request.TeamID)
	var result DeductResult
	operationError := service.credits.ledger.WithTx(ctx, func(ctx context.Context, txLedger Ledger) error {
		account, err := txLedger.GetAccount(ctx, ref)
		if err != nil {
			return err
		}
		if account.CreditsRemaining.LessThan(amount) {
			return fmt.Errorf("%w: team %s has %s, needs %s", ErrInsufficientCredits, request.TeamID, account.CreditsRemaining, amount)
		}
		remaining, err := txLedger.DecrementBalance(ctx, ref, amount)
		if err != nil {
			return err
		}
		metadata, err := operationMetadata(request.Operation, request.UserID)
		if err != nil {
			return err
		}
		transaction := Transaction{
			ID:            service.credits.newID(),
			Account:       ref,
			Type:          TransactionUsage,
			CreditsAmount: amount,
			Operation:     request.Operation,
			Description:   usageDescription(request.Operation, request.Description),
			Metadata:      metadata,
			BalanceAfter:  remaining,
			CreatedAt:     service.credits.nowFn().UTC(),
		}
		if err := txLedger.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		result = DeductResult{CreditsDeducted: amount, CreditsRemaining: remaining, TransactionID: transaction.ID}
		return nil
	})
	if operationError != nil {
		result = DeductResult{}
	}
	logOperation(ctx, service.credits.logger, OperationLog{
		Operation:     operationTeamDeduct,
		Account:       ref,
		ActingUserID:  request.UserID,
		Amount:        amount,
		Remaining:     result.CreditsRemaining,
		TransactionID: result.TransactionID,
		Error:         operationError,
	})
	return result, operationError
}

// AddCredits credits the team pool or, without a team, the personal balance.
func (service *TeamService) AddCredits(ctx context.Context, request TeamAddRequest) (AddResult, error) {
	if request.TeamID.IsZero() {
		return service.credits.AddCredits(ctx, AddRequest{
			AccountID:   request.UserID,
			Amount:      request.Amount,
			Type:        request.Type,
			Description: request.Description,
			Payment:     request.Payment,
		})
	}
	amount, err := NewCreditAmount(request.Amount)
	if err != nil {
		return AddResult{}, err
	}
	transactionType, err := creditTransactionType(request.Type)
	if err != nil {
		return AddResult{}, err
	}
	metadata, err := teamPaymentMetadataJSON(request.Payment, request.UserID)
	if err != nil {
		return AddResult{}, err
	}
	ref := TeamRef(request.TeamID)
	var result AddResult
	operationError := service.credits.ledger.WithTx(ctx, func(ctx context.Context, txLedger Ledger) error {
		remaining, err := txLedger.IncrementBalance(ctx, ref, amount)
		if err != nil {
			return err
		}
		transaction := Transaction{
			ID:            service.credits.newID(),
			Account:       ref,
			Type:          transactionType,
			CreditsAmount: amount,
			Description:   creditDescription(transactionType, amount, request.Description),
			Metadata:      metadata,
			BalanceAfter:  remaining,
			CreatedAt:     service.credits.nowFn().UTC(),
		}
		if err := txLedger.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		result = AddResult{CreditsAdded: amount, CreditsRemaining: remaining, TransactionID: transaction.ID}
		return nil
	})
	if operationError != nil {
		result = AddResult{}
	}
	logOperation(ctx, service.credits.logger, OperationLog{
		Operation:     operationTeamAdd,
		Account:       ref,
		ActingUserID:  request.UserID,
		Amount:        amount,
		Remaining:     result.CreditsRemaining,
		TransactionID: result.TransactionID,
		Error:         operationError,
	})
	return result, operationError
}

func teamPaymentMetadataJSON(payment *PaymentMetadata, actingUserID AccountID) (MetadataJSON, error) {
	fields := map[string]any{}
	if payment != nil {
		fields["payment"] = payment
	}
	if !actingUserID.IsZero() {
		fields[metadataKeyActingUser] = actingUserID.String()
	}
	return marshalMetadata(fields)
}

// IsInsufficientCredits reports whether err is a balance shortfall.
func IsInsufficientCredits(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}
