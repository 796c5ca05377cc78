package credits

const (
	operationDeduct     = "deduct"
	operationAdd        = "add"
	operationSync       = "sync"
	operationOpen       = "open_account"
	operationTeamDeduct = "team_deduct"
	operationTeamAdd    = "team_add"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	accountKeyDelimiter = ":"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	metadataKeyActingUser = "acting_user_id"
	metadataKeyOperation  = "operation"
)
