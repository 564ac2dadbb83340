package repository

import (
	"errors"

	"github.com/lib/pq"
)

// ErrNotParticipant は送信者が会話の参加者でないことを表す。
var ErrNotParticipant = errors.New("sender is not a participant of the conversation")

// ErrInvalidParticipants は会話の参加者ペアが不正であることを表す（同一ユーザーなど）。
var ErrInvalidParticipants = errors.New("conversation participants must be two distinct users")

// PostgreSQLのSQLSTATE。
const (
	pqInsufficientPrivilege = "42501"
	pqInvalidParameterValue = "22023"
	pqCheckViolation        = "23514"
	pqForeignKeyViolation   = "23503"
	pqInvalidTextRepr       = "22P02"
)

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
