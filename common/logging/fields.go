package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every caseflow component.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldRequestID = "request_id"
	FieldRunDate   = "run_date"
	FieldCaseID    = "case_id"
	FieldQueueID   = "queue_id"
	FieldUserID    = "user_id"
	FieldAdviceID  = "advice_id"
	FieldVerb      = "verb"
	FieldStatus    = "status"
	FieldOutcome   = "outcome"
	FieldAttempt   = "attempt"
	FieldCount     = "count"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func CaseID(id string) slog.Attr {
	return slog.String(FieldCaseID, id)
}

func QueueID(id string) slog.Attr {
	return slog.String(FieldQueueID, id)
}

func UserID(id string) slog.Attr {
	return slog.String(FieldUserID, id)
}

func AdviceID(id string) slog.Attr {
	return slog.String(FieldAdviceID, id)
}

func Verb(v string) slog.Attr {
	return slog.String(FieldVerb, v)
}

func Status(s string) slog.Attr {
	return slog.String(FieldStatus, s)
}

func Outcome(o string) slog.Attr {
	return slog.String(FieldOutcome, o)
}

func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Duration reports d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns an attribute for err. A nil error yields an empty value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
