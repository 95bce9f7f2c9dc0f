package model

import (
	"net/http"
	"time"

	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
)

// TicketState is the lifecycle state of an asynchronous ticket.
type TicketState string

const (
	TicketQueued TicketState = "QUEUED"
	TicketDone   TicketState = "DONE"
	TicketFailed TicketState = "FAILED"
)

// VerdictResponse is the body of a synchronous verdict and of a push delivery.
type VerdictResponse struct {
	Verdict            string    `json:"verdict"`
	StatusResponseCode int       `json:"statusResponseCode"`
	Output             string    `json:"output"`
	Error              string    `json:"error"`
	ExpectedOutput     string    `json:"expectedOutput"`
	ExitCode           int       `json:"exitCode"`
	ExecutionTimeMs    int64     `json:"executionTimeMs"`
	Language           string    `json:"language"`
	TicketID           string    `json:"ticketId"`
	CorrelationID      string    `json:"correlationId,omitempty"`
	OutputTruncated    bool      `json:"outputTruncated,omitempty"`
	Date               time.Time `json:"date"`
}

// AcceptedResponse is returned when a result will be pushed later.
type AcceptedResponse struct {
	TicketID           string      `json:"ticketId"`
	Status             TicketState `json:"status"`
	StatusResponseCode int         `json:"statusResponseCode"`
}

// FailureResponse is pushed when no verdict could be produced.
type FailureResponse struct {
	TicketID           string      `json:"ticketId"`
	Status             TicketState `json:"status"`
	StatusResponseCode int         `json:"statusResponseCode"`
	Code               int         `json:"code"`
	Message            string      `json:"message"`
	CorrelationID      string      `json:"correlationId,omitempty"`
	Date               time.Time   `json:"date"`
}

// TicketStatus is what ticket lookups return and what the repository stores.
type TicketStatus struct {
	TicketID      string           `json:"ticketId"`
	Status        TicketState      `json:"status"`
	Language      string           `json:"language,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	Result        *VerdictResponse `json:"result,omitempty"`
	Failure       *FailureResponse `json:"failure,omitempty"`
	CreatedAt     int64            `json:"createdAt,omitempty"`
	UpdatedAt     int64            `json:"updatedAt"`
}

func NewAcceptedResponse(ticketID string) AcceptedResponse {
	return AcceptedResponse{
		TicketID:           ticketID,
		Status:             TicketQueued,
		StatusResponseCode: http.StatusAccepted,
	}
}

func NewVerdictResponse(res service.Result) VerdictResponse {
	return VerdictResponse{
		Verdict:            string(res.Verdict),
		StatusResponseCode: res.Verdict.HTTPStatus(),
		Output:             res.Output,
		Error:              res.Error,
		ExpectedOutput:     res.ExpectedOutput,
		ExitCode:           res.ExitCode,
		ExecutionTimeMs:    res.Duration.Milliseconds(),
		Language:           res.Language,
		TicketID:           res.TicketID,
		CorrelationID:      res.CorrelationID,
		OutputTruncated:    res.Truncated,
		Date:               res.FinishedAt.UTC(),
	}
}

func NewFailureResponse(res service.Result) FailureResponse {
	e := appErr.GetError(res.Err)
	return FailureResponse{
		TicketID:           res.TicketID,
		Status:             TicketFailed,
		StatusResponseCode: e.Code.HTTPStatus(),
		Code:               int(e.Code),
		Message:            e.Error(),
		CorrelationID:      res.CorrelationID,
		Date:               res.FinishedAt.UTC(),
	}
}

// DeliveryBody is the JSON pushed for res: a verdict, or a failure.
func DeliveryBody(res service.Result) interface{} {
	if res.Err != nil {
		return NewFailureResponse(res)
	}
	return NewVerdictResponse(res)
}

// NewTicketStatus records a finished result.
func NewTicketStatus(res service.Result) TicketStatus {
	status := TicketStatus{
		TicketID:      res.TicketID,
		Language:      res.Language,
		CorrelationID: res.CorrelationID,
		UpdatedAt:     res.FinishedAt.Unix(),
	}
	if res.Err != nil {
		failure := NewFailureResponse(res)
		status.Status = TicketFailed
		status.Failure = &failure
		return status
	}
	verdict := NewVerdictResponse(res)
	status.Status = TicketDone
	status.Result = &verdict
	return status
}

// Final reports whether the ticket reached a terminal state.
func (s TicketStatus) Final() bool {
	return s.Status == TicketDone || s.Status == TicketFailed
}
