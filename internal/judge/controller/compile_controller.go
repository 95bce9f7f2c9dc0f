package controller

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"codejudge/internal/judge/execution"
	"codejudge/internal/judge/language"
	"codejudge/internal/judge/model"
	"codejudge/internal/judge/service"
	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Request headers that select push delivery.
const (
	PreferPushHeader    = "Prefer-Push"
	CallbackURLHeader   = "Url"
	CorrelationIDHeader = "X-Correlation-Id"
)

const defaultMaxPartBytes = 8 << 20

// Submitter runs executions; it is implemented by service.Executor.
type Submitter interface {
	Submit(ctx context.Context, exec *execution.Execution, callbackURL string) (service.Receipt, error)
	Enqueue(ctx context.Context, exec *execution.Execution, opts service.SubmitOptions) (string, error)
}

// ExecutionFactory validates submissions.
type ExecutionFactory interface {
	Create(sub execution.Submission) (*execution.Execution, error)
	Registry() *language.Registry
}

// TicketReader looks up asynchronous tickets.
type TicketReader interface {
	Get(ctx context.Context, ticketID string) (model.TicketStatus, error)
}

// CompileController handles the compile, ticket and language endpoints.
type CompileController struct {
	factory      ExecutionFactory
	submitter    Submitter
	tickets      TicketReader
	maxPartBytes int64
}

// NewCompileController creates a controller. tickets may be nil, in which
// case ticket lookups answer ServiceUnavailable.
func NewCompileController(factory ExecutionFactory, submitter Submitter, tickets TicketReader, maxPartBytes int64) *CompileController {
	if maxPartBytes <= 0 {
		maxPartBytes = defaultMaxPartBytes
	}
	return &CompileController{
		factory:      factory,
		submitter:    submitter,
		tickets:      tickets,
		maxPartBytes: maxPartBytes,
	}
}

// Compile handles multipart submissions.
func (h *CompileController) Compile(c *gin.Context) {
	sub, err := h.bindMultipart(c, c.PostForm("language"))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.run(c, sub)
}

// CompileLanguage handles multipart submissions on /compiler/:language.
// The path names the language; a language form field is ignored.
func (h *CompileController) CompileLanguage(c *gin.Context) {
	sub, err := h.bindMultipart(c, c.Param("language"))
	if err != nil {
		response.Error(c, err)
		return
	}
	h.run(c, sub)
}

// CompileJSON handles JSON submissions, optionally encoded.
func (h *CompileController) CompileJSON(c *gin.Context) {
	var req model.CompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.InvalidFormat, "invalid request body"))
		return
	}
	sub, err := req.ToSubmission()
	if err != nil {
		response.Error(c, err)
		return
	}
	h.run(c, sub)
}

// GetTicket returns the status of one asynchronous ticket.
func (h *CompileController) GetTicket(c *gin.Context) {
	ticketID := strings.TrimSpace(c.Param("id"))
	if ticketID == "" {
		response.BadRequest(c, "Invalid ticket id")
		return
	}
	if h.tickets == nil {
		response.ErrorWithCode(c, appErr.ServiceUnavailable, "ticket lookup is not configured")
		return
	}
	status, err := h.tickets.Get(c.Request.Context(), ticketID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Payload(c, http.StatusOK, status)
}

// Languages lists the supported languages.
func (h *CompileController) Languages(c *gin.Context) {
	response.Payload(c, http.StatusOK, h.factory.Registry().All())
}

func (h *CompileController) run(c *gin.Context, sub execution.Submission) {
	opts, push, err := pushOptions(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	exec, err := h.factory.Create(sub)
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := c.Request.Context()
	if push {
		ticketID, err := h.submitter.Enqueue(ctx, exec, opts)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Payload(c, http.StatusAccepted, model.NewAcceptedResponse(ticketID))
		return
	}

	receipt, err := h.submitter.Submit(ctx, exec, "")
	if err != nil {
		response.Error(c, err)
		return
	}
	if receipt.Result == nil {
		response.Error(c, appErr.New(appErr.InternalServerError).WithMessage("execution produced no result"))
		return
	}
	response.Payload(c, http.StatusOK, model.NewVerdictResponse(*receipt.Result))
}

// pushOptions reads the push headers. Url must be an absolute http(s) URL
// whenever Prefer-Push is present.
func pushOptions(c *gin.Context) (service.SubmitOptions, bool, error) {
	if strings.TrimSpace(c.GetHeader(PreferPushHeader)) == "" {
		return service.SubmitOptions{}, false, nil
	}
	if strings.TrimSpace(c.GetHeader(CallbackURLHeader)) == "" {
		return service.SubmitOptions{}, false, appErr.ValidationError(CallbackURLHeader, "required when Prefer-Push is set")
	}
	callback, err := model.ValidateCallbackURL(c.GetHeader(CallbackURLHeader))
	if err != nil {
		return service.SubmitOptions{}, false, err
	}
	return service.SubmitOptions{
		CallbackURL:   callback,
		CorrelationID: strings.TrimSpace(c.GetHeader(CorrelationIDHeader)),
	}, true, nil
}

func (h *CompileController) bindMultipart(c *gin.Context, lang string) (execution.Submission, error) {
	sub := execution.Submission{Language: strings.TrimSpace(lang)}
	if sub.Language == "" {
		return sub, appErr.ValidationError("language", "required")
	}

	var err error
	if sub.TimeLimit, err = formInt(c, "timeLimit"); err != nil {
		return sub, err
	}
	if sub.MemoryLimit, err = formInt(c, "memoryLimit"); err != nil {
		return sub, err
	}

	source, name, ok, err := h.readPart(c, "sourceCode")
	if err != nil {
		return sub, err
	}
	if !ok {
		return sub, appErr.ValidationError("sourceCode", "required")
	}
	sub.SourceCode = source
	sub.SourceFileName = name

	expected, _, ok, err := h.readPart(c, "outputFile")
	if err != nil {
		return sub, err
	}
	if !ok {
		return sub, appErr.ValidationError("outputFile", "required")
	}
	sub.ExpectedOutput = expected

	input, _, ok, err := h.readPart(c, "inputFile")
	if err != nil {
		return sub, err
	}
	sub.Input = input
	sub.HasInput = ok
	return sub, nil
}

func formInt(c *gin.Context, field string) (int, error) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		return 0, appErr.ValidationError(field, "required")
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, appErr.ValidationError(field, "must be an integer")
	}
	return v, nil
}

// readPart returns the content of a file part, falling back to a plain form
// value of the same name. ok is false when neither was sent.
func (h *CompileController) readPart(c *gin.Context, field string) ([]byte, string, bool, error) {
	header, err := c.FormFile(field)
	if err == nil {
		if header.Size > h.maxPartBytes {
			return nil, "", false, appErr.ValidationError(field, "too large")
		}
		data, err := h.readFile(header)
		if err != nil {
			return nil, "", false, appErr.Wrapf(err, appErr.InvalidFormat, "read %s failed", field).WithDetail("field", field)
		}
		return data, header.Filename, true, nil
	}
	if err != http.ErrMissingFile {
		return nil, "", false, appErr.Wrapf(err, appErr.InvalidFormat, "invalid multipart body")
	}
	if value, ok := c.GetPostForm(field); ok {
		if int64(len(value)) > h.maxPartBytes {
			return nil, "", false, appErr.ValidationError(field, "too large")
		}
		return []byte(value), "", true, nil
	}
	return nil, "", false, nil
}

func (h *CompileController) readFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, h.maxPartBytes))
}
