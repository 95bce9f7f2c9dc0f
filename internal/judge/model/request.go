package model

import (
	"encoding/base64"
	"net/url"
	"strings"
	"sync"

	"codejudge/internal/judge/execution"
	appErr "codejudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// Payload encodings accepted for sourceCode, inputFile and outputFile.
const (
	EncodingPlain  = "plain"
	EncodingBase64 = "base64"
	EncodingZstd   = "zstd"
)

const maxDecodedBytes = 16 << 20

// CompileRequest is the JSON body of /compile/json and the Kafka intake.
type CompileRequest struct {
	Language       string  `json:"language"`
	SourceCode     string  `json:"sourceCode"`
	FileName       string  `json:"fileName,omitempty"`
	InputFile      *string `json:"inputFile,omitempty"`
	ExpectedOutput string  `json:"outputFile"`
	TimeLimit      int     `json:"timeLimit"`
	MemoryLimit    int     `json:"memoryLimit"`
	Encoding       string  `json:"encoding,omitempty"`

	// Set by queue producers; ignored over HTTP.
	CorrelationID string `json:"correlationId,omitempty"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
}

// ToSubmission decodes the payload fields and builds the internal submission.
// Range checks are left to the execution factory.
func (r CompileRequest) ToSubmission() (execution.Submission, error) {
	if strings.TrimSpace(r.Language) == "" {
		return execution.Submission{}, appErr.ValidationError("language", "required")
	}
	source, err := decodeField("sourceCode", r.SourceCode, r.Encoding)
	if err != nil {
		return execution.Submission{}, err
	}
	expected, err := decodeField("outputFile", r.ExpectedOutput, r.Encoding)
	if err != nil {
		return execution.Submission{}, err
	}
	sub := execution.Submission{
		Language:       r.Language,
		SourceCode:     source,
		SourceFileName: r.FileName,
		ExpectedOutput: expected,
		TimeLimit:      r.TimeLimit,
		MemoryLimit:    r.MemoryLimit,
	}
	if r.InputFile != nil {
		input, err := decodeField("inputFile", *r.InputFile, r.Encoding)
		if err != nil {
			return execution.Submission{}, err
		}
		sub.Input = input
		sub.HasInput = true
	}
	return sub, nil
}

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(maxDecodedBytes))
})

func decodeField(field, value, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingPlain:
		return []byte(value), nil
	case EncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, appErr.ValidationError(field, "invalid base64")
		}
		return raw, nil
	case EncodingZstd:
		if value == "" {
			return nil, nil
		}
		frame, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, appErr.ValidationError(field, "invalid base64")
		}
		dec, err := zstdDecoder()
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InternalServerError, "init zstd decoder failed")
		}
		raw, err := dec.DecodeAll(frame, nil)
		if err != nil {
			return nil, appErr.ValidationError(field, "invalid zstd frame")
		}
		return raw, nil
	default:
		return nil, appErr.New(appErr.InvalidFormat).
			WithMessagef("unsupported encoding %q", encoding).
			WithDetail("field", "encoding")
	}
}

// ValidateCallbackURL checks that raw is an absolute http or https URL and
// returns it normalized.
func ValidateCallbackURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", appErr.ValidationError("callbackUrl", "required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", appErr.ValidationError("callbackUrl", "must be an absolute http or https URL")
	}
	return u.String(), nil
}

var zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

// EncodeField is the client side of decodeField.
func EncodeField(raw []byte, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingPlain:
		return string(raw), nil
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(raw), nil
	case EncodingZstd:
		if len(raw) == 0 {
			return "", nil
		}
		enc, err := zstdEncoder()
		if err != nil {
			return "", appErr.Wrapf(err, appErr.InternalServerError, "init zstd encoder failed")
		}
		return base64.StdEncoding.EncodeToString(enc.EncodeAll(raw, nil)), nil
	default:
		return "", appErr.New(appErr.InvalidFormat).WithMessagef("unsupported encoding %q", encoding)
	}
}
