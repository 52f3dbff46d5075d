// Package wscutils defines the standard request/response envelope of the
// web service surface and the validation helpers handlers share.
package wscutils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Request represents the standard structure of a request to the web service.
type Request struct {
	Data any `json:"data" binding:"required"`
}

// Response represents the standard structure of a response of the web
// service.
type Response struct {
	Status   string         `json:"status"`
	Data     any            `json:"data"`
	Messages []ErrorMessage `json:"messages"`
}

// ErrorMessage defines the format of the error part of the standard response
// object.
type ErrorMessage struct {
	MsgID   int      `json:"msgid"`
	ErrCode string   `json:"errcode"`
	Field   string   `json:"field,omitempty"`
	Vals    []string `json:"vals,omitempty"`
}

const (
	SuccessStatus = "success"
	ErrorStatus   = "error"
)

// WscValidate validates data according to struct tag-provided rules and
// returns a slice of ErrorMessage describing every violation. getVals
// supplies the request-specific values for each failed field.
func WscValidate[T any](data T, getVals func(err validator.FieldError) []string) []ErrorMessage {
	var validationErrors []ErrorMessage

	validate := validator.New()
	err := validate.Struct(data)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			for _, vErr := range validationErrs {
				vals := getVals(vErr)
				msgid, exists := validationTagToMsgID[vErr.Tag()]
				if !exists {
					msgid = DefaultMsgID
				}
				errcode, codeExists := validationTagToErrCode[vErr.Tag()]
				if !codeExists {
					errcode = ErrcodeUnknown
				}
				validationErrors = append(validationErrors, BuildErrorMessage(msgid, errcode, vErr.Field(), vals...))
			}
		}
	}
	return validationErrors
}

// BuildErrorMessage constructs one ErrorMessage.
func BuildErrorMessage(msgid int, errcode string, fieldName string, vals ...string) ErrorMessage {
	return ErrorMessage{
		MsgID:   msgid,
		ErrCode: errcode,
		Field:   fieldName,
		Vals:    vals,
	}
}

// NewResponse creates a response envelope.
func NewResponse(status string, data any, messages []ErrorMessage) *Response {
	return &Response{
		Status:   status,
		Data:     data,
		Messages: messages,
	}
}

// NewSuccessResponse wraps data in a success envelope.
func NewSuccessResponse(data any) *Response {
	return NewResponse(SuccessStatus, data, nil)
}

// NewErrorResponse wraps a single error message in an error envelope.
func NewErrorResponse(msgid int, errcode string) *Response {
	return NewResponse(ErrorStatus, nil, []ErrorMessage{BuildErrorMessage(msgid, errcode, "")})
}

// BindJSON decodes the request envelope into data, responding with the
// standard invalid-JSON error on failure.
func BindJSON(c *gin.Context, data any) error {
	req := Request{Data: data}
	if err := c.ShouldBindJSON(&req); err != nil {
		SendErrorResponse(c, NewErrorResponse(MsgIDInvalidJSON, ErrcodeInvalidJSON))
		return err
	}
	return nil
}

// GetRequestUser returns the authenticated user id the gateway attached to
// the request. The auth gateway itself is outside this service.
func GetRequestUser(c *gin.Context) (string, error) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		return "", errors.New("missing request user")
	}
	return userID, nil
}

// SendSuccessResponse writes a 200 with the envelope.
func SendSuccessResponse(c *gin.Context, response *Response) {
	c.JSON(http.StatusOK, response)
}

// SendErrorResponse writes the envelope with a status derived from its
// first error code.
func SendErrorResponse(c *gin.Context, response *Response) {
	status := http.StatusBadRequest
	if len(response.Messages) > 0 {
		switch response.Messages[0].ErrCode {
		case ErrcodeNotFound:
			status = http.StatusNotFound
		case ErrcodeUnauthorized:
			status = http.StatusUnauthorized
		case ErrcodeConflict:
			status = http.StatusConflict
		case ErrcodeDegraded, ErrcodeMaintenance:
			status = http.StatusServiceUnavailable
		case ErrcodeInternal:
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, response)
}
