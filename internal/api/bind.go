package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	apperrors "github.com/salvacell/offsync/internal/errors"
)

// bindJSON binds the request body into out and validates it. On failure it
// writes a 400 and returns the error so the handler can stop.
func bindJSON(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(apperrors.ErrInvalid),
			"message": "invalid request body: " + err.Error(),
		})
		return err
	}
	return validate(c, out, v)
}

// bindQuery is bindJSON for query strings.
func bindQuery(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindQuery(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(apperrors.ErrInvalid),
			"message": "invalid query: " + err.Error(),
		})
		return err
	}
	return validate(c, out, v)
}

func validate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  string(apperrors.ErrInvalid),
			"fields": validationErrorsToMap(err),
		})
		return err
	}
	return nil
}

func validationErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}

// writeError renders err with the HTTP status matching its code.
func writeError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	c.JSON(statusFor(code), gin.H{
		"error":   string(code),
		"message": apperrors.Message(err),
	})
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrUnknownAction:
		return http.StatusBadRequest
	case apperrors.ErrNetworkUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemoteRequest:
		return http.StatusBadGateway
	case apperrors.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
