package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const codeUnauthenticated = "UNAUTHENTICATED"

var statusByCode = map[hammererrors.Code]int{
	hammererrors.CodeNotFound:         http.StatusNotFound,
	hammererrors.CodeAuctionClosed:    http.StatusConflict,
	hammererrors.CodeBidTooLow:        http.StatusUnprocessableEntity,
	hammererrors.CodeSelfBid:          http.StatusForbidden,
	hammererrors.CodeForbidden:        http.StatusForbidden,
	hammererrors.CodeInvalidAuction:   http.StatusBadRequest,
	hammererrors.CodeHasBids:          http.StatusConflict,
	hammererrors.CodeConflict:         http.StatusServiceUnavailable,
	hammererrors.CodeLockExpired:      http.StatusServiceUnavailable,
	hammererrors.CodeLockUnavailable:  http.StatusServiceUnavailable,
	hammererrors.CodeStoreUnavailable: http.StatusServiceUnavailable,
}

var messageByCode = map[hammererrors.Code]string{
	hammererrors.CodeNotFound:         hammererrors.ErrNotFound.Error(),
	hammererrors.CodeAuctionClosed:    hammererrors.ErrAuctionClosed.Error(),
	hammererrors.CodeBidTooLow:        hammererrors.ErrBidTooLow.Error(),
	hammererrors.CodeSelfBid:          hammererrors.ErrSelfBid.Error(),
	hammererrors.CodeForbidden:        hammererrors.ErrForbidden.Error(),
	hammererrors.CodeHasBids:          hammererrors.ErrHasBids.Error(),
	hammererrors.CodeConflict:         "too much contention, retry the request",
	hammererrors.CodeLockExpired:      "too much contention, retry the request",
	hammererrors.CodeLockUnavailable:  "auction is busy, retry the request",
	hammererrors.CodeStoreUnavailable: "storage unavailable, retry the request",
}

// jsonResponse sends a structured JSON response.
func jsonResponse(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"status": status, "data": data})
}

// jsonError maps err to its status and public message. Internal details are
// only exposed for validation failures.
func jsonError(c *gin.Context, err error) {
	code := hammererrors.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	message, ok := messageByCode[code]
	switch {
	case code == hammererrors.CodeInvalidAuction:
		message = err.Error()
	case !ok:
		message = "internal error"
	}
	if hammererrors.IsRetryable(err) {
		c.Header("Retry-After", "1")
	}
	abortWithError(c, status, string(code), message)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"status": status, "code": code, "message": message})
}
