package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/amanullahtanweer/capture-transcriber/internal/apperr"
	"github.com/amanullahtanweer/capture-transcriber/internal/capture"
	"github.com/amanullahtanweer/capture-transcriber/internal/ocr"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput, apperr.KindDevice:
		return http.StatusBadRequest
	case apperr.KindEmptyInput, apperr.KindFormat:
		return http.StatusUnprocessableEntity
	case apperr.KindBusy:
		return http.StatusConflict
	case apperr.KindTransport, apperr.KindService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	c.AbortWithStatusJSON(statusFor(kind), ErrorResponse{Error: apperr.Message(err), Kind: kind})
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_sessions": len(a.opts.Manager.List()),
		"totals":          a.opts.Manager.Totals().Snapshot(),
	})
}

// recognize handles a multipart upload with an "image" file and an optional
// "lang" field.
func (a *API) recognize(c *gin.Context) {
	if a.opts.Recognizer == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Text extraction is not configured.", Kind: apperr.KindUnknown})
		return
	}

	fh, err := c.FormFile("image")
	if err != nil {
		respondError(c, apperr.InvalidInput("No image was uploaded.", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, apperr.InvalidInput("The upload could not be read.", err))
		return
	}
	defer f.Close()

	maxBytes := a.opts.Validator.MaxBytes
	if maxBytes <= 0 {
		maxBytes = ocr.DefaultMaxImageBytes
	}
	// One byte over the limit is enough for the validator to reject it.
	img, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)+1))
	if err != nil {
		respondError(c, apperr.InvalidInput("The upload could not be read.", err))
		return
	}

	lang := c.PostForm("lang")
	if lang == "" {
		lang = a.opts.OCRLanguage
	}

	req := ocr.NewRequest(a.opts.Recognizer, a.opts.Validator, a.logger)
	if _, err := req.Run(c.Request.Context(), img, fh.Filename, lang); err != nil {
		c.JSON(statusFor(apperr.KindOf(err)), req.Result())
		return
	}
	c.JSON(http.StatusOK, req.Result())
}

func (a *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.opts.Manager.List()})
}

func (a *API) getSession(c *gin.Context) {
	sess, ok := a.opts.Manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No session with this ID.", Kind: apperr.KindInvalidInput})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// stopSession ends capture and answers with the final state. A cycle that
// failed is still a successful stop; its error is in the snapshot.
func (a *API) stopSession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.opts.Manager.Get(id); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "No session with this ID.", Kind: apperr.KindInvalidInput})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), stopTimeout)
	defer cancel()
	snap, err := a.opts.Manager.Stop(ctx, id)
	switch {
	case err == nil, snap.Status.Terminal():
		c.JSON(http.StatusOK, snap)
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "The session did not stop in time.", Kind: apperr.KindUnknown})
	case errors.Is(err, capture.ErrClosed):
		c.JSON(http.StatusGone, ErrorResponse{Error: "The session has ended.", Kind: apperr.KindUnknown})
	default:
		respondError(c, fmt.Errorf("stop session %s: %w", id, err))
	}
}
