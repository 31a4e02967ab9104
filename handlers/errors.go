package handlers

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
)

var kindStatus = map[models.ErrorKind]int{
	models.KindInvalidInput:    http.StatusBadRequest,
	models.KindNotFound:        http.StatusNotFound,
	models.KindInvalidState:    http.StatusConflict,
	models.KindConflict:        http.StatusConflict,
	models.KindAlreadyResolved: http.StatusConflict,
	models.KindNotBalanced:     http.StatusUnprocessableEntity,
	models.KindStageFailure:    http.StatusBadGateway,
	models.KindTimeout:         http.StatusGatewayTimeout,
}

const codeInternal = "Internal"

// StatusForError maps an engine error to its HTTP status.
func StatusForError(err error) int {
	if status, ok := kindStatus[models.KindOf(err)]; ok {
		return status
	}
	if errors.Is(err, utils.ErrorStorageNotConfigured) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes {"error", "code"}.
func (h *Handler) fail(c *gin.Context, err error) {
	h.failWith(c, err, nil)
}

// failDocument also returns the document as it now stands, e.g. with a stage failure recorded.
func (h *Handler) failDocument(c *gin.Context, err error, doc *models.Document) {
	if doc == nil {
		h.failWith(c, err, nil)
		return
	}
	h.failWith(c, err, doc)
}

func (h *Handler) failWith(c *gin.Context, err error, data any) {
	status := StatusForError(err)
	code := string(models.KindOf(err))
	if code == "" {
		code = codeInternal
	}
	msg := err.Error()
	if code == codeInternal {
		config.LogError(h.Logger, "handlers", c.HandlerName(), c.FullPath(), c.Params, err)
		if isProduction() {
			msg = "internal error"
		}
	}
	_ = c.Error(err)
	body := gin.H{"error": msg, "code": code}
	if data != nil {
		body["data"] = data
	}
	c.AbortWithStatusJSON(status, body)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	_ = c.Error(err).SetType(gin.ErrorTypeBind)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":  "invalid request",
		"code":   string(models.KindInvalidInput),
		"fields": utils.ProcessValidationErrors(err),
	})
}

// bindOptionalJSON treats an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return binding.Validator.ValidateStruct(dst)
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func isProduction() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production")
}

var validatorsOnce sync.Once

// registerValidators adds the gsuri, docstatus and approvalstatus binding tags.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("gsuri", func(fl validator.FieldLevel) bool {
			_, _, err := utils.ParseGCSUri(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("docstatus", func(fl validator.FieldLevel) bool {
			_, err := models.ParseDocumentStatus(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("approvalstatus", func(fl validator.FieldLevel) bool {
			_, err := models.ParseApprovalStatus(fl.Field().String())
			return err == nil
		})
	})
}
