package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"
)

const (
	mimePDF  = "application/pdf"
	mimeJPEG = "image/jpeg"
	mimePNG  = "image/png"
)

var uploadExtensions = map[string]string{
	mimePDF:  ".pdf",
	mimeJPEG: ".jpg",
	mimePNG:  ".png",
}

// preparedUpload is the file as it will be stored.
type preparedUpload struct {
	Data      []byte
	MimeType  string
	PageCount int
	Resized   bool
}

func (h *Handler) uploadDocument(c *gin.Context) {
	if h.Objects == nil {
		h.fail(c, utils.ErrorStorageNotConfigured)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, models.NewError(models.KindInvalidInput, "uploadDocument", "file exceeds %d bytes", h.MaxUploadBytes))
			return
		}
		h.fail(c, models.WrapError(models.KindInvalidInput, "uploadDocument", err, "multipart field \"file\" is required"))
		return
	}
	customFields, err := parseCustomFieldsForm(c.PostForm("custom_fields"))
	if err != nil {
		h.fail(c, err)
		return
	}

	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		h.fail(c, err)
		return
	}

	prepared, err := prepareUpload(data, fh.Header.Get("Content-Type"), h.MaxImageEdge)
	if err != nil {
		h.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	objectName := path.Join("documents", time.Now().UTC().Format("2006/01/02"), uuid.NewString()+uploadExtensions[prepared.MimeType])
	uri, err := h.Objects.Put(ctx, objectName, prepared.MimeType, prepared.Data)
	if err != nil {
		h.fail(c, err)
		return
	}

	doc, err := h.Engine.CreateDocument(ctx, models.NewDocument{
		FileName:     filepath.Base(fh.Filename),
		SourceUri:    uri,
		MimeType:     prepared.MimeType,
		PageCount:    prepared.PageCount,
		CustomFields: customFields,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.Logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"mime_type":   prepared.MimeType,
		"size":        len(prepared.Data),
		"page_count":  prepared.PageCount,
		"resized":     prepared.Resized,
		"source_uri":  uri,
	}).Info("[upload.complete]")
	respond(c, http.StatusCreated, doc)
}

// prepareUpload sniffs the type, counts PDF pages and downscales images whose longest edge
// exceeds maxEdge.
func prepareUpload(data []byte, declared string, maxEdge int) (*preparedUpload, error) {
	if len(data) == 0 {
		return nil, models.NewError(models.KindInvalidInput, "prepareUpload", "file is empty")
	}
	mime := sniffMimeType(data, declared)
	switch mime {
	case mimePDF:
		pages, err := api.PageCount(bytes.NewReader(data), pdfConfig())
		if err != nil {
			return nil, models.WrapError(models.KindInvalidInput, "prepareUpload", err, "unreadable pdf")
		}
		return &preparedUpload{Data: data, MimeType: mime, PageCount: pages}, nil
	case mimeJPEG, mimePNG:
		return prepareImage(data, mime, maxEdge)
	}
	return nil, models.NewError(models.KindInvalidInput, "prepareUpload", "unsupported file type %q", mime)
}

func prepareImage(data []byte, mime string, maxEdge int) (*preparedUpload, error) {
	out := &preparedUpload{Data: data, MimeType: mime, PageCount: 1}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, models.WrapError(models.KindInvalidInput, "prepareImage", err, "unreadable image")
	}
	b := img.Bounds()
	if maxEdge <= 0 || (b.Dx() <= maxEdge && b.Dy() <= maxEdge) {
		return out, nil
	}
	resized := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	format := imaging.JPEG
	if mime == mimePNG {
		format = imaging.PNG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode resized image: %w", err)
	}
	out.Data = buf.Bytes()
	out.Resized = true
	return out, nil
}

// sniffMimeType prefers the content over the client's declaration.
func sniffMimeType(data []byte, declared string) string {
	sniffed := http.DetectContentType(data)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	if _, known := uploadExtensions[sniffed]; known {
		return sniffed
	}
	return strings.ToLower(strings.TrimSpace(declared))
}

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func parseCustomFieldsForm(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, models.WrapError(models.KindInvalidInput, "uploadDocument", err, "custom_fields must be a JSON object")
	}
	return fields, nil
}
