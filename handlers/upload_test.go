package handlers

import (
	"bytes"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareUploadKeepsSmallImages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(800, 600, color.Black), imaging.JPEG))

	got, err := prepareUpload(buf.Bytes(), "application/octet-stream", defaultMaxImageEdge)
	require.NoError(t, err)
	assert.Equal(t, mimeJPEG, got.MimeType)
	assert.False(t, got.Resized)
	assert.Equal(t, buf.Bytes(), got.Data)
	assert.Equal(t, 1, got.PageCount)
}

func TestPrepareUploadRejects(t *testing.T) {
	cases := map[string]struct {
		data     []byte
		declared string
	}{
		"empty":       {nil, mimePDF},
		"text":        {[]byte("hello"), "text/plain"},
		"broken pdf":  {[]byte("%PDF-1.7\nnot really"), mimePDF},
		"broken jpeg": {[]byte("not an image"), mimeJPEG},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := prepareUpload(tc.data, tc.declared, defaultMaxImageEdge)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}
}

func TestSniffMimeTypePrefersContent(t *testing.T) {
	assert.Equal(t, mimePDF, sniffMimeType([]byte("%PDF-1.4 ..."), "image/png"))
	assert.Equal(t, "text/csv", sniffMimeType([]byte("a,b"), " Text/CSV "))
}

func TestParseCustomFieldsForm(t *testing.T) {
	fields, err := parseCustomFieldsForm(`{"project":"apollo"}`)
	require.NoError(t, err)
	assert.Equal(t, "apollo", fields["project"])

	fields, err = parseCustomFieldsForm("  ")
	require.NoError(t, err)
	assert.Nil(t, fields)

	_, err = parseCustomFieldsForm(`["not","an","object"]`)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
