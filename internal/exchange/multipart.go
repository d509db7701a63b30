package exchange

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"

	"github.com/MrWong99/vistalk/internal/capture"
)

// ImageFilename is the file name of the still in multipart uploads.
const ImageFilename = "image.jpg"

func encodeMultipart(p capture.Payload, stamp string) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	audioName := p.Audio.Filename
	if audioName == "" {
		audioName = "recording"
	}
	audioType := p.Audio.MIMEType
	if audioType == "" {
		audioType = "application/octet-stream"
	}
	if err := writeFile(mw, "audio", audioName, audioType, p.Audio.Data); err != nil {
		return nil, "", err
	}
	if err := writeFile(mw, "image", ImageFilename, capture.ImageMIME, p.Image); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("timestamp", stamp); err != nil {
		return nil, "", fmt.Errorf("exchange: write timestamp field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("exchange: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

func writeFile(mw *multipart.Writer, field, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("exchange: create %s part: %w", field, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("exchange: write %s data: %w", field, err)
	}
	return nil
}
