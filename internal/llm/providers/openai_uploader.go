package providers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/openai/openai-go"
)

// maxAttachmentBytes matches the Assistants file size limit
const maxAttachmentBytes = 512 << 20

// OpenAIUploader downloads chat attachments and stores them as OpenAI files
type OpenAIUploader struct {
	client     *openai.Client
	httpClient *http.Client
	// maxImageDimension bounds the longest image side; 0 disables resizing.
	maxImageDimension int
}

// NewOpenAIUploader creates an uploader
func NewOpenAIUploader(client *openai.Client, httpClient *http.Client, maxImageDimension int) *OpenAIUploader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAIUploader{client: client, httpClient: httpClient, maxImageDimension: maxImageDimension}
}

// Upload fetches url and uploads it under name. Images go up with the vision
// purpose so they can be used as image_file content.
func (u *OpenAIUploader) Upload(ctx context.Context, url, name string) (llm.FileRef, error) {
	data, contentType, err := u.download(ctx, url)
	if err != nil {
		return llm.FileRef{}, llm.NewUploadError(name, err)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			contentType = byExt
		}
	}

	isImage := isSupportedImage(contentType)
	purpose := openai.FilePurposeAssistants
	if isImage {
		purpose = openai.FilePurposeVision
		if u.maxImageDimension > 0 {
			if resized, err := resizeImage(data, u.maxImageDimension); err == nil {
				data = resized
			}
		}
	}

	file, err := u.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), name, contentType),
		Purpose: purpose,
	})
	if err != nil {
		return llm.FileRef{}, llm.NewUploadError(name, classifyOpenAIError(err))
	}

	return llm.FileRef{ID: file.ID, Name: name, IsImage: isImage}, nil
}

func (u *OpenAIUploader) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("attachment download returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", maxAttachmentBytes)
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return data, contentType, nil
}

func isSupportedImage(contentType string) bool {
	switch contentType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	}
	return false
}

// resizeImage shrinks images whose longest side exceeds maxDim, re-encoding
// in the source format. Formats imaging cannot decode (webp) return an error.
func resizeImage(data []byte, maxDim int) ([]byte, error) {
	img, format, err := imageDecode(data)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return data, nil
	}

	resized := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}
	return buf.Bytes(), nil
}

func imageDecode(data []byte) (image.Image, imaging.Format, error) {
	_, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	format, err := imaging.FormatFromExtension(name)
	if err != nil {
		return nil, 0, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, err
	}
	return img, format, nil
}
