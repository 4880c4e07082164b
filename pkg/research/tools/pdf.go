package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/mikeboe/deep-research/pkg/sources"
)

const mistralOCRURL = "https://api.mistral.ai/v1/ocr"

type PdfScrapeResponsePage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OcrResponse struct {
	Pages []PdfScrapeResponsePage `json:"pages"`
}

// scrapePDF uses Mistral OCR when a key is configured and falls back to
// local text extraction otherwise or when OCR fails.
func (s *Scraper) scrapePDF(ctx context.Context, target *url.URL) (*sources.ScrapedContent, error) {
	title := strings.TrimSuffix(path.Base(target.Path), path.Ext(target.Path))

	if s.cfg.MistralAPIKey != "" {
		text, err := s.ocrPDF(ctx, target.String())
		if err == nil {
			return &sources.ScrapedContent{Title: title, Text: text}, nil
		}
		s.Logger.Warn("OCR failed, falling back to local PDF extraction", "url", target.String(), "error", err)
	}

	body, _, err := s.get(ctx, target.String(), "application/pdf", maxPDFBytes)
	if err != nil {
		return nil, err
	}
	text, err := pdfText(body)
	if err != nil {
		return nil, err
	}
	return &sources.ScrapedContent{Title: title, Text: text}, nil
}

// pdfText extracts plain text from an in-memory PDF document.
func pdfText(data []byte) (text string, err error) {
	// the reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("failed to parse pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("failed to read pdf text: %w", err)
	}
	return cleanText(string(b)), nil
}

// ocrPDF extracts the contents of a PDF file as markdown using the Mistral
// OCR API.
func (s *Scraper) ocrPDF(ctx context.Context, docURL string) (string, error) {
	docURL = strings.Replace(docURL, "http://", "https://", 1)

	reqBody := map[string]interface{}{
		"model": "mistral-ocr-latest",
		"document": map[string]string{
			"type":         "document_url",
			"document_url": docURL,
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.MistralOCRURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.MistralAPIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API request failed with status: %s, body: %s", resp.Status, string(body))
	}

	var ocrResponse OcrResponse
	if err := json.Unmarshal(body, &ocrResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal OCR response: %w", err)
	}

	var sb strings.Builder
	for _, page := range ocrResponse.Pages {
		sb.WriteString(page.Markdown)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}
