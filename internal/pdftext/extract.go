package pdftext

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxExtractBytes caps how much of a PDF is considered; tagging only
// needs enough text to infer topics.
const maxExtractBytes = 200_000

// Extract returns the plain text of a PDF blob. It prefers the system
// pdftotext tool (better support for complex layouts) and falls back to
// the Go PDF library.
func Extract(data []byte) (string, error) {
	if text, err := extractWithPdftotext(data); err == nil && text != "" {
		return text, nil
	}
	return extractWithGoLib(data)
}

// extractWithPdftotext uses the system pdftotext tool (poppler-utils).
func extractWithPdftotext(data []byte) (string, error) {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return "", fmt.Errorf("pdftotext not found: %w", err)
	}
	tmp, err := os.CreateTemp("", "linkhive-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp pdf: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp pdf: %w", err)
	}
	tmp.Close()

	cmd := exec.Command("pdftotext", "-layout", "-enc", "UTF-8", tmp.Name(), "-")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext failed: %w", err)
	}
	text := normalizeText(string(output))
	if text == "" {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return clampText(text), nil
}

// extractWithGoLib uses the Go PDF library (fallback).
func extractWithGoLib(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	totalPages := reader.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		b.WriteString(text)
		b.WriteString(" ")
		if b.Len() > maxExtractBytes {
			break
		}
	}
	text := normalizeText(b.String())
	if text == "" {
		return "", fmt.Errorf("no text extracted from PDF")
	}
	return clampText(text), nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

func clampText(text string) string {
	if len(text) <= maxExtractBytes {
		return text
	}
	return text[:maxExtractBytes]
}
