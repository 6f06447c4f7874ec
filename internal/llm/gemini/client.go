package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/bookextract/internal/worker"
	"github.com/ChuLiYu/bookextract/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrNoText    = errors.New("model returned no text")
	ErrNoAPIKey  = errors.New("gemini api key is not configured")
	ErrReadInput = errors.New("failed to read input file")
)

var _ worker.Extractor = (*Client)(nil)

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	InlineData *inlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content      `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Extract implements worker.Extractor by sending the whole PDF inline to
// generateContent and decoding the structured JSON answer.
func (c *Client) Extract(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (book *types.BookData, err error) {
	rid := uuid.New().String()
	start := time.Now()

	defer func() {
		if err != nil {
			onLog("[ERROR] " + err.Error())
		}
	}()

	onProgress(5)
	onLog(fmt.Sprintf("[Start] Processing book: %s", in.Name()))

	if c.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	onProgress(10)
	onLog(fmt.Sprintf("[Read] Loading file (%.2f MB)...", float64(in.Size())/1024/1024))
	inline, err := readInline(in)
	if err != nil {
		c.logger.Error("llm.gemini.read_error", "req_id", rid, "name", in.Name(), "error", err)
		return nil, err
	}
	onProgress(25)
	onLog("[Read] PDF converted for processing.")

	onLog("[AI] Configuring mobile formatting prompt...")
	body := generateRequest{
		Contents: []content{{
			Parts: []part{
				{InlineData: inline},
				{Text: buildPrompt()},
			},
		}},
		GenerationConfig: map[string]any{
			"responseMimeType": "application/json",
			"responseSchema":   responseSchema(),
		},
	}

	onProgress(30)
	onLog(fmt.Sprintf("[AI] Sending book for analysis and formatting (%s)...", c.cfg.Model))

	pacer := worker.NewProgressPacer(worker.PacerConfig{
		Start:     30,
		Ceiling:   90,
		Interval:  c.cfg.Interval,
		MaxStep:   2,
		Milestone: 15,
		Message: func(p int) string {
			return fmt.Sprintf("[AI] Formatting content and structuring chapters... (%d%%)", p)
		},
	}, onLog, onProgress)
	pacer.Start(ctx)

	c.logger.Info("llm.gemini.request",
		"req_id", rid,
		"model", c.cfg.Model,
		"name", in.Name(),
		"bytes", in.Size(),
	)

	raw, err := c.generate(ctx, rid, body)
	pacer.Stop()
	if err != nil {
		c.logger.Error("llm.gemini.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	onProgress(95)
	onLog("[AI] Response received! Finishing structure...")

	text, err := answerText(raw)
	if err != nil {
		c.logger.Error("llm.gemini.decode_error",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	if err := validateBook([]byte(text)); err != nil {
		c.logger.Error("llm.gemini.schema_validation_failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	var out types.BookData
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("unmarshal book: %w", err)
	}

	onProgress(100)
	onLog(fmt.Sprintf("[Success] Book '%s' processed successfully.", out.Title))

	c.logger.Info("llm.gemini.ok",
		"req_id", rid,
		"title", out.Title,
		"pages", out.PageCount,
		"content_len", len(out.Content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &out, nil
}

func readInline(in types.InputHandle) (*inlineData, error) {
	rc, err := in.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadInput, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadInput, err)
	}

	mime := in.MIMEType()
	if mime == "" {
		mime = "application/pdf"
	}
	return &inlineData{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (c *Client) generate(ctx context.Context, rid string, body generateRequest) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini http error: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("llm.gemini.response_body_close_error", "req_id", rid, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Info("llm.gemini.response",
		"req_id", rid,
		"status", resp.StatusCode,
		"bytes", len(raw),
	)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

// answerText concatenates the text parts of the first candidate.
func answerText(raw []byte) (string, error) {
	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return "", ErrNoText
	}
	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}
