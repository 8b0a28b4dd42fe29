package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wagateway/internal/config"

	"github.com/spf13/cobra"
)

// apiClient talks to a running gateway over its REST API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(cfg *config.Config, override string) *apiClient {
	base := override
	if base == "" {
		bp := cfg.HTTP.BasePath
		if bp == "/" {
			bp = ""
		}
		base = "http://127.0.0.1:" + strconv.Itoa(cfg.HTTP.Port) + bp
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.HTTP.APIKey,
		http:    &http.Client{Timeout: 3 * time.Minute},
	}
}

// do sends a request and decodes the JSON reply into out. Non-2xx replies
// become errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, e.Message)
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(data), out)
}

// upload posts a multipart /send with the file under the "pdf" field.
func (c *apiClient) upload(ctx context.Context, to, message, file string, out any) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("target", to)
	if message != "" {
		mw.WriteField("message", message)
	}
	part, err := mw.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="pdf"; filename=%q`, filepath.Base(file))},
		"Content-Type":        {"application/pdf"},
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/send", mw.FormDataContentType(), &buf, out)
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func statusCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session status of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(loadConfigOrDefaults(), url)
			var out map[string]any
			if err := c.do(cmd.Context(), http.MethodGet, "/status", "", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default: from config)")
	return cmd
}

func restartCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Tear down and re-initialize the WhatsApp session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(loadConfigOrDefaults(), url)
			var out map[string]any
			if err := c.do(cmd.Context(), http.MethodPost, "/restart", "", nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default: from config)")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		url, to, message, file string
		serverPath             bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text message or PDF through a running gateway",
		Example: `  wagateway send --to 3001234567 --message "hello"
  wagateway send --to 3001234567 --file invoice.pdf --message "your invoice"
  wagateway send --to 120363000000000000@g.us --file /srv/reports/q3.pdf --server-path`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to is required")
			}
			if message == "" && file == "" {
				return fmt.Errorf("provide --message, --file, or both")
			}
			c := newAPIClient(loadConfigOrDefaults(), url)
			ctx := cmd.Context()

			var (
				out map[string]any
				err error
			)
			switch {
			case file == "":
				err = c.postJSON(ctx, "/send-message", map[string]string{"target": to, "message": message}, &out)
			case serverPath:
				err = c.postJSON(ctx, "/send-with-path", map[string]string{"target": to, "message": message, "filePath": file}, &out)
			default:
				err = c.upload(ctx, to, message, file, &out)
			}
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway base URL (default: from config)")
	cmd.Flags().StringVar(&to, "to", "", "phone number, chat id, or group id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message text or PDF caption")
	cmd.Flags().StringVarP(&file, "file", "f", "", "PDF to attach")
	cmd.Flags().BoolVar(&serverPath, "server-path", false, "treat --file as a path on the gateway host instead of uploading it")
	return cmd
}
